package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"pkt.systems/txd/internal/ops"
	"pkt.systems/txd/internal/provider"
)

type statementArgs struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`
}

// ExecResult is returned by sql.exec.
type ExecResult struct {
	RowsAffected int64 `json:"rows_affected"`
}

// QueryResult is returned by sql.query.
type QueryResult struct {
	Rows []map[string]any `json:"rows"`
}

func statement(h any, raw json.RawMessage) (*pgx.Conn, statementArgs, error) {
	tx, err := handle(h)
	if err != nil {
		return nil, statementArgs{}, err
	}
	args, err := ops.DecodeArgs[statementArgs](raw)
	if err != nil {
		return nil, statementArgs{}, err
	}
	if strings.TrimSpace(args.SQL) == "" {
		return nil, statementArgs{}, errors.New("postgres: sql required")
	}
	if transactionControl(args.SQL) {
		return nil, statementArgs{}, errors.New("postgres: transaction control statements are managed by the participant")
	}
	conn, err := tx.Conn()
	if err != nil {
		return nil, statementArgs{}, err
	}
	return conn, args, nil
}

func transactionControl(sql string) bool {
	fields := strings.Fields(strings.ToUpper(sql))
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "BEGIN", "START", "COMMIT", "ROLLBACK", "END", "ABORT", "PREPARE", "SAVEPOINT", "RELEASE":
		return true
	}
	return false
}

// operationSavepoint scopes a single statement so that its failure leaves the
// surrounding transaction usable.
const operationSavepoint = "txd_op"

func withSavepoint(ctx context.Context, conn *pgx.Conn, fn func() error) error {
	if _, err := conn.Exec(ctx, "SAVEPOINT "+operationSavepoint); err != nil {
		return fmt.Errorf("postgres: savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := conn.Exec(ctx, "ROLLBACK TO SAVEPOINT "+operationSavepoint); rbErr != nil {
			return errors.Join(err, fmt.Errorf("postgres: rollback to savepoint: %w", rbErr))
		}
		return err
	}
	if _, err := conn.Exec(ctx, "RELEASE SAVEPOINT "+operationSavepoint); err != nil {
		return fmt.Errorf("postgres: release savepoint: %w", err)
	}
	return nil
}

// RegisterOperations installs sql.exec and sql.query.
func (p *Provider) RegisterOperations(reg *ops.Registry) error {
	return errors.Join(
		reg.Register("sql.exec", func(ctx context.Context, h any, raw json.RawMessage) (any, error) {
			conn, args, err := statement(h, raw)
			if err != nil {
				return nil, err
			}
			var result ExecResult
			err = withSavepoint(ctx, conn, func() error {
				tag, err := conn.Exec(ctx, args.SQL, args.Args...)
				result.RowsAffected = tag.RowsAffected()
				return err
			})
			if err != nil {
				return nil, err
			}
			return result, nil
		}),
		reg.Register("sql.query", func(ctx context.Context, h any, raw json.RawMessage) (any, error) {
			conn, args, err := statement(h, raw)
			if err != nil {
				return nil, err
			}
			var result QueryResult
			err = withSavepoint(ctx, conn, func() error {
				rows, err := conn.Query(ctx, args.SQL, args.Args...)
				if err != nil {
					return err
				}
				result.Rows, err = pgx.CollectRows(rows, pgx.RowToMap)
				return err
			})
			if err != nil {
				return nil, err
			}
			return result, nil
		}),
	)
}

var _ provider.OperationSource = (*Provider)(nil)
