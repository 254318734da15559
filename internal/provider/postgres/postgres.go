// Package postgres drives PostgreSQL as a two-phase resource manager using
// PREPARE TRANSACTION and the pg_prepared_xacts catalog.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"pkt.systems/pslog"

	"pkt.systems/txd/internal/loggingutil"
	"pkt.systems/txd/internal/provider"
	"pkt.systems/txd/internal/txn"
)

// undefinedObject is raised by COMMIT/ROLLBACK PREPARED for an unknown gid.
const undefinedObject = "42704"

var gidPrefixPattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Config configures the provider. Either DSN or Pool is required.
type Config struct {
	Name      string
	DSN       string
	Pool      *pgxpool.Pool
	GIDPrefix string
	Logger    pslog.Logger
}

// Provider implements provider.Provider for PostgreSQL. The server must run
// with max_prepared_transactions > 0.
type Provider struct {
	name     string
	pool     *pgxpool.Pool
	ownsPool bool
	prefix   string
	logger   pslog.Logger
}

// Tx is the handle for an open transaction. It pins one pooled connection
// from Begin until Prepare or a one-phase Commit/Rollback.
type Tx struct {
	id       txn.ID
	mu       sync.Mutex
	conn     *pgxpool.Conn
	released bool
}

// Conn returns the pinned connection for use by operations.
func (t *Tx) Conn() (*pgx.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released || t.conn == nil {
		return nil, fmt.Errorf("postgres: transaction %s is no longer open", t.id)
	}
	return t.conn.Conn(), nil
}

func (t *Tx) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released || t.conn == nil {
		return
	}
	t.released = true
	t.conn.Release()
}

// New connects to PostgreSQL.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	prefix := strings.ToLower(strings.TrimSpace(cfg.GIDPrefix))
	if prefix == "" {
		prefix = "txd"
	}
	if !gidPrefixPattern.MatchString(prefix) {
		return nil, fmt.Errorf("postgres: gid prefix %q must match %s", prefix, gidPrefixPattern)
	}
	pool := cfg.Pool
	owns := false
	if pool == nil {
		if cfg.DSN == "" {
			return nil, errors.New("postgres: dsn required")
		}
		var err error
		pool, err = pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: connect: %w", err)
		}
		owns = true
	}
	name := cfg.Name
	if name == "" {
		name = "postgres"
	}
	return &Provider{
		name:     name,
		pool:     pool,
		ownsPool: owns,
		prefix:   prefix,
		logger:   loggingutil.WithSubsystem(cfg.Logger, "provider.postgres"),
	}, nil
}

// GID returns the global transaction identifier used for id.
func (p *Provider) GID(id txn.ID) string {
	return p.prefix + ":" + id.String()
}

func (p *Provider) parseGID(gid string) (txn.ID, bool) {
	rest, ok := strings.CutPrefix(gid, p.prefix+":")
	if !ok {
		return txn.ID{}, false
	}
	id, err := txn.ParseID(rest)
	return id, err == nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (p *Provider) Name() string   { return p.name }
func (p *Provider) TwoPhase() bool { return true }

// Close closes the pool when the provider opened it.
func (p *Provider) Close() error {
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}

func (p *Provider) Begin(ctx context.Context, id txn.ID) (provider.Handle, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "BEGIN"); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	return &Tx{id: id, conn: conn}, nil
}

func handle(h provider.Handle) (*Tx, error) {
	tx, ok := h.(*Tx)
	if !ok || tx == nil {
		return nil, fmt.Errorf("postgres: unexpected handle %T", h)
	}
	return tx, nil
}

func (p *Provider) Prepare(ctx context.Context, id txn.ID, h provider.Handle) error {
	tx, err := handle(h)
	if err != nil {
		return err
	}
	conn, err := tx.Conn()
	if err != nil {
		return err
	}
	defer tx.release()
	tag, err := conn.Exec(ctx, "PREPARE TRANSACTION "+quoteLiteral(p.GID(id)))
	if err != nil {
		if _, rbErr := conn.Exec(ctx, "ROLLBACK"); rbErr != nil {
			p.logger.Warn("provider.postgres.prepare.rollback_failed", "txn_id", id, "error", rbErr)
		}
		return fmt.Errorf("postgres: prepare: %w", err)
	}
	// An aborted block is rolled back by the server and reported through the
	// command tag rather than an error.
	if err := expectTag(tag, "PREPARE TRANSACTION"); err != nil {
		return fmt.Errorf("postgres: prepare: %w", err)
	}
	return nil
}

// ErrRolledBack reports that the server ended the transaction with ROLLBACK
// instead of the requested command.
var ErrRolledBack = errors.New("transaction was rolled back by the server")

func expectTag(tag pgconn.CommandTag, want string) error {
	got := tag.String()
	if got == want {
		return nil
	}
	if got == "ROLLBACK" {
		return ErrRolledBack
	}
	return fmt.Errorf("unexpected command tag %q, want %q", got, want)
}

func (p *Provider) Commit(ctx context.Context, id txn.ID, h provider.Handle, twoPhase bool) error {
	if twoPhase {
		if _, err := p.pool.Exec(ctx, "COMMIT PREPARED "+quoteLiteral(p.GID(id))); err != nil {
			return fmt.Errorf("postgres: commit prepared: %w", err)
		}
		return nil
	}
	tx, err := handle(h)
	if err != nil {
		return err
	}
	conn, err := tx.Conn()
	if err != nil {
		return err
	}
	defer tx.release()
	tag, err := conn.Exec(ctx, "COMMIT")
	if err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	if err := expectTag(tag, "COMMIT"); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// Rollback is idempotent for prepared transactions: an unknown gid means the
// transaction was already resolved.
func (p *Provider) Rollback(ctx context.Context, id txn.ID, h provider.Handle, twoPhase bool) error {
	if twoPhase {
		_, err := p.pool.Exec(ctx, "ROLLBACK PREPARED "+quoteLiteral(p.GID(id)))
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == undefinedObject {
			return nil
		}
		if err != nil {
			return fmt.Errorf("postgres: rollback prepared: %w", err)
		}
		return nil
	}
	tx, err := handle(h)
	if err != nil {
		return err
	}
	conn, err := tx.Conn()
	if err != nil {
		return nil
	}
	defer tx.release()
	if _, err := conn.Exec(ctx, "ROLLBACK"); err != nil {
		return fmt.Errorf("postgres: rollback: %w", err)
	}
	return nil
}

func (p *Provider) Prepared(ctx context.Context) ([]txn.ID, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT gid FROM pg_prepared_xacts WHERE database = current_database() AND gid LIKE $1 ORDER BY prepared",
		p.prefix+":%")
	if err != nil {
		return nil, fmt.Errorf("postgres: list prepared: %w", err)
	}
	gids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: list prepared: %w", err)
	}
	out := make([]txn.ID, 0, len(gids))
	for _, gid := range gids {
		if id, ok := p.parseGID(gid); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

var _ provider.Provider = (*Provider)(nil)
