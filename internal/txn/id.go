package txn

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID identifies a distributed transaction. The same value is used by the
// coordinator and by every participant enlisted in the transaction.
type ID uuid.UUID

// NewID returns a fresh time-ordered transaction identifier.
func NewID() ID {
	return ID(uuid.Must(uuid.NewV7()))
}

// ParseID parses the canonical textual form of an ID.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return ID{}, fmt.Errorf("txn: invalid id %q: %w", s, err)
	}
	return ID(u), nil
}

// MustParseID is ParseID for constants in tests and examples.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is unset.
func (id ID) IsZero() bool {
	return id == ID{}
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
