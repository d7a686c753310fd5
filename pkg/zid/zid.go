// Package zid holds job ids. They sort by creation time, which keeps the
// job table ordered on execute_at ties.
package zid

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/rs/xid"
)

type ID struct {
	internal xid.ID
}

func New() ID {
	return ID{internal: xid.New()}
}

func (id ID) Time() time.Time {
	return id.internal.Time()
}

func (id ID) IsZero() bool {
	return id.internal.IsNil()
}

func (id ID) String() string {
	return id.internal.String()
}

func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}
	return id.internal.String(), nil
}

// Scan implements the sql.Scanner interface.
func (id *ID) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		return id.UnmarshalText([]byte(v))
	case []byte:
		return id.UnmarshalText(v)
	case nil:
		*id = ID{}
		return nil
	}
	return fmt.Errorf("zid: scanning unsupported type %T", value)
}

func (id *ID) UnmarshalText(text []byte) error {
	return id.internal.UnmarshalText(text)
}

func (id ID) MarshalText() ([]byte, error) {
	return id.internal.MarshalText()
}

func FromString(id string) (ID, error) {
	i, err := xid.FromString(id)
	if err != nil {
		return ID{}, fmt.Errorf("could not parse id %s, %w", id, err)
	}
	return ID{internal: i}, nil
}
