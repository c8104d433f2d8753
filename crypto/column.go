package crypto

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
)

// Column describes a storage column holding sealed values of plaintexts at
// most MaxPlaintext bytes long.
type Column struct {
	Name         string
	MaxPlaintext int
}

// NewColumn declares an encrypted column.
func NewColumn(name string, maxPlaintext int) Column {
	if maxPlaintext < 0 {
		panic(fmt.Sprintf("crypto: column %s: negative plaintext length", name))
	}
	return Column{Name: name, MaxPlaintext: maxPlaintext}
}

// Width is the storage width in bytes: version + nonce + plaintext + tag.
func (c Column) Width() int {
	return Overhead + c.MaxPlaintext
}

// SQLiteType returns the column type for a SQLite table definition.
func (c Column) SQLiteType() string {
	return fmt.Sprintf("BLOB CHECK (%s IS NULL OR length(%s) <= %d)", c.Name, c.Name, c.Width())
}

// Check validates a value about to be written. Accepted are nil, the
// all-zero placeholder of exactly Width bytes, and sealed values of a
// registered key version that fit the column.
func (c Column) Check(value []byte) error {
	if value == nil {
		return nil
	}

	n := len(value)
	switch {
	case n == c.Width() && isZero(value):
		return nil
	case n < Overhead:
		return &SchemaViolationError{Column: c.Name, Length: n, Reason: fmt.Sprintf("shorter than the %d byte envelope", Overhead)}
	case n > c.Width():
		return &SchemaViolationError{Column: c.Name, Length: n, Reason: fmt.Sprintf("exceeds column width %d", c.Width())}
	case !KnownVersion(value[0]):
		return &SchemaViolationError{Column: c.Name, Length: n, Reason: fmt.Sprintf("unknown key version %d", value[0])}
	}
	return nil
}

// Zero returns the all-zero placeholder for rows written before a data
// key exists.
func (c Column) Zero() []byte {
	return make([]byte, c.Width())
}

// Bind wraps value for use as a query argument. The value is checked when
// the driver asks for it.
func (c Column) Bind(value []byte) driver.Valuer {
	return boundValue{col: c, value: value}
}

// Scan returns a scanner that copies the stored bytes into dst unchanged.
func (c Column) Scan(dst *[]byte) sql.Scanner {
	return &scannedValue{col: c, dst: dst}
}

type boundValue struct {
	col   Column
	value []byte
}

func (b boundValue) Value() (driver.Value, error) {
	if err := b.col.Check(b.value); err != nil {
		return nil, err
	}
	if b.value == nil {
		return nil, nil
	}
	return b.value, nil
}

type scannedValue struct {
	col Column
	dst *[]byte
}

func (s *scannedValue) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s.dst = nil
	case []byte:
		out := make([]byte, len(v))
		copy(out, v)
		*s.dst = out
	case string:
		*s.dst = []byte(v)
	default:
		return fmt.Errorf("column %s: cannot scan %T", s.col.Name, src)
	}
	return nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
