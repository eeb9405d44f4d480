package database

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// Queryable is the subset of sqlx behaviour the stores depend on. Both
// sqlx.DB and sqlx.Tx satisfy it, so store methods can run standalone or
// inside a WrapTx transaction.
type Queryable interface {
	Get(dest any, query string, args ...any) error
	Select(dest any, query string, args ...any) error
	Exec(query string, args ...any) (sql.Result, error)
	Rebind(query string) string
}

// JsonColumn is a generic container for columns holding JSON documents. It
// marshals on write and unmarshals on scan, keeping the JSON handling out
// of the store models themselves.
type JsonColumn[T any] struct {
	val *T
}

func NewJsonColumn[T any](val T) JsonColumn[T] {
	return JsonColumn[T]{val: &val}
}

func (col *JsonColumn[T]) Scan(src any) error {
	if src == nil {
		col.val = nil
		return nil
	}

	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T in to a JSON column", src)
	}

	val := new(T)
	if err := json.Unmarshal(raw, val); err != nil {
		return err
	}

	col.val = val
	return nil
}

func (col JsonColumn[T]) Value() (driver.Value, error) {
	if col.val == nil {
		return nil, errors.New("cannot store a JSON column with no value")
	}

	raw, err := json.Marshal(col.val)
	if err != nil {
		return nil, err
	}

	return string(raw), nil
}

// Get returns the decoded value, or nil if the column was NULL (or has
// not been scanned).
func (col *JsonColumn[T]) Get() *T {
	return col.val
}
