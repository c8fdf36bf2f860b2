package store

import (
	"errors"
	"fmt"
)

// ErrBadValue is returned by Row accessors when an attribute has an unexpected type
var ErrBadValue = errors.New("unexpected attribute value")

// Int64 reads an integer attribute
func (r Row) Int64(key string) (int64, error) {
	switch v := r[key].(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%w: %s is %T", ErrBadValue, key, r[key])
	}
}

// String reads a text attribute. NULL reads as the empty string.
func (r Row) String(key string) (string, error) {
	switch v := r[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %s is %T", ErrBadValue, key, r[key])
	}
}
