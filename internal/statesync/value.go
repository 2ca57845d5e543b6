package statesync

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vovakirdan/netsync/internal/core"
)

// ValueCodec converts a typed value to the opaque bytes stored in an entry.
type ValueCodec[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// Msgpack is the default ValueCodec.
type Msgpack[T any] struct{}

// Marshal encodes v with msgpack.
func (Msgpack[T]) Marshal(v T) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes msgpack data into a T.
func (Msgpack[T]) Unmarshal(data []byte) (T, error) {
	var v T
	err := msgpack.Unmarshal(data, &v)
	return v, err
}

// Value is a typed view of one key.
type Value[T any] struct {
	store *Store
	key   string
	codec ValueCodec[T]
}

// Bind returns a typed view of key using msgpack for its values.
func Bind[T any](s *Store, key string) *Value[T] {
	return BindWith[T](s, key, Msgpack[T]{})
}

// BindWith returns a typed view of key using the given codec.
func BindWith[T any](s *Store, key string, c ValueCodec[T]) *Value[T] {
	return &Value[T]{store: s, key: key, codec: c}
}

// Key returns the bound key.
func (v *Value[T]) Key() string {
	return v.key
}

// Set encodes and writes a new value.
func (v *Value[T]) Set(val T) error {
	data, err := v.codec.Marshal(val)
	if err != nil {
		return fmt.Errorf("statesync: cannot encode %q: %w", v.key, err)
	}
	_, err = v.store.Set(v.key, data)
	return err
}

// Get decodes the current value. It reports false when the key was never set.
func (v *Value[T]) Get() (T, bool, error) {
	var zero T
	e, ok := v.store.Get(v.key)
	if !ok {
		return zero, false, nil
	}
	val, err := v.codec.Unmarshal(e.Value)
	if err != nil {
		return zero, true, fmt.Errorf("statesync: cannot decode %q: %w", v.key, err)
	}
	return val, true, nil
}

// OnChange registers a typed listener. Values that fail to decode are
// logged and skipped.
func (v *Value[T]) OnChange(fn func(val T, e core.StateEntry)) {
	v.store.OnChange(v.key, func(e core.StateEntry) {
		val, err := v.codec.Unmarshal(e.Value)
		if err != nil {
			v.store.logger.Warn("cannot decode state value", "key", v.key, "sender", e.Sender, "err", err)
			return
		}
		fn(val, e)
	})
}
