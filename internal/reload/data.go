// Package reload carries script state and pending scheduled work from one
// client slot to the next when a script is restarted.
package reload

import (
	"sort"
	"strconv"
	"time"

	"scripthost/internal/codec"
)

// PendingCallback describes one scheduled one-shot callback that should be
// re-armed by the next slot.
type PendingCallback struct {
	TypeKey        string
	RemainingDelay time.Duration
	Payload        string
}

// Data is produced by an outgoing slot's shutdown and consumed by the next
// slot's init. Missing keys are never an error and unknown keys are ignored,
// so two versions of a script can hand state to each other.
type Data struct {
	Fields  map[string]string
	Pending []PendingCallback
}

func New() *Data {
	return &Data{Fields: map[string]string{}}
}

// Get is safe on a nil receiver.
func (d *Data) Get(key string) (string, bool) {
	if d == nil || d.Fields == nil {
		return "", false
	}
	v, ok := d.Fields[key]
	return v, ok
}

func (d *Data) GetOr(key, def string) string {
	if v, ok := d.Get(key); ok {
		return v
	}
	return def
}

// GetInt64 returns def when the key is absent or not an integer.
func (d *Data) GetInt64(key string, def int64) int64 {
	v, ok := d.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// GetStrings decodes a value stored with SetStrings.
func (d *Data) GetStrings(key string) ([]string, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	out, err := codec.Decode(v)
	if err != nil {
		return nil, false
	}
	return out, true
}

func (d *Data) Set(key, value string) {
	if d.Fields == nil {
		d.Fields = map[string]string{}
	}
	d.Fields[key] = value
}

func (d *Data) SetInt64(key string, v int64) { d.Set(key, strconv.FormatInt(v, 10)) }

func (d *Data) SetStrings(key string, values []string) { d.Set(key, codec.Encode(values)) }

// Keys returns field names in sorted order.
func (d *Data) Keys() []string {
	if d == nil {
		return nil
	}
	keys := make([]string, 0, len(d.Fields))
	for k := range d.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy. A nil receiver yields an empty Data.
func (d *Data) Clone() *Data {
	out := New()
	if d == nil {
		return out
	}
	for k, v := range d.Fields {
		out.Fields[k] = v
	}
	out.Pending = append([]PendingCallback(nil), d.Pending...)
	return out
}

// WithPending returns a copy of d whose pending list is extended by extra.
func (d *Data) WithPending(extra []PendingCallback) *Data {
	out := d.Clone()
	out.Pending = append(out.Pending, extra...)
	return out
}
