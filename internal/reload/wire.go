package reload

import (
	"fmt"
	"strconv"
	"time"

	"scripthost/internal/codec"
)

const wireVersion = "1"

// Marshal renders d as a single codec-framed string:
//
//	[version, nFields, key, value, ..., nPending, typeKey, remainingMs, payload, ...]
//
// Fields are written in sorted key order so equal data marshals identically.
func Marshal(d *Data) string {
	if d == nil {
		d = New()
	}
	keys := d.Keys()
	parts := make([]string, 0, 3+2*len(keys)+3*len(d.Pending))
	parts = append(parts, wireVersion, strconv.Itoa(len(keys)))
	for _, k := range keys {
		parts = append(parts, k, d.Fields[k])
	}
	parts = append(parts, strconv.Itoa(len(d.Pending)))
	for _, p := range d.Pending {
		parts = append(parts, p.TypeKey, strconv.FormatInt(p.RemainingDelay.Milliseconds(), 10), p.Payload)
	}
	return codec.Encode(parts)
}

// Unmarshal parses the output of Marshal. Trailing elements written by a newer
// version are ignored.
func Unmarshal(s string) (*Data, error) {
	parts, err := codec.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("reload data: %w", err)
	}
	r := reader{parts: parts}

	if v := r.next(); v != wireVersion {
		return nil, fmt.Errorf("reload data: unsupported version %q", v)
	}
	d := New()
	nf, err := r.count()
	if err != nil {
		return nil, err
	}
	for i := 0; i < nf; i++ {
		k, v := r.next(), r.next()
		d.Fields[k] = v
	}
	np, err := r.count()
	if err != nil {
		return nil, err
	}
	for i := 0; i < np; i++ {
		key := r.next()
		ms, err := strconv.ParseInt(r.next(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("reload data: pending[%d] delay: %w", i, err)
		}
		d.Pending = append(d.Pending, PendingCallback{TypeKey: key, RemainingDelay: time.Duration(ms) * time.Millisecond, Payload: r.next()})
	}
	if r.short {
		return nil, fmt.Errorf("reload data: %w: truncated", codec.ErrMalformedEncoding)
	}
	return d, nil
}

type reader struct {
	parts []string
	pos   int
	short bool
}

func (r *reader) next() string {
	if r.pos >= len(r.parts) {
		r.short = true
		return ""
	}
	s := r.parts[r.pos]
	r.pos++
	return s
}

func (r *reader) count() (int, error) {
	raw := r.next()
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("reload data: %w: bad count %q", codec.ErrMalformedEncoding, raw)
	}
	if n > len(r.parts) {
		return 0, fmt.Errorf("reload data: %w: count %d exceeds input", codec.ErrMalformedEncoding, n)
	}
	return n, nil
}
