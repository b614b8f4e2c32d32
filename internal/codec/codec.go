// Package codec frames an ordered list of strings into a single string and back.
//
// Each value is written as its byte length in decimal, a ':' separator and the
// raw bytes (netstring framing without the trailing comma). Nothing inside a
// value is ever interpreted, so values may contain digits, ':' or the output
// of an earlier Encode.
package codec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const separator = ':'

// ErrMalformedEncoding is returned by Decode when the input is not a valid framing.
var ErrMalformedEncoding = errors.New("malformed encoding")

// Encode frames values into one string.
func Encode(values []string) string {
	n := 0
	for _, v := range values {
		n += len(v) + 21
	}
	var b strings.Builder
	b.Grow(n)
	for _, v := range values {
		b.WriteString(strconv.Itoa(len(v)))
		b.WriteByte(separator)
		b.WriteString(v)
	}
	return b.String()
}

// Join formats each value with fmt.Sprint and frames the results.
func Join(values ...any) string {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = fmt.Sprint(v)
	}
	return Encode(strs)
}

// Decode splits a framed string back into its values.
//
// An empty input decodes to an empty (non-nil) slice.
func Decode(s string) ([]string, error) {
	out := make([]string, 0, 4)
	pos := 0
	for pos < len(s) {
		start := pos
		for pos < len(s) && s[pos] >= '0' && s[pos] <= '9' {
			pos++
		}
		if pos == start {
			return nil, fmt.Errorf("%w: missing length prefix at offset %d", ErrMalformedEncoding, start)
		}
		if pos >= len(s) || s[pos] != separator {
			return nil, fmt.Errorf("%w: expected %q after length at offset %d", ErrMalformedEncoding, separator, pos)
		}
		n, err := strconv.Atoi(s[start:pos])
		if err != nil {
			return nil, fmt.Errorf("%w: length at offset %d: %v", ErrMalformedEncoding, start, err)
		}
		pos++
		if n > len(s)-pos {
			return nil, fmt.Errorf("%w: length %d exceeds remaining %d bytes at offset %d", ErrMalformedEncoding, n, len(s)-pos, start)
		}
		out = append(out, s[pos:pos+n])
		pos += n
	}
	return out, nil
}
