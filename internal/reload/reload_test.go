package reload

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scripthost/internal/codec"
)

func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	d := New()
	d.Set("counter", "7")
	d.Set("", "empty key")
	d.Set("colon:key", "1:2:3")
	d.SetStrings("history", []string{"look", "", "north"})
	d.Pending = []PendingCallback{
		{TypeKey: "echo", RemainingDelay: 4 * time.Second, Payload: "hello"},
		{TypeKey: "script:tick", RemainingDelay: 0, Payload: ""},
	}

	got, err := Unmarshal(Marshal(d))
	require.NoError(t, err)
	assert.Equal(t, d.Fields, got.Fields)
	assert.Equal(t, d.Pending, got.Pending)

	hist, ok := got.GetStrings("history")
	require.True(t, ok)
	assert.Equal(t, []string{"look", "", "north"}, hist)
}

func TestMarshalDeterministic(t *testing.T) {
	t.Parallel()

	a := New()
	a.Set("b", "2")
	a.Set("a", "1")
	b := New()
	b.Set("a", "1")
	b.Set("b", "2")
	assert.Equal(t, Marshal(a), Marshal(b))
}

func TestMarshalNil(t *testing.T) {
	t.Parallel()

	got, err := Unmarshal(Marshal(nil))
	require.NoError(t, err)
	assert.Empty(t, got.Fields)
	assert.Empty(t, got.Pending)
}

func TestUnmarshalIgnoresTrailing(t *testing.T) {
	t.Parallel()

	d := New()
	d.Set("k", "v")
	s := Marshal(d) + codec.Encode([]string{"future", "extension"})

	got, err := Unmarshal(s)
	require.NoError(t, err)
	v, ok := got.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestUnmarshalErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
	}{
		{"bad framing", "x"},
		{"wrong version", codec.Encode([]string{"9", "0", "0"})},
		{"bad count", codec.Encode([]string{"1", "many"})},
		{"truncated fields", codec.Encode([]string{"1", "2", "k", "v"})},
		{"truncated pending", codec.Encode([]string{"1", "0", "1", "echo"})},
		{"bad delay", codec.Encode([]string{"1", "0", "1", "echo", "soon", "p"})},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Unmarshal(tc.in)
			assert.Error(t, err)
		})
	}
}

func TestGettersTolerateMissing(t *testing.T) {
	t.Parallel()

	var nilData *Data
	_, ok := nilData.Get("x")
	assert.False(t, ok)
	assert.Equal(t, "def", nilData.GetOr("x", "def"))
	assert.Equal(t, int64(3), nilData.GetInt64("x", 3))

	d := New()
	d.Set("n", "not a number")
	assert.Equal(t, int64(5), d.GetInt64("n", 5))
	d.SetInt64("n", 42)
	assert.Equal(t, int64(42), d.GetInt64("n", 5))
}

func TestWithPendingDoesNotAlias(t *testing.T) {
	t.Parallel()

	d := New()
	d.Set("a", "1")
	out := d.WithPending([]PendingCallback{{TypeKey: "x"}})
	out.Set("a", "2")

	assert.Empty(t, d.Pending)
	assert.Equal(t, "1", d.GetOr("a", ""))
	assert.Len(t, out.Pending, 1)
}

type counterState struct {
	version int
	count   int64
	fail    bool
}

func (c *counterState) SchemaVersion() int { return c.version }

func (c *counterState) ToReloadData(d *Data) { d.SetInt64("counter.count", c.count) }

func (c *counterState) FromReloadData(d *Data) error {
	if c.fail {
		return errors.New("boom")
	}
	c.count = d.GetInt64("counter.count", 0)
	return nil
}

func TestStateSaveLoad(t *testing.T) {
	t.Parallel()

	d := New()
	SaveState(d, "counter", &counterState{version: 2, count: 11})

	next := &counterState{version: 2}
	ok, err := LoadState(d, "counter", next)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(11), next.count)

	other := &counterState{version: 3}
	ok, err = LoadState(d, "counter", other)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, other.count)

	ok, err = LoadState(New(), "counter", &counterState{version: 2})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = LoadState(d, "counter", &counterState{version: 2, fail: true})
	assert.Error(t, err)
}
