package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC)

	c, err := Decode(Encode(ts, "wd_abc.123"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, ts.Equal(c.CreatedAt))
	assert.Equal(t, "wd_abc.123", c.ID)
}

func TestDecode(t *testing.T) {
	c, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, c)

	for _, bad := range []string{
		"not base64!!",
		base64.RawURLEncoding.EncodeToString([]byte("nodot")),
		base64.RawURLEncoding.EncodeToString([]byte("zz!.wd_1")),
		base64.RawURLEncoding.EncodeToString([]byte("abc.")),
	} {
		_, err := Decode(bad)
		assert.ErrorIs(t, err, errInvalidCursor, bad)
	}
}

func TestCursor_After(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "wd_m"}

	assert.True(t, c.After(ts.Add(-time.Second), "wd_z"))
	assert.False(t, c.After(ts.Add(time.Second), "wd_a"))
	assert.True(t, c.After(ts, "wd_a"))
	assert.False(t, c.After(ts, "wd_m"))
	assert.False(t, c.After(ts, "wd_z"))

	var none *Cursor
	assert.True(t, none.After(ts, "anything"))
}

func TestLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, Limit(""))
	assert.Equal(t, DefaultLimit, Limit("abc"))
	assert.Equal(t, DefaultLimit, Limit("-3"))
	assert.Equal(t, 10, Limit("10"))
	assert.Equal(t, MaxLimit, Limit("100000"))
}

func TestComputePage(t *testing.T) {
	key := func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	}

	items, next, more := ComputePage([]string{"a", "b", "c"}, 3, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	items, next, more = ComputePage([]string{"a", "b", "c", "d"}, 3, key)
	assert.Equal(t, []string{"a", "b", "c"}, items)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)

	items, _, more = ComputePage([]string{"a"}, 0, key)
	assert.Len(t, items, 1)
	assert.False(t, more)
}
