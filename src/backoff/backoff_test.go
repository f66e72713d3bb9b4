package backoff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidArguments(t *testing.T) {
	cases := []struct {
		name                 string
		initial, max, jitter int64
	}{
		{"zero initial", 0, 1000, 0},
		{"negative initial", -1, 1000, 0},
		{"zero max", 100, 0, 0},
		{"negative jitter", 100, 1000, -1},
		{"max less than initial", 1000, 100, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.initial, tc.max, tc.jitter)
			require.Error(t, err)
		})
	}
}

func TestNext_NoJitter_DoublesAndCaps(t *testing.T) {
	b, err := New(100, 1000, 0)
	require.NoError(t, err)

	assert.Equal(t, int64(100), b.Next())
	assert.Equal(t, int64(200), b.Next())
	assert.Equal(t, int64(400), b.Next())
	assert.Equal(t, int64(800), b.Next())
	assert.Equal(t, int64(1000), b.Next()) // capped at max
	assert.Equal(t, int64(1000), b.Next())
}

func TestNext_WithJitter_StaysInRange(t *testing.T) {
	b, err := New(100, 100000, 50)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		before := b.current
		got := b.Next()
		assert.GreaterOrEqual(t, got, before)
		assert.Less(t, got, before+50)
	}
}

func TestReset_RestoresInitial(t *testing.T) {
	b, err := New(100, 10000, 0)
	require.NoError(t, err)

	b.Next()
	b.Next()
	b.Next()
	assert.NotEqual(t, int64(100), b.current)

	b.Reset()
	assert.Equal(t, int64(100), b.current)
	assert.Equal(t, int64(100), b.Next())
}

func TestNext_AfterKCallsWithoutReset(t *testing.T) {
	initial, max := int64(50), int64(5000)
	b, err := New(initial, max, 0)
	require.NoError(t, err)

	current := initial
	for k := 0; k < 10; k++ {
		assert.Equal(t, current, b.current)
		b.Next()
		current *= 2
		if current > max {
			current = max
		}
	}
}
