package preforkd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncodeDecodeRoundTrip covers spec.md §8 invariant 4: decode(encode(m))
// == m for every mapping the system ever sends.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		{},
		{State: StateRun},
		{State: StateStop, Connections: map[string]string{"1": "127.0.0.1:1234"}},
		// A worker reporting "zero in-flight connections" sends a non-nil,
		// empty map (copyConnMap on an empty inFlight) — this must
		// round-trip as an empty map, not as nil.
		{State: StateRun, Connections: map[string]string{}},
		{Options: map[string]any{"max_threads": float64(4), "watchdog_signal": "TERM"}},
		{Detach: true},
	}

	for _, want := range cases {
		var buf bytes.Buffer
		require.NoError(t, EncodeMessage(&buf, want))

		got, ok := newFrameReader(&buf).ReadMessage()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestReadMessageMalformedLength(t *testing.T) {
	r := strings.NewReader("not-a-number\n{}")
	_, ok := newFrameReader(r).ReadMessage()
	assert.False(t, ok)
}

func TestReadMessageShortRead(t *testing.T) {
	r := strings.NewReader("100\ntoo short")
	_, ok := newFrameReader(r).ReadMessage()
	assert.False(t, ok)
}

func TestReadMessageEmptyStream(t *testing.T) {
	r := strings.NewReader("")
	_, ok := newFrameReader(r).ReadMessage()
	assert.False(t, ok)
}

func TestIsHeartbeat(t *testing.T) {
	assert.True(t, Message{}.IsHeartbeat())
	assert.False(t, Message{State: StateRun}.IsHeartbeat())
	assert.False(t, Message{Detach: true}.IsHeartbeat())
	assert.False(t, Message{Connections: map[string]string{"1": "x"}}.IsHeartbeat())
}
