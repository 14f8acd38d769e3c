package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingCalls_CompleteRoundTrip(t *testing.T) {
	p := NewPendingCalls()
	defer p.Stop()

	call := p.Create("s1", CallToolInvoke, 0)
	assert.Equal(t, "r1", call.RequestID)
	assert.Equal(t, "s1", call.SessionID)
	assert.Equal(t, 1, p.Len())

	payload := json.RawMessage(`{"message":"Hello, World"}`)
	ok := p.Complete("s1", call.RequestID, Outcome{Result: payload})
	require.True(t, ok)
	assert.Equal(t, 0, p.Len())

	out := call.Await(context.Background())
	require.Nil(t, out.Err)
	assert.JSONEq(t, string(payload), string(out.Result))
}

func TestPendingCalls_IDsArePerSession(t *testing.T) {
	p := NewPendingCalls()
	defer p.Stop()

	c1 := p.Create("s1", CallToolInvoke, 0)
	c2 := p.Create("s2", CallToolInvoke, 0)

	// Both sessions start their own id space.
	assert.Equal(t, "r1", c1.RequestID)
	assert.Equal(t, "r1", c2.RequestID)

	// A response from the wrong session must not complete the call.
	assert.False(t, p.Complete("s2", c1.RequestID, Outcome{}))
	assert.Equal(t, 2, p.Len())

	assert.True(t, p.Complete("s1", c1.RequestID, Outcome{}))
	assert.True(t, p.Complete("s2", c2.RequestID, Outcome{}))
}

func TestPendingCalls_UnknownResponseIgnored(t *testing.T) {
	p := NewPendingCalls()
	defer p.Stop()

	assert.False(t, p.Complete("s1", "r99", Outcome{}))
}

func TestPendingCalls_TimeoutClamp(t *testing.T) {
	p := NewPendingCalls()
	defer p.Stop()

	now := time.Now()

	def := p.Create("s1", CallToolInvoke, 0)
	assert.WithinDuration(t, now.Add(DefaultCallTimeout), def.Deadline, 2*time.Second)

	short := p.Create("s1", CallToolInvoke, time.Millisecond)
	assert.WithinDuration(t, now.Add(MinCallTimeout), short.Deadline, 2*time.Second)

	long := p.Create("s1", CallToolInvoke, time.Hour)
	assert.WithinDuration(t, now.Add(MaxCallTimeout), long.Deadline, 2*time.Second)
}

func TestPendingCalls_SweeperExpiresOverdue(t *testing.T) {
	p := NewPendingCalls()
	defer p.Stop()

	call := p.Create("s1", CallToolInvoke, MinCallTimeout)
	// Force the deadline into the past instead of sleeping through it.
	p.mu.Lock()
	call.Deadline = time.Now().Add(-time.Second)
	p.mu.Unlock()

	out := call.Await(context.Background())
	require.NotNil(t, out.Err)
	assert.Equal(t, ErrTimeout, out.Err.Code)

	// A late response for the expired id is ignored.
	assert.False(t, p.Complete("s1", call.RequestID, Outcome{}))
}

func TestPendingCalls_FailSession(t *testing.T) {
	p := NewPendingCalls()
	defer p.Stop()

	c1 := p.Create("s1", CallToolInvoke, 0)
	c2 := p.Create("s1", CallResourceRead, 0)
	other := p.Create("s2", CallToolInvoke, 0)

	p.FailSession("s1")

	for _, call := range []*PendingCall{c1, c2} {
		out := call.Await(context.Background())
		require.NotNil(t, out.Err)
		assert.Equal(t, ErrSessionGone, out.Err.Code)
	}
	assert.Equal(t, 1, p.Len())
	assert.True(t, p.Complete("s2", other.RequestID, Outcome{}))
}

func TestPendingCall_AwaitContextCancel(t *testing.T) {
	p := NewPendingCalls()
	defer p.Stop()

	call := p.Create("s1", CallToolInvoke, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := call.Await(ctx)
	require.NotNil(t, out.Err)
	assert.Equal(t, ErrTimeout, out.Err.Code)
}
