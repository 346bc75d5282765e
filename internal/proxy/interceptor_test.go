package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gzhole/counteragent/internal/session"
)

func TestQueue_FirstResolutionWins(t *testing.T) {
	q := NewQueue(1)
	msg := session.NewMessage(7, session.ClientToServer, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`), time.Now())

	got := make(chan Decision, 1)
	go func() {
		d, err := q.Decide(context.Background(), Pending{msg})
		assert.NoError(t, err)
		got <- d
	}()

	held := <-q.Pending()
	assert.Equal(t, int64(7), held.Sequence)
	assert.Equal(t, "ping", held.Method)

	assert.True(t, held.Edit([]byte(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)))
	assert.False(t, held.Drop())
	assert.False(t, held.Forward())

	select {
	case d := <-got:
		assert.Equal(t, Edit, d.Action)
		assert.Equal(t, `{"jsonrpc":"2.0","id":2,"method":"ping"}`, string(d.Raw))
	case <-time.After(time.Second):
		t.Fatal("Decide did not return")
	}
}

func TestQueue_DecideHonoursCancellation(t *testing.T) {
	q := NewQueue(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Decide(ctx, Pending{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "forward", Forward.String())
	assert.Equal(t, "edit", Edit.String())
	assert.Equal(t, "drop", Drop.String())
}
