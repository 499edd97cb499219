package sequencer

import (
	"context"
	"testing"
	"time"

	"github.com/drpcorg/sharedtree/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_Relay(t *testing.T) {
	ctx := context.Background()
	svc := New(Options{})
	local, err := svc.Connect("local", nil, 1)
	require.Nil(t, err)
	require.Nil(t, local.Drain(ctx, protocol.Records{edit("before")}))

	var got collector
	up := NewUplink(2, &got, 16)
	session := svc.Session("remote")
	require.Nil(t, up.Outbound().Drain(ctx, protocol.Records{edit("mine")}))

	// uplink to session: hello first, then the queued edit
	for i := 0; i < 2; i++ {
		require.Nil(t, protocol.Relay(ctx, up, session))
	}
	assert.Equal(t, uint64(2), svc.Position())

	// session to uplink: the edit comes back sequenced
	require.Nil(t, protocol.Relay(ctx, session, up))
	assert.Equal(t, []uint64{2}, positions(t, got.recs))

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = session.Feed(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Nil(t, local.Drain(ctx, protocol.Records{edit("after")}))
	require.Nil(t, protocol.Relay(ctx, session, up))
	assert.Equal(t, []uint64{2, 3}, positions(t, got.recs))

	assert.Nil(t, session.Close())
	_, err = session.Feed(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, up.Close())
	_, err = up.Feed(ctx)
	assert.ErrorIs(t, err, protocol.ErrClosed)
}

func TestSession_NoHello(t *testing.T) {
	ctx := context.Background()
	svc := New(Options{})
	session := svc.Session("rude")
	assert.ErrorIs(t, session.Drain(ctx, protocol.Records{edit("x")}), ErrNoHello)
	assert.Zero(t, svc.Position())

	waiting := svc.Session("idle")
	done := make(chan error)
	go func() {
		_, err := waiting.Feed(ctx)
		done <- err
	}()
	assert.Nil(t, waiting.Close())
	assert.ErrorIs(t, <-done, ErrClosed)
}
