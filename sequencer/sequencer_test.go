package sequencer

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/drpcorg/sharedtree/protocol"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	lock sync.Mutex
	recs protocol.Records
}

func (c *collector) Drain(ctx context.Context, recs protocol.Records) error {
	c.lock.Lock()
	c.recs = append(c.recs, recs...)
	c.lock.Unlock()
	return nil
}

func positions(t *testing.T, recs protocol.Records) []uint64 {
	var out []uint64
	for _, rec := range recs {
		body, _, err := protocol.TakeWary('Q', rec)
		assert.Nil(t, err)
		zip, rest, err := protocol.TakeWary('N', body)
		assert.Nil(t, err)
		pos, ok := protocol.UnzipUint64(zip)
		assert.True(t, ok)
		assert.Equal(t, byte('E'), protocol.Lit(rest))
		out = append(out, pos)
	}
	return out
}

func edit(body string) []byte {
	return protocol.Record('E', protocol.Record('K', []byte(body)))
}

func TestService_Order(t *testing.T) {
	ctx := context.Background()
	svc := New(Options{})
	var a, b collector
	ca, err := svc.Connect("a", &a, 1)
	assert.Nil(t, err)
	cb, err := svc.Connect("b", &b, 1)
	assert.Nil(t, err)

	assert.Nil(t, ca.Drain(ctx, protocol.Records{edit("a1"), edit("a2")}))
	assert.Nil(t, cb.Drain(ctx, protocol.Records{edit("b1")}))
	assert.Equal(t, uint64(3), svc.Position())
	assert.Empty(t, a.recs)

	assert.Nil(t, svc.ProcessAllMessages(ctx))
	assert.Equal(t, []uint64{1, 2, 3}, positions(t, a.recs))
	assert.Equal(t, a.recs, b.recs)

	_, err = svc.Connect("a", &a, 1)
	assert.ErrorIs(t, err, ErrNameTaken)
	assert.ErrorIs(t, ca.Drain(ctx, protocol.Records{[]byte("junk")}), ErrNotSubmission)
}

func TestService_LateJoiner(t *testing.T) {
	ctx := context.Background()
	svc := New(Options{})
	var a, late collector
	ca, _ := svc.Connect("a", &a, 1)
	for i := 0; i < 5; i++ {
		assert.Nil(t, ca.Drain(ctx, protocol.Records{edit(fmt.Sprint(i))}))
	}
	_, err := svc.Connect("late", &late, 7)
	assert.ErrorIs(t, err, ErrFutureStart)

	_, err = svc.Connect("late", &late, 4)
	assert.Nil(t, err)
	assert.Nil(t, svc.ProcessAllMessages(ctx))
	assert.Equal(t, []uint64{4, 5}, positions(t, late.recs))
	assert.Len(t, svc.Since(2), 4)
	assert.Nil(t, svc.Since(6))
}

func TestService_ConcurrentSubmitters(t *testing.T) {
	ctx := context.Background()
	svc := New(Options{})
	var sink collector
	_, err := svc.Connect("observer", &sink, 1)
	assert.Nil(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		c, err := svc.Connect(fmt.Sprintf("w%d", w), nil, 1)
		assert.Nil(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = c.Drain(ctx, protocol.Records{edit(fmt.Sprintf("%s-%d", c.Name(), i))})
			}
		}()
	}
	wg.Wait()
	assert.Nil(t, svc.ProcessAllMessages(ctx))
	got := positions(t, sink.recs)
	assert.Len(t, got, 400)
	for i, pos := range got {
		assert.Equal(t, uint64(i+1), pos)
	}
}

func TestClient_FeedAndClose(t *testing.T) {
	ctx := context.Background()
	svc := New(Options{})
	c, _ := svc.Connect("pull", nil, 1)
	assert.Nil(t, c.Drain(ctx, protocol.Records{edit("x")}))

	recs, err := c.Feed(ctx)
	assert.Nil(t, err)
	assert.Len(t, recs, 1)
	recs, _ = c.Feed(ctx)
	assert.Empty(t, recs)

	var sink collector
	assert.Nil(t, protocol.Relay(ctx, c, &sink))

	assert.Nil(t, c.Close())
	_, err = c.Feed(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Drain(ctx, protocol.Records{edit("y")}), ErrClosed)
	_, err = svc.Connect("pull", nil, 1)
	assert.Nil(t, err)
}

func TestService_Restore(t *testing.T) {
	ctx := context.Background()
	old := New(Options{})
	var a collector
	ca, _ := old.Connect("a", &a, 1)
	for i := 0; i < 6; i++ {
		assert.Nil(t, ca.Drain(ctx, protocol.Records{edit(fmt.Sprint(i))}))
	}
	kept := old.Since(4)

	svc := New(Options{})
	assert.ErrorIs(t, svc.Restore(2, kept), ErrBadHistory)
	assert.Nil(t, svc.Restore(3, kept))
	assert.Equal(t, uint64(6), svc.Position())
	assert.ErrorIs(t, svc.Restore(3, nil), ErrNotEmpty)

	var b collector
	_, err := svc.Connect("b", &b, 3)
	assert.ErrorIs(t, err, ErrForgotten)
	cb, err := svc.Connect("b", &b, 5)
	assert.Nil(t, err)
	assert.Nil(t, cb.Drain(ctx, protocol.Records{edit("next")}))
	assert.Nil(t, svc.ProcessAllMessages(ctx))
	assert.Equal(t, []uint64{5, 6, 7}, positions(t, b.recs))
	assert.Len(t, svc.Since(1), 4)

	fresh := New(Options{})
	assert.Nil(t, fresh.Restore(10, nil))
	var c collector
	cc, err := fresh.Connect("c", &c, 11)
	assert.Nil(t, err)
	assert.Nil(t, cc.Drain(ctx, protocol.Records{edit("x")}))
	assert.Nil(t, fresh.ProcessAllMessages(ctx))
	assert.Equal(t, []uint64{11}, positions(t, c.recs))
}
