// ABOUTME: Tests for the fan-in merger: ordering, late consumers, source isolation, overflow policies.
// ABOUTME: Sources are plain channels so every relay step is driven by the test.

package fanin

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-endpoint/internal/wire"
)

func makeEnvelope(agentID string, id uint64) *wire.Envelope {
	return &wire.Envelope{
		ID:     id,
		Type:   "test",
		Source: wire.Address{ID: agentID},
	}
}

func receive(t *testing.T, c *Consumer) *wire.Envelope {
	t.Helper()
	select {
	case env, ok := <-c.Messages():
		require.True(t, ok, "consumer closed unexpectedly")
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

// waitRelayed blocks until every merged source has ended.
func waitRelayed(t *testing.T, m *Merger) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Sources() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMerger_SingleSourceSingleConsumer(t *testing.T) {
	m := New()
	defer m.Close()

	c := m.NewConsumer()
	src := make(chan *wire.Envelope)
	require.True(t, m.Merge("a1", src))

	for i := range uint64(5) {
		src <- makeEnvelope("a1", i)
	}

	for i := range uint64(5) {
		assert.Equal(t, i, receive(t, c).ID)
	}
}

func TestMerger_AllConsumersSeeSameSequence(t *testing.T) {
	m := New()
	defer m.Close()

	consumers := []*Consumer{m.NewConsumer(), m.NewConsumer(), m.NewConsumer()}
	src := make(chan *wire.Envelope, 10)
	m.Merge("a1", src)

	for i := range uint64(10) {
		src <- makeEnvelope("a1", i)
	}

	for n, c := range consumers {
		for i := range uint64(10) {
			env := receive(t, c)
			assert.Equal(t, i, env.ID, "consumer %d out of order", n)
		}
	}
}

func TestMerger_PerSourceOrderingAcrossSources(t *testing.T) {
	m := New(WithBufferSize(1000))
	defer m.Close()

	c1 := m.NewConsumer()
	c2 := m.NewConsumer()

	agents := []string{"a1", "a2", "a3"}
	var wg sync.WaitGroup
	for _, agentID := range agents {
		src := make(chan *wire.Envelope)
		m.Merge(agentID, src)
		wg.Go(func() {
			defer close(src)
			for i := range uint64(100) {
				src <- makeEnvelope(agentID, i)
			}
		})
	}
	wg.Wait()
	waitRelayed(t, m)

	for _, c := range []*Consumer{c1, c2} {
		next := map[string]uint64{}
		for range 300 {
			env := receive(t, c)
			assert.Equal(t, next[env.Source.ID], env.ID, "reordered within source %s", env.Source.ID)
			next[env.Source.ID] = env.ID + 1
		}
		for _, agentID := range agents {
			assert.Equal(t, uint64(100), next[agentID])
		}
	}
}

func TestMerger_LateConsumerSeesSubsequentTraffic(t *testing.T) {
	m := New()
	defer m.Close()

	early := m.NewConsumer()
	src1 := make(chan *wire.Envelope)
	src2 := make(chan *wire.Envelope)
	m.Merge("a1", src1)
	m.Merge("a2", src2)

	src1 <- makeEnvelope("a1", 1)
	assert.Equal(t, uint64(1), receive(t, early).ID)

	late := m.NewConsumer()

	src1 <- makeEnvelope("a1", 2)
	src2 <- makeEnvelope("a2", 3)

	seen := map[uint64]bool{}
	for range 2 {
		seen[receive(t, late).ID] = true
	}
	assert.True(t, seen[2])
	assert.True(t, seen[3])
	assert.False(t, seen[1], "late consumer must not replay past traffic")
}

func TestMerger_SourceAddedAfterConsumers(t *testing.T) {
	m := New()
	defer m.Close()

	c := m.NewConsumer()

	src := make(chan *wire.Envelope)
	m.Merge("late-agent", src)
	src <- makeEnvelope("late-agent", 42)

	assert.Equal(t, uint64(42), receive(t, c).ID)
}

func TestMerger_EndedSourceDoesNotAffectOthers(t *testing.T) {
	m := New()
	defer m.Close()

	c := m.NewConsumer()
	src1 := make(chan *wire.Envelope)
	src2 := make(chan *wire.Envelope)
	m.Merge("a1", src1)
	m.Merge("a2", src2)

	close(src1)
	require.Eventually(t, func() bool { return m.Sources() == 1 }, time.Second, 5*time.Millisecond)

	src2 <- makeEnvelope("a2", 7)
	env := receive(t, c)
	assert.Equal(t, "a2", env.Source.ID)
	assert.Equal(t, 1, m.Consumers())
}

func TestMerger_DropOldestKeepsNewest(t *testing.T) {
	m := New(WithBufferSize(2), WithOverflowPolicy(DropOldest))
	defer m.Close()

	slow := m.NewConsumer()
	src := make(chan *wire.Envelope)
	m.Merge("a1", src)

	for i := uint64(1); i <= 5; i++ {
		src <- makeEnvelope("a1", i)
	}
	close(src)
	waitRelayed(t, m)

	assert.Equal(t, uint64(4), receive(t, slow).ID)
	assert.Equal(t, uint64(5), receive(t, slow).ID)
	assert.Equal(t, uint64(3), slow.Dropped())
	assert.NoError(t, slow.Err())
	assert.Equal(t, 1, m.Consumers(), "drop_oldest keeps the consumer attached")
}

func TestMerger_CloseConsumerOnOverflow(t *testing.T) {
	m := New(WithBufferSize(2), WithOverflowPolicy(CloseConsumer))
	defer m.Close()

	slow := m.NewConsumer()
	src := make(chan *wire.Envelope)
	m.Merge("a1", src)

	for i := uint64(1); i <= 3; i++ {
		src <- makeEnvelope("a1", i)
	}
	close(src)
	waitRelayed(t, m)

	// Buffered envelopes are still readable, then the overflow surfaces
	ctx := t.Context()
	env, err := slow.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), env.ID)
	env, err = slow.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), env.ID)

	_, err = slow.Next(ctx)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.ErrorIs(t, slow.Err(), ErrOverflow)
	assert.Equal(t, 0, m.Consumers())
}

func TestMerger_SlowConsumerDoesNotStallOthers(t *testing.T) {
	for _, policy := range []OverflowPolicy{DropOldest, CloseConsumer} {
		t.Run(policy.String(), func(t *testing.T) {
			m := New(WithBufferSize(4), WithOverflowPolicy(policy))
			defer m.Close()

			_ = m.NewConsumer() // never read
			fast := m.NewConsumer()

			src := make(chan *wire.Envelope)
			m.Merge("a1", src)

			for i := range uint64(50) {
				src <- makeEnvelope("a1", i)
				assert.Equal(t, i, receive(t, fast).ID)
			}
		})
	}
}

func TestMerger_CloseEndsConsumers(t *testing.T) {
	m := New()

	c := m.NewConsumer()
	src := make(chan *wire.Envelope)
	m.Merge("a1", src)

	m.Close()

	_, err := c.Next(t.Context())
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, c.Err())

	// Closing twice is harmless
	m.Close()
}

func TestMerger_AfterClose(t *testing.T) {
	m := New()
	m.Close()

	c := m.NewConsumer()
	_, ok := <-c.Messages()
	assert.False(t, ok, "consumer created after close must be ended")

	assert.False(t, m.Merge("a1", make(chan *wire.Envelope)))
}

func TestConsumer_CloseDetaches(t *testing.T) {
	m := New()
	defer m.Close()

	c := m.NewConsumer()
	other := m.NewConsumer()
	require.Equal(t, 2, m.Consumers())

	c.Close()
	assert.Equal(t, 1, m.Consumers())

	src := make(chan *wire.Envelope)
	m.Merge("a1", src)
	src <- makeEnvelope("a1", 1)

	assert.Equal(t, uint64(1), receive(t, other).ID)
	_, err := c.Next(t.Context())
	assert.ErrorIs(t, err, io.EOF)
}

func TestConsumer_NextHonorsContext(t *testing.T) {
	m := New()
	defer m.Close()

	c := m.NewConsumer()
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

type countingObserver struct {
	mu                                       sync.Mutex
	inbound, drops, overflows, opened, closed int
}

func (o *countingObserver) Inbound()        { o.mu.Lock(); o.inbound++; o.mu.Unlock() }
func (o *countingObserver) FanInDrop()      { o.mu.Lock(); o.drops++; o.mu.Unlock() }
func (o *countingObserver) FanInOverflow()  { o.mu.Lock(); o.overflows++; o.mu.Unlock() }
func (o *countingObserver) ConsumerOpened() { o.mu.Lock(); o.opened++; o.mu.Unlock() }
func (o *countingObserver) ConsumerClosed() { o.mu.Lock(); o.closed++; o.mu.Unlock() }

func TestMerger_ReportsToObserver(t *testing.T) {
	obs := &countingObserver{}
	m := New(WithBufferSize(1), WithObserver(obs))

	_ = m.NewConsumer()
	src := make(chan *wire.Envelope)
	m.Merge("a1", src)
	for i := range uint64(3) {
		src <- makeEnvelope("a1", i)
	}
	close(src)
	waitRelayed(t, m)
	m.Close()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 3, obs.inbound)
	assert.Equal(t, 2, obs.drops)
	assert.Equal(t, 1, obs.opened)
	assert.Equal(t, 1, obs.closed)
}

func TestParseOverflowPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    OverflowPolicy
		wantErr bool
	}{
		{"", DropOldest, false},
		{"drop_oldest", DropOldest, false},
		{"close", CloseConsumer, false},
		{"block", DropOldest, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOverflowPolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
