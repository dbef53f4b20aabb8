package bus

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func recvN(t *testing.T, s *Subscription, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []string
	for i := 0; i < n; i++ {
		r, err := s.Recv(ctx)
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func records(from, to int) []string {
	var rs []string
	for i := from; i < to; i++ {
		rs = append(rs, strconv.Itoa(i))
	}
	return rs
}

func TestPublishFanOut(t *testing.T) {
	cases := []struct {
		name        string
		subscribers int
		records     int
	}{
		{name: "one subscriber", subscribers: 1, records: 10},
		{name: "many subscribers", subscribers: 8, records: 16},
		{name: "no records", subscribers: 3, records: 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := New(DefaultCapacity)
			var subs []*Subscription
			for i := 0; i < c.subscribers; i++ {
				subs = append(subs, b.Subscribe())
			}
			for _, r := range records(0, c.records) {
				assert.Equal(t, c.subscribers, b.Publish(r))
			}
			for _, s := range subs {
				assert.Equal(t, records(0, c.records), recvN(t, s, c.records))
			}
		})
	}
}

func TestConcurrentSubscribersKeepingUp(t *testing.T) {
	const n = 500
	b := New(n)
	subs := make([]*Subscription, 5)
	for i := range subs {
		subs[i] = b.Subscribe()
	}

	got := make([][]string, len(subs))
	group, ctx := errgroup.WithContext(context.Background())
	for i, s := range subs {
		i, s := i, s
		group.Go(func() error {
			for len(got[i]) < n {
				r, err := s.Recv(ctx)
				if err != nil {
					return err
				}
				got[i] = append(got[i], r)
			}
			return nil
		})
	}
	for _, r := range records(0, n) {
		b.Publish(r)
	}
	require.NoError(t, group.Wait())

	for _, g := range got {
		assert.Equal(t, records(0, n), g)
	}
}

func TestLaggedSubscriberDropsOldest(t *testing.T) {
	b := New(4)
	slow := b.Subscribe()
	fast := b.Subscribe()

	for _, r := range records(0, 10) {
		b.Publish(r)
		// the fast subscriber drains every record as it arrives
		assert.Equal(t, []string{r}, recvN(t, fast, 1))
	}

	ctx := context.Background()
	_, err := slow.Recv(ctx)
	var lagged *LaggedError
	require.ErrorAs(t, err, &lagged)
	assert.Equal(t, uint64(6), lagged.Missed)

	assert.Equal(t, records(6, 10), recvN(t, slow, 4))
	assert.Equal(t, 0, fast.Len())
}

func TestLagReportedOncePerGap(t *testing.T) {
	b := New(2)
	s := b.Subscribe()
	ctx := context.Background()

	for _, r := range records(0, 3) {
		b.Publish(r)
	}
	_, err := s.Recv(ctx)
	var lagged *LaggedError
	require.ErrorAs(t, err, &lagged)
	assert.Equal(t, uint64(1), lagged.Missed)
	assert.Equal(t, records(1, 3), recvN(t, s, 2))

	for _, r := range records(3, 8) {
		b.Publish(r)
	}
	_, err = s.Recv(ctx)
	require.ErrorAs(t, err, &lagged)
	assert.Equal(t, uint64(3), lagged.Missed)
	assert.Equal(t, records(6, 8), recvN(t, s, 2))
}

func TestLaggingUnderConcurrencyNeverReordersOrDuplicates(t *testing.T) {
	const n = 2000
	b := New(3)
	s := b.Subscribe()

	var got []int
	var missed uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()
		for uint64(len(got))+missed < n {
			r, err := s.Recv(ctx)
			var lagged *LaggedError
			if errors.As(err, &lagged) {
				missed += lagged.Missed
				continue
			}
			if err != nil {
				return
			}
			v, _ := strconv.Atoi(r)
			got = append(got, v)
			if len(got)%7 == 0 {
				time.Sleep(50 * time.Microsecond)
			}
		}
	}()

	for _, r := range records(0, n) {
		b.Publish(r)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out draining subscription")
	}

	assert.Equal(t, uint64(n), uint64(len(got))+missed)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i], "records out of order or duplicated at %d", i)
	}
}

func TestSubscribeHasNoReplay(t *testing.T) {
	b := New(DefaultCapacity)
	early := b.Subscribe()
	for _, r := range records(0, 5) {
		b.Publish(r)
	}

	late := b.Subscribe()
	for _, r := range records(5, 8) {
		b.Publish(r)
	}

	assert.Equal(t, records(0, 8), recvN(t, early, 8))
	assert.Equal(t, records(5, 8), recvN(t, late, 3))
	assert.Equal(t, 0, late.Len())
}

func TestRecvContextCancel(t *testing.T) {
	b := New(DefaultCapacity)
	s := b.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClose(t *testing.T) {
	b := New(DefaultCapacity)
	s := b.Subscribe()
	b.Publish("a")
	b.Publish("b")
	b.Close()
	b.Close()

	assert.True(t, b.Closed())
	assert.Equal(t, 0, b.Publish("c"))
	// open subscriptions are still counted
	assert.Equal(t, 1, b.Len())

	// buffered records drain before the close is reported
	assert.Equal(t, []string{"a", "b"}, recvN(t, s, 2))
	_, err := s.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	late := b.Subscribe()
	assert.Equal(t, 2, b.Len())
	_, err = late.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	s.Close()
	late.Close()
	assert.Equal(t, 0, b.Len())
}

func TestCloseWakesBlockedRecv(t *testing.T) {
	b := New(DefaultCapacity)
	s := b.Subscribe()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Recv(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after Close")
	}
}

func TestSubscriptionClose(t *testing.T) {
	b := New(DefaultCapacity)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	require.Equal(t, 2, b.Len())

	b.Publish("a")
	s1.Close()
	s1.Close()
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 1, b.Publish("b"))

	_, err := s1.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, []string{"a", "b"}, recvN(t, s2, 2))
}
