package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/logger"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) handler(ctx context.Context, subject string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, string(data))
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	rec := &recorder{}
	_, err := b.Subscribe("sessions.s1.events", rec.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "sessions.s1.events", []byte("hello")))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"hello"}, rec.snapshot())
}

func TestWildcardSubscriptions(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	star := &recorder{}
	_, err := b.Subscribe("sessions.*.events", star.handler)
	require.NoError(t, err)
	tail := &recorder{}
	_, err = b.Subscribe("sessions.>", tail.handler)
	require.NoError(t, err)
	other := &recorder{}
	_, err = b.Subscribe("sessions.s2.events", other.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "sessions.s1.events", []byte("a")))
	require.NoError(t, b.Publish(context.Background(), "sessions.s1.control", []byte("b")))

	require.Eventually(t, func() bool {
		return len(star.snapshot()) == 1 && len(tail.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, other.snapshot())
}

func TestPerSubscriptionOrdering(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	rec := &recorder{}
	_, err := b.Subscribe("ordered", rec.handler)
	require.NoError(t, err)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), "ordered", []byte(fmt.Sprintf("%03d", i))))
	}

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == n
	}, 2*time.Second, 10*time.Millisecond)
	got := rec.snapshot()
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("%03d", i), got[i])
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	rec := &recorder{}
	sub, err := b.Subscribe("subject", rec.handler)
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "subject", []byte("late")))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	b.Close()

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "x", nil))
	_, err := b.Subscribe("x", func(context.Context, string, []byte) error { return nil })
	assert.Error(t, err)
}

func TestSubjectMatching(t *testing.T) {
	cases := []struct {
		subject string
		pattern string
		want    bool
	}{
		{"sessions.s1.events", "sessions.s1.events", true},
		{"sessions.s1.events", "sessions.*.events", true},
		{"sessions.s1.events", "sessions.>", true},
		{"sessions.s1.events", ">", true},
		{"sessions.s1.events", "sessions.*.control", false},
		{"sessions.s1", "sessions.*.events", false},
		{"sessions.s1.events.extra", "sessions.*.events", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, subjectMatches(tc.subject, tc.pattern),
			"subject %q pattern %q", tc.subject, tc.pattern)
	}
}
