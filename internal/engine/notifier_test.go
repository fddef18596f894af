package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/nshruti113/ddos-mitigator/internal/models"
)

func TestNotifier_DropsWhenFull(t *testing.T) {
	n := NewNotifier(2, zaptest.NewLogger(t), SinkFunc(func(context.Context, models.Event) error { return nil }))

	ev := models.NewEvent(models.EventGraylisted, attacker, "syn-flood", epoch)
	assert.True(t, n.Publish(ev))
	assert.True(t, n.Publish(ev))
	assert.False(t, n.Publish(ev), "publish never blocks")
	assert.Equal(t, uint64(1), n.Dropped())
}

func TestNotifier_NoSinks(t *testing.T) {
	n := NewNotifier(2, nil)
	assert.False(t, n.Publish(models.Event{}))
	assert.Equal(t, uint64(0), n.Dropped())
}

func TestNotifier_FailingSinkDoesNotStopDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []models.EventKind

	failing := SinkFunc(func(context.Context, models.Event) error { return errors.New("redis down") })
	recording := SinkFunc(func(_ context.Context, ev models.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Kind)
		return nil
	})
	n := NewNotifier(8, zaptest.NewLogger(t), failing, recording)

	n.Publish(models.NewEvent(models.EventBlacklisted, attacker, "x", epoch))
	n.Publish(models.NewEvent(models.EventUnblacklisted, attacker, "x", epoch))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, []models.EventKind{models.EventBlacklisted, models.EventUnblacklisted}, got)
}
