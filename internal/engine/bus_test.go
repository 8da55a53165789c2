package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeOrder(t *testing.T) {
	b := NewBus()
	var got []string
	b.Subscribe(func(e Event) { got = append(got, "first:"+e.Name()) })
	b.Subscribe(func(e Event) { got = append(got, "second:"+e.Name()) })

	b.Publish(QueueCleared{})

	assert.Equal(t, []string{"first:queue_cleared", "second:queue_cleared"}, got)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()
	calls := 0
	unsubscribe := b.Subscribe(func(Event) { calls++ })

	b.Publish(QueueCleared{})
	unsubscribe()
	unsubscribe()
	b.Publish(QueueCleared{})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.Len())
}

func TestBus_PanickingListenerIsIsolated(t *testing.T) {
	b := NewBus()
	b.Subscribe(func(Event) { panic("boom") })
	delivered := false
	b.Subscribe(func(Event) { delivered = true })

	assert.NotPanics(t, func() { b.Publish(OfflineModeEnabled{}) })
	assert.True(t, delivered)
}

func TestBus_Channel(t *testing.T) {
	b := NewBus()
	events, cancel := b.Channel()
	defer cancel()

	b.Publish(OnlineModeEnabled{})
	b.Publish(SyncCompleted{Successful: 2})

	for _, want := range []Event{OnlineModeEnabled{}, SyncCompleted{Successful: 2}} {
		select {
		case got := <-events:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want.Name())
		}
	}
}

func TestBus_ChannelCancelCloses(t *testing.T) {
	b := NewBus()
	events, cancel := b.Channel()
	cancel()
	cancel()

	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Equal(t, 0, b.Len())
	require.NotPanics(t, func() { b.Publish(QueueCleared{}) })
}

func TestEventNames(t *testing.T) {
	tests := []struct {
		event Event
		name  string
	}{
		{OfflineModeEnabled{}, "offline_mode_enabled"},
		{OnlineModeEnabled{}, "online_mode_enabled"},
		{StatusUpdated{}, "status_updated"},
		{OperationQueued{}, "operation_queued"},
		{SyncCompleted{}, "sync_completed"},
		{SyncSkipped{}, "sync_skipped"},
		{ConflictRequiresResolution{}, "conflict_requires_resolution"},
		{OfflineDataCleared{}, "offline_data_cleared"},
		{QueueCleared{}, "queue_cleared"},
		{OperationFailed{}, "operation_failed"},
		{RecordConfirmed{}, "record_confirmed"},
		{ConflictResolved{}, "conflict_resolved"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.event.Name())
	}
}

func TestBackoffFor(t *testing.T) {
	base, max := 2*time.Second, 10*time.Second

	assert.Equal(t, time.Duration(0), backoffFor(0, base, max))
	assert.Equal(t, 2*time.Second, backoffFor(1, base, max))
	assert.Equal(t, 4*time.Second, backoffFor(2, base, max))
	assert.Equal(t, 8*time.Second, backoffFor(3, base, max))
	assert.Equal(t, 10*time.Second, backoffFor(4, base, max))
	assert.Equal(t, 10*time.Second, backoffFor(40, base, max))
	assert.Equal(t, time.Duration(0), backoffFor(2, 0, max))
}
