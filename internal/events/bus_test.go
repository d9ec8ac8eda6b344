package events

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	bus := NewBus(zerolog.Nop())
	bus.Start()
	return bus
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()

	received := make(chan *Event, 1)
	bus.Subscribe(GatewayStatusChanged, func(event *Event) {
		received <- event
	})

	bus.Emit(GatewayStatusChanged, "test", map[string]interface{}{
		"gateway_id":      "ctp_main",
		"previous_status": "HEALTHY",
		"current_status":  "UNHEALTHY",
	})

	select {
	case event := <-received:
		assert.Equal(t, GatewayStatusChanged, event.Type)
		assert.Equal(t, "test", event.Module)

		typed := event.GetTypedData()
		require.NotNil(t, typed)
		data, ok := typed.(*StatusChangedData)
		require.True(t, ok)
		assert.Equal(t, "ctp_main", data.GatewayID)
		assert.Equal(t, "UNHEALTHY", data.CurrentStatus)
	case <-time.After(time.Second):
		t.Fatal("Expected event not received")
	}
}

func TestBus_OrderingPreservedPerType(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()

	var got []int
	done := make(chan struct{})
	bus.Subscribe(SystemLog, func(event *Event) {
		got = append(got, int(event.Data["seq"].(float64)))
		if len(got) == 50 {
			close(done)
		}
	})

	for i := 0; i < 50; i++ {
		bus.Emit(SystemLog, "test", map[string]interface{}{"seq": float64(i)})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("only received %d events", len(got))
	}

	for i, seq := range got {
		assert.Equal(t, i, seq, "events must arrive in publish order")
	}
}

func TestBus_PanickingHandlerDoesNotAffectSiblings(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()

	var sibling atomic.Int64
	bus.Subscribe(SystemLog, func(event *Event) {
		panic("boom")
	})
	bus.Subscribe(SystemLog, func(event *Event) {
		sibling.Add(1)
	})

	bus.Emit(SystemLog, "test", nil)
	bus.Emit(SystemLog, "test", nil)

	waitFor(t, func() bool { return sibling.Load() == 2 },
		"sibling handler must receive every event despite panicking peer")
}

type countingListener struct {
	calls atomic.Int64
}

func (l *countingListener) onEvent(event *Event) { l.calls.Add(1) }

func TestBus_SameMethodOnTwoInstancesBothDelivered(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()

	first := &countingListener{}
	second := &countingListener{}

	k1 := bus.Subscribe(SystemLog, first.onEvent)
	k2 := bus.Subscribe(SystemLog, second.onEvent)
	assert.NotEqual(t, k1, k2, "each registration must get its own key")

	bus.Emit(SystemLog, "test", nil)

	waitFor(t, func() bool { return first.calls.Load() == 1 && second.calls.Load() == 1 },
		"both listener instances must receive the event")
}

func TestBus_UnsubscribeKeyStopsDelivery(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()

	var calls atomic.Int64
	key := bus.Subscribe(SystemLog, func(event *Event) { calls.Add(1) })
	bus.Emit(SystemLog, "test", nil)
	waitFor(t, func() bool { return calls.Load() == 1 }, "first event not delivered")

	bus.UnsubscribeKey(SystemLog, key)
	// Unknown keys are silent.
	bus.UnsubscribeKey(SystemLog, key+100)

	bus.Emit(SystemLog, "test", nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())
}

func TestBus_OverflowDropsOldestNeverBlocks(t *testing.T) {
	bus := NewBusWithQueueSize(zerolog.Nop(), 4)
	// Deliberately not started: events accumulate in the queue.

	bus.runMu.Lock()
	bus.running = true // allow Emit without a dispatcher
	bus.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Emit(SystemLog, "test", map[string]interface{}{"seq": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full queue")
	}

	assert.Equal(t, uint64(96), bus.DroppedCount())
}

func TestBus_EmitAfterStopIsDropped(t *testing.T) {
	bus := newTestBus()
	bus.Stop()

	received := make(chan *Event, 1)
	bus.Subscribe(SystemLog, func(event *Event) { received <- event })

	bus.Emit(SystemLog, "test", nil)

	select {
	case <-received:
		t.Fatal("stopped bus must not deliver")
	case <-time.After(100 * time.Millisecond):
	}
	assert.GreaterOrEqual(t, bus.DroppedCount(), uint64(1))
}

func TestBus_StopDrainsAndReportsCount(t *testing.T) {
	bus := newTestBus()

	var calls atomic.Int64
	bus.Subscribe(SystemLog, func(event *Event) { calls.Add(1) })

	for i := 0; i < 10; i++ {
		bus.Emit(SystemLog, "test", nil)
	}

	total := bus.Stop()
	assert.Equal(t, uint64(10), total)
	assert.Equal(t, int64(10), calls.Load(), "Stop must drain queued events")
}

func TestManager_EmitTypedRoundTrip(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()
	manager := NewManager(bus, zerolog.Nop())

	received := make(chan *Event, 1)
	bus.Subscribe(FailoverExecuted, func(event *Event) { received <- event })

	manager.EmitTyped("failover", &FailoverExecutedData{
		FailedGateway: "ctp_main",
		BackupGateway: "ctp_backup",
		Symbols:       []string{"rb2510.SHFE"},
		MigratedCount: 1,
		DurationMs:    12.5,
	})

	select {
	case event := <-received:
		data, ok := event.GetTypedData().(*FailoverExecutedData)
		require.True(t, ok)
		assert.Equal(t, "ctp_main", data.FailedGateway)
		assert.Equal(t, "ctp_backup", data.BackupGateway)
		assert.Equal(t, []string{"rb2510.SHFE"}, data.Symbols)
	case <-time.After(time.Second):
		t.Fatal("Expected failover event not received")
	}
}
