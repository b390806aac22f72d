package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waymark-ai/waymark/internal/types"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch, cleanup := bus.Subscribe(context.Background(), Filter{}, 10)
	defer cleanup()

	err := bus.Publish(context.Background(), Event{
		Type:       EventStageStarted,
		SessionKey: "s1",
	})
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, EventStageStarted, got.Type)
		assert.Equal(t, "s1", got.SessionKey)
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_FilterByTypeAndMission(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	missionID := types.NewID()
	ch, cleanup := bus.Subscribe(context.Background(), Filter{
		Types:     []EventType{EventStageCompleted},
		MissionID: missionID,
	}, 10)
	defer cleanup()

	// Wrong type, wrong mission, then a match.
	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventStageStarted, MissionID: missionID}))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventStageCompleted, MissionID: types.NewID()}))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventStageCompleted, MissionID: missionID}))

	select {
	case got := <-ch:
		assert.Equal(t, EventStageCompleted, got.Type)
		assert.Equal(t, missionID, got.MissionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case unexpected := <-ch:
		t.Fatalf("unexpected second event: %v", unexpected)
	default:
	}
}

func TestEventBus_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	var droppedCount int
	bus := NewEventBus(WithErrorHandler(func(err error, ctx map[string]any) {
		droppedCount++
	}))
	defer bus.Close()

	_, cleanup := bus.Subscribe(context.Background(), Filter{}, 1)
	defer cleanup()

	// Buffer of 1: second publish must drop, not block.
	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventActionStarted}))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventActionCompleted}))

	assert.Equal(t, 1, droppedCount)
}

func TestEventBus_CloseIsIdempotent(t *testing.T) {
	bus := NewEventBus()
	ch, _ := bus.Subscribe(context.Background(), Filter{}, 1)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	_, open := <-ch
	assert.False(t, open, "subscriber channel should be closed")

	err := bus.Publish(context.Background(), Event{Type: EventStageStarted})
	assert.Error(t, err)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBusSink_SwallowsClosedBus(t *testing.T) {
	bus := NewEventBus()
	require.NoError(t, bus.Close())

	sink := NewBusSink(bus)
	// Must not panic or surface the error.
	sink.Emit(context.Background(), EventSessionFlushed, Event{SessionKey: "s1"})

	var nilSink *BusSink
	nilSink.Emit(context.Background(), EventSessionFlushed, Event{})
}
