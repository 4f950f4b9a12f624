package events_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenhealth/syncbox/internal/events"
	"github.com/lumenhealth/syncbox/internal/models"
)

func newEmitter(t *testing.T) *events.Emitter {
	t.Helper()
	var buf bytes.Buffer
	return events.NewEmitter(events.NewTestLogger(events.ErrorLevel, "text", &buf))
}

func TestEmitterDeliversToSubscriber(t *testing.T) {
	e := newEmitter(t)
	defer e.Close()

	ch, cancel := e.Subscribe()
	defer cancel()

	session := models.NewSyncSession(models.TriggerManual, time.Now())
	e.Emit(events.Event{Type: events.EventSyncStarted, Session: session})

	select {
	case evt := <-ch:
		assert.Equal(t, events.EventSyncStarted, evt.Type)
		require.NotNil(t, evt.Session)
		assert.Equal(t, session.ID, evt.Session.ID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEmitterFanOut(t *testing.T) {
	e := newEmitter(t)
	defer e.Close()

	ch1, cancel1 := e.Subscribe()
	defer cancel1()
	ch2, cancel2 := e.Subscribe()
	defer cancel2()

	e.Emit(events.Event{Type: events.EventMutationSynced})

	for _, ch := range []<-chan events.Event{ch1, ch2} {
		select {
		case evt := <-ch:
			assert.Equal(t, events.EventMutationSynced, evt.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestEmitterCancelStopsDelivery(t *testing.T) {
	e := newEmitter(t)
	defer e.Close()

	ch, cancel := e.Subscribe()
	cancel()

	// Channel is closed after cancel.
	_, open := <-ch
	assert.False(t, open)

	// Emitting after cancel must not panic.
	e.Emit(events.Event{Type: events.EventSyncCompleted})
}

func TestEmitterDropsWhenSubscriberFull(t *testing.T) {
	e := newEmitter(t)
	defer e.Close()

	ch, cancel := e.Subscribe()
	defer cancel()

	for i := 0; i < events.DefaultEventBuffer+10; i++ {
		e.Emit(events.Event{Type: events.EventMutationSynced})
	}

	// Buffer holds exactly its capacity; overflow was dropped, not blocked.
	assert.Len(t, ch, events.DefaultEventBuffer)
}

func TestEmitterClose(t *testing.T) {
	e := newEmitter(t)

	ch, _ := e.Subscribe()
	e.Close()

	_, open := <-ch
	assert.False(t, open)

	// Subscribe after close returns a closed channel.
	ch2, cancel := e.Subscribe()
	defer cancel()
	_, open = <-ch2
	assert.False(t, open)

	// Emit after close is a no-op.
	e.Emit(events.Event{Type: events.EventSyncStarted, Error: errors.New("ignored")})
}
