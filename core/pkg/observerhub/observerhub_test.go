package observerhub_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mek-systems/mek/core/pkg/observerhub"
)

func TestEmit_FansOutToEveryRegisteredObserver(t *testing.T) {
	hub := observerhub.NewHub()

	var mu sync.Mutex
	var seenA, seenB []observerhub.EventType
	hub.Register(func(eventType observerhub.EventType, details map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		seenA = append(seenA, eventType)
	})
	hub.Register(func(eventType observerhub.EventType, details map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		seenB = append(seenB, eventType)
	})

	hub.Emit(observerhub.EventGrantIssued, map[string]any{"grant_id": "g1"})

	assert.Equal(t, []observerhub.EventType{observerhub.EventGrantIssued}, seenA)
	assert.Equal(t, []observerhub.EventType{observerhub.EventGrantIssued}, seenB)
}

func TestUnregister_StopsFutureDelivery(t *testing.T) {
	hub := observerhub.NewHub()

	var count int
	id := hub.Register(func(observerhub.EventType, map[string]any) { count++ })

	hub.Emit(observerhub.EventNonAction, nil)
	hub.Unregister(id)
	hub.Emit(observerhub.EventNonAction, nil)

	assert.Equal(t, 1, count)
}

func TestClearObservers_RemovesAll(t *testing.T) {
	hub := observerhub.NewHub()

	var count int
	hub.Register(func(observerhub.EventType, map[string]any) { count++ })
	hub.Register(func(observerhub.EventType, map[string]any) { count++ })

	hub.ClearObservers()
	hub.Emit(observerhub.EventExecutionSuccess, nil)

	assert.Equal(t, 0, count)
}

func TestEmit_WithNoObserversDoesNotPanic(t *testing.T) {
	hub := observerhub.NewHub()
	assert.NotPanics(t, func() { hub.Emit(observerhub.EventExecutionFailed, map[string]any{"x": 1}) })
}

func TestEmit_ObserverPanicIsContainedAndDoesNotStopOthers(t *testing.T) {
	hub := observerhub.NewHub()

	var secondRan bool
	hub.Register(func(observerhub.EventType, map[string]any) { panic("boom") })
	hub.Register(func(observerhub.EventType, map[string]any) { secondRan = true })

	assert.NotPanics(t, func() { hub.Emit(observerhub.EventNonAction, nil) })
	assert.True(t, secondRan, "a panicking observer must not block delivery to others")
}

func TestRegister_ConcurrentWithEmitIsRaceFree(t *testing.T) {
	hub := observerhub.NewHub()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id := hub.Register(func(observerhub.EventType, map[string]any) {})
			hub.Unregister(id)
		}()
		go func() {
			defer wg.Done()
			hub.Emit(observerhub.EventGrantIssued, nil)
		}()
	}
	wg.Wait()
}
