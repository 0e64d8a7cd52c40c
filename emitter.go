package chatsync

import (
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

// emitter fans a value out to registered observers. The zero value is ready
// to use. Observers run on the emitting goroutine after the caller has
// released its own locks; a panicking observer is logged and skipped.
type emitter[T any] struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(T)
}

func (e *emitter[T]) subscribe(fn func(T)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[int]func(T))
	}
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

func (e *emitter[T]) active() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners) > 0
}

func (e *emitter[T]) emit(v T) {
	e.mu.RLock()
	handlers := make([]func(T), 0, len(e.listeners))
	for _, h := range e.listeners {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					jww.ERROR.Printf("[Emitter] observer panicked: %v", r)
				}
			}()
			h(v)
		}()
	}
}

func (e *emitter[T]) removeAll() {
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}
