// Package events implements the small on/off/once/waitOn listener registry
// used by the graph, task and repository components. The spec leaves event
// emitter implementation details unspecified; this is a minimal,
// goroutine-safe implementation good enough for in-process subscribers.
package events

import "sync"

// Emitter broadcasts named events with an untyped payload to registered
// listeners. Zero value is ready to use.
type Emitter struct {
	mu        sync.Mutex
	listeners map[string][]*listener
	seq       uint64
}

type listener struct {
	id      uint64
	fn      func(any)
	once    bool
	removed bool
}

// On registers a listener that fires on every emission of name. It returns
// an unsubscribe function.
func (e *Emitter) On(name string, fn func(any)) (off func()) {
	return e.register(name, fn, false)
}

// Once registers a listener that fires at most one time.
func (e *Emitter) Once(name string, fn func(any)) (off func()) {
	return e.register(name, fn, true)
}

func (e *Emitter) register(name string, fn func(any), once bool) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]*listener)
	}
	e.seq++
	l := &listener{id: e.seq, fn: fn, once: once}
	e.listeners[name] = append(e.listeners[name], l)
	return func() { e.Off(name, l.id) }
}

// Off removes a single listener by the id its registration captured over
// the closure; most callers instead use the unsubscribe func returned by
// On/Once.
func (e *Emitter) Off(name string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.listeners[name]
	for i, l := range ls {
		if l.id == id {
			l.removed = true
			e.listeners[name] = append(ls[:i], ls[i+1:]...)
			return
		}
	}
}

// OffAll removes every listener registered for name.
func (e *Emitter) OffAll(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, name)
}

// Emit synchronously invokes every current listener for name with payload.
// Listeners registered with Once are removed before being invoked so a
// listener that re-registers itself during the callback is not dropped by
// the cleanup.
func (e *Emitter) Emit(name string, payload any) {
	e.mu.Lock()
	ls := append([]*listener(nil), e.listeners[name]...)
	var kept []*listener
	for _, l := range ls {
		if !l.once {
			kept = append(kept, l)
		}
	}
	if len(ls) > 0 {
		e.listeners[name] = kept
	}
	e.mu.Unlock()

	for _, l := range ls {
		if l.removed {
			continue
		}
		l.fn(payload)
	}
}

// WaitOn blocks until the next emission of name and returns its payload, or
// returns early with ok=false if stop is closed first.
func (e *Emitter) WaitOn(name string, stop <-chan struct{}) (payload any, ok bool) {
	ch := make(chan any, 1)
	off := e.Once(name, func(p any) {
		select {
		case ch <- p:
		default:
		}
	})
	select {
	case p := <-ch:
		return p, true
	case <-stop:
		off()
		return nil, false
	}
}
