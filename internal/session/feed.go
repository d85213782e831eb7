package session

import "sync"

// Feed publishes the latest value of T to any number of subscribers. A slow
// subscriber only ever sees the most recent value.
type Feed[T any] struct {
	mu     sync.Mutex
	latest T
	has    bool
	subs   map[int]chan T
	nextID int
}

func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[int]chan T)}
}

// Publish stores v and offers it to every subscriber, replacing any value
// the subscriber has not consumed yet.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.latest = v
	f.has = true
	for _, ch := range f.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

// Subscribe returns a channel carrying the latest value and a cancel func.
// A value already published is delivered immediately.
func (f *Feed[T]) Subscribe() (<-chan T, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan T, 1)
	if f.has {
		ch <- f.latest
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Latest returns the most recently published value.
func (f *Feed[T]) Latest() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.has
}

