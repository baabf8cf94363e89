package geofence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jengzang/geofence-backend-go/internal/logging"
)

// listeners is a registry of callbacks invoked in registration order.
type listeners[T any] struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]func(T)
}

func (l *listeners[T]) add(fn func(T)) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.subs == nil {
		l.subs = make(map[uint64]func(T))
	}
	id := l.next
	l.next++
	l.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[T]) snapshot() []func(T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]uint64, 0, len(l.subs))
	for id := range l.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]func(T), 0, len(ids))
	for _, id := range ids {
		out = append(out, l.subs[id])
	}
	return out
}

// emit calls every listener with v. A panicking listener is logged and does
// not prevent the remaining listeners from running.
func (l *listeners[T]) emit(ctx context.Context, log logging.Logger, kind string, v T) {
	for _, fn := range l.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error(ctx, "listener panicked",
						logging.String("listener", kind),
						logging.String("panic", fmt.Sprint(r)))
				}
			}()
			fn(v)
		}()
	}
}
