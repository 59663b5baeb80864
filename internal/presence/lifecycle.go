package presence

import (
	"fmt"
	"sync"
)

// AppState is the platform's three-way foreground signal.
type AppState int

const (
	AppActive AppState = iota
	AppBackground
	AppInactive
)

func (s AppState) String() string {
	switch s {
	case AppActive:
		return "active"
	case AppBackground:
		return "background"
	case AppInactive:
		return "inactive"
	}
	return fmt.Sprintf("AppState(%d)", int(s))
}

func ParseAppState(s string) (AppState, error) {
	switch s {
	case "active":
		return AppActive, nil
	case "background":
		return AppBackground, nil
	case "inactive":
		return AppInactive, nil
	}
	return 0, fmt.Errorf("unknown app state %q", s)
}

// AppStateSource delivers app lifecycle transitions. The returned func
// removes the subscription.
type AppStateSource interface {
	Subscribe(fn func(AppState)) (unsubscribe func())
}

// LifecycleFeed is an AppStateSource fed by Publish.
type LifecycleFeed struct {
	mu   sync.Mutex
	next int
	subs map[int]func(AppState)
}

func NewLifecycleFeed() *LifecycleFeed {
	return &LifecycleFeed{subs: make(map[int]func(AppState))}
}

func (f *LifecycleFeed) Subscribe(fn func(AppState)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *LifecycleFeed) Publish(s AppState) {
	f.mu.Lock()
	fns := make([]func(AppState), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
