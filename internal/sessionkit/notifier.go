package sessionkit

import "sync"

// Broadcaster fans session-state changes out to local subscribers. UI
// collaborators subscribe to re-render auth-dependent chrome; every
// publisher hands over a freshly derived State, never a cached flag.
type Broadcaster struct {
	mutex       sync.Mutex
	subscribers map[int]chan State
	nextID      int
}

// NewBroadcaster constructs an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[int]chan State)}
}

// Subscribe registers a listener and returns its channel together with
// a cancel function. The channel is buffered; a subscriber that stops
// draining loses the oldest-pending notifications rather than blocking
// publishers.
func (broadcaster *Broadcaster) Subscribe() (<-chan State, func()) {
	broadcaster.mutex.Lock()
	defer broadcaster.mutex.Unlock()
	subscriberID := broadcaster.nextID
	broadcaster.nextID++
	states := make(chan State, 16)
	broadcaster.subscribers[subscriberID] = states
	cancel := func() {
		broadcaster.mutex.Lock()
		defer broadcaster.mutex.Unlock()
		if channel, ok := broadcaster.subscribers[subscriberID]; ok {
			delete(broadcaster.subscribers, subscriberID)
			close(channel)
		}
	}
	return states, cancel
}

// Publish delivers the state to every subscriber without blocking.
func (broadcaster *Broadcaster) Publish(state State) {
	broadcaster.mutex.Lock()
	defer broadcaster.mutex.Unlock()
	for _, subscriber := range broadcaster.subscribers {
		select {
		case subscriber <- state:
		default:
			select {
			case <-subscriber:
			default:
			}
			select {
			case subscriber <- state:
			default:
			}
		}
	}
}
