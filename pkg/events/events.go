// Package events is the typed bus the client SDK uses to tell views about
// realtime activity. The set of events is closed: consumers switch over the
// concrete types instead of matching event names.
package events

import (
	"sync"

	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

// Event is implemented only by the types in this package.
type Event interface {
	event()
}

// NotificationReceived is published when a notification is pushed to the session.
type NotificationReceived struct {
	Notification protocol.Notification
}

// IncomingCall is published for a well-formed call invitation.
type IncomingCall struct {
	Call protocol.IncomingCall
}

// CallAccepted is published when the other party accepted a call.
type CallAccepted struct {
	Call protocol.CallLifecycle
}

// CallDeclined is published when the other party declined a call.
type CallDeclined struct {
	Call protocol.CallLifecycle
}

// CallEnded is published when a call was ended by either party or timed out.
type CallEnded struct {
	Call protocol.CallLifecycle
}

// AppointmentBooked is published when an appointment was booked.
type AppointmentBooked struct {
	Appointment protocol.AppointmentEvent
}

// AppointmentCancelled is published when an appointment was cancelled.
type AppointmentCancelled struct {
	Appointment protocol.AppointmentEvent
}

// SessionExpired is published once when the server rejects the access token.
type SessionExpired struct {
	Reason string
}

// RealtimeUnavailable is published once reconnect attempts are exhausted.
type RealtimeUnavailable struct {
	Attempts int
	Err      error
}

// SignalingError reports a malformed push or a failed negotiation with one peer.
type SignalingError struct {
	Event    string
	SocketID string
	Err      error
}

func (NotificationReceived) event() {}
func (IncomingCall) event()         {}
func (CallAccepted) event()         {}
func (CallDeclined) event()         {}
func (CallEnded) event()            {}
func (AppointmentBooked) event()    {}
func (AppointmentCancelled) event() {}
func (SessionExpired) event()       {}
func (RealtimeUnavailable) event()  {}
func (SignalingError) event()       {}

const defaultBuffer = 32

// Bus fans published events out to every subscriber. Publish never blocks;
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned function unsubscribes and closes
// the channel; calling it more than once is safe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if existing, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(existing)
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers evt to every subscriber with room in its buffer and reports
// how many received it.
func (b *Bus) Publish(evt Event) int {
	if evt == nil {
		return 0
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- evt:
			delivered++
		default:
		}
	}
	return delivered
}

// Close closes every subscriber channel. Later subscriptions receive a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
