// Package notifystore keeps the client side notification list, the unread
// counter and pending call invitations. REST fetches replace the state; socket
// pushes adjust it in place.
package notifystore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/telecare-go-api/pkg/apiclient"
	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

// ErrMissingCallIdentifiers is returned for invitations without a room or appointment id.
var ErrMissingCallIdentifiers = errors.New("incoming call requires roomId and appointmentId")

// DefaultIncomingCallTTL bounds how long an unanswered invitation stays joinable.
const DefaultIncomingCallTTL = 2 * time.Minute

// API is the subset of the REST client the store needs.
type API interface {
	ListNotifications(ctx context.Context, query apiclient.ListQuery) (apiclient.NotificationPage, error)
	MarkNotificationRead(ctx context.Context, id uint) (protocol.Notification, error)
}

type incomingEntry struct {
	call      protocol.IncomingCall
	expiresAt time.Time
}

// Store is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	items    []protocol.Notification
	unread   int64
	incoming map[string]incomingEntry
	ttl      time.Duration
	now      func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithIncomingCallTTL overrides DefaultIncomingCallTTL.
func WithIncomingCallTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		incoming: make(map[string]incomingEntry),
		ttl:      DefaultIncomingCallTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Replace swaps the list and counter wholesale.
func (s *Store) Replace(items []protocol.Notification, unread int64) {
	copied := append([]protocol.Notification(nil), items...)
	if unread < 0 {
		unread = 0
	}

	s.mu.Lock()
	s.items = copied
	s.unread = unread
	s.mu.Unlock()
}

// Fetch loads a page from the API and replaces the local state with it.
func (s *Store) Fetch(ctx context.Context, api API, query apiclient.ListQuery) error {
	page, err := api.ListNotifications(ctx, query)
	if err != nil {
		return err
	}
	s.Replace(page.Items, page.UnreadCount)
	return nil
}

// Prepend inserts a pushed notification at the head. A notification already in
// the list is ignored so a replayed push does not count twice.
func (s *Store) Prepend(n protocol.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID != 0 {
		for _, existing := range s.items {
			if existing.ID == n.ID {
				return false
			}
		}
	}

	s.items = append([]protocol.Notification{n}, s.items...)
	if !n.Read {
		s.unread++
	}
	return true
}

// MarkRead flips the read flag locally and confirms it with the API. If the API
// call fails the local change is reverted and the error returned.
func (s *Store) MarkRead(ctx context.Context, api API, id uint) error {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx >= 0 && s.items[idx].Read {
		s.mu.Unlock()
		return nil
	}
	flipped, decremented := false, false
	if idx >= 0 {
		s.items[idx].Read = true
		flipped = true
		if s.unread > 0 {
			s.unread--
			decremented = true
		}
	}
	s.mu.Unlock()

	if _, err := api.MarkNotificationRead(ctx, id); err != nil {
		if flipped {
			s.mu.Lock()
			if idx := s.indexOf(id); idx >= 0 && s.items[idx].Read {
				s.items[idx].Read = false
				if decremented {
					s.unread++
				}
			}
			s.mu.Unlock()
		}
		return err
	}
	return nil
}

// SetUnreadCount overwrites the counter, used by the periodic poll.
func (s *Store) SetUnreadCount(count int64) {
	if count < 0 {
		count = 0
	}
	s.mu.Lock()
	s.unread = count
	s.mu.Unlock()
}

// Notifications returns a copy of the list, most recent first.
func (s *Store) Notifications() []protocol.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.Notification(nil), s.items...)
}

// UnreadCount returns the unread counter.
func (s *Store) UnreadCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// PutIncomingCall records an invitation keyed by appointment id. Expired
// invitations are dropped on the way in.
func (s *Store) PutIncomingCall(call protocol.IncomingCall) error {
	call.RoomID = strings.TrimSpace(call.RoomID)
	call.AppointmentID = strings.TrimSpace(call.AppointmentID)
	if call.RoomID == "" || call.AppointmentID == "" {
		return ErrMissingCallIdentifiers
	}

	now := s.now()
	s.mu.Lock()
	s.evictLocked(now)
	s.incoming[call.AppointmentID] = incomingEntry{call: call, expiresAt: now.Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

// IncomingCall returns the live invitation for an appointment. An expired
// invitation is removed.
func (s *Store) IncomingCall(appointmentID string) (protocol.IncomingCall, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.incoming[appointmentID]
	if !ok {
		return protocol.IncomingCall{}, false
	}
	if !now.Before(entry.expiresAt) {
		delete(s.incoming, appointmentID)
		return protocol.IncomingCall{}, false
	}
	return entry.call, true
}

// CanJoin reports whether a join action should be offered for the appointment.
func (s *Store) CanJoin(appointmentID string) bool {
	_, ok := s.IncomingCall(appointmentID)
	return ok
}

// RemoveIncomingCall drops the invitation for an appointment.
func (s *Store) RemoveIncomingCall(appointmentID string) {
	s.mu.Lock()
	delete(s.incoming, appointmentID)
	s.mu.Unlock()
}

// RemoveIncomingCallByRoom drops any invitation for the room.
func (s *Store) RemoveIncomingCallByRoom(roomID string) {
	if roomID == "" {
		return
	}
	s.mu.Lock()
	for key, entry := range s.incoming {
		if entry.call.RoomID == roomID {
			delete(s.incoming, key)
		}
	}
	s.mu.Unlock()
}

// Evict removes invitations that expired at or before now and returns how many were dropped.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(now)
}

func (s *Store) evictLocked(now time.Time) int {
	removed := 0
	for key, entry := range s.incoming {
		if !now.Before(entry.expiresAt) {
			delete(s.incoming, key)
			removed++
		}
	}
	return removed
}

// PendingIncomingCalls returns the number of stored invitations, including
// expired ones not swept yet.
func (s *Store) PendingIncomingCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.incoming)
}

func (s *Store) indexOf(id uint) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}
