package router

import (
	"sync"
	"time"

	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
)

// notifiable is the minimal shape Select fans in over. Both Receiver and
// Select itself implement it, so a Select can be nested inside another
// (spec.md §4.5: "Adding a Select to another Select must detect and refuse
// cycles").
type notifiable interface {
	attachNotify(fn func()) error
	detachNotify()
	hasPending() bool
	popOne() (interface{}, bool, error)
	selfID() uintptr
}

// Select fans in over many Receivers (or nested Selects), delivering
// whichever becomes ready first.
type Select struct {
	oneshot bool

	mu      sync.Mutex
	members map[uintptr]notifiable
	ready   chan notifiable
	notify  func()
	id      uintptr
}

// NewSelect builds an empty Select. When oneshot is true, a member is
// removed from the set as soon as it has delivered once.
func NewSelect(oneshot bool) *Select {
	return &Select{
		oneshot: oneshot,
		members: make(map[uintptr]notifiable),
		ready:   make(chan notifiable, 256),
		id:      nextNotifiableID(),
	}
}

// Add installs n into the set. It fails if n already belongs to another
// Select, or if n is a Select that would introduce a cycle.
func (s *Select) Add(n notifiable) error {
	if sub, ok := n.(*Select); ok {
		if sub == s || sub.reaches(s) {
			return errSelectCycle
		}
	}
	s.mu.Lock()
	if _, exists := s.members[n.selfID()]; exists {
		s.mu.Unlock()
		return errReceiverAlreadyOwned
	}
	s.members[n.selfID()] = n
	s.mu.Unlock()

	if err := n.attachNotify(func() { s.put(n) }); err != nil {
		s.mu.Lock()
		delete(s.members, n.selfID())
		s.mu.Unlock()
		return err
	}
	// Avoid the race spec.md §4.5 calls out: a message may have already
	// landed between construction and Add.
	if n.hasPending() {
		s.put(n)
	}
	return nil
}

// Remove detaches n from the set.
func (s *Select) Remove(n notifiable) {
	s.mu.Lock()
	delete(s.members, n.selfID())
	s.mu.Unlock()
	n.detachNotify()
}

func (s *Select) reaches(target *Select) bool {
	s.mu.Lock()
	members := make([]notifiable, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m)
	}
	s.mu.Unlock()
	for _, m := range members {
		if sub, ok := m.(*Select); ok {
			if sub == target || sub.reaches(target) {
				return true
			}
		}
	}
	return false
}

func (s *Select) put(n notifiable) {
	select {
	case s.ready <- n:
	default:
	}
	s.mu.Lock()
	notify := s.notify
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Get blocks until some member delivers a value or the deadline passes. A
// Select with no members does not return early: Get waits for the deadline.
// A zero deadline blocks forever.
func (s *Select) Get(deadline time.Time) (interface{}, error) {
	for {
		var wait time.Duration = pollInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, definition.ErrTimeout
			}
			if remaining < wait {
				wait = remaining
			}
		}
		select {
		case n := <-s.ready:
			v, ok, err := n.popOne()
			if !ok && err == nil {
				// Drained by another consumer in the meantime; legitimate
				// race per spec.md §4.5 — loop and try again.
				continue
			}
			if s.oneshot {
				s.Remove(n)
			}
			return v, err
		case <-time.After(wait):
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return nil, definition.ErrTimeout
			}
		}
	}
}

// --- notifiable interface, so a Select can itself be nested ---

func (s *Select) attachNotify(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notify != nil {
		return errReceiverAlreadyOwned
	}
	s.notify = fn
	return nil
}

func (s *Select) detachNotify() {
	s.mu.Lock()
	s.notify = nil
	s.mu.Unlock()
}

func (s *Select) hasPending() bool {
	select {
	case n := <-s.ready:
		// Peek-and-restore: put it right back so Get() above still owns the
		// real delivery path.
		s.ready <- n
		return true
	default:
		return false
	}
}

func (s *Select) popOne() (interface{}, bool, error) {
	select {
	case n := <-s.ready:
		return n.popOne()
	default:
		return nil, false, nil
	}
}

func (s *Select) selfID() uintptr { return s.id }
