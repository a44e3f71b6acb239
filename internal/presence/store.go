// Package presence tracks which users currently hold at least one open
// realtime connection. Online state is reference counted per user: a user
// goes offline only when their last connection drops, so closing one of
// several tabs never flickers them offline.
package presence

import (
	"sort"
	"sync"
)

type Event struct {
	UserID uint64
	Online bool
}

type Listener func(Event)

type Store struct {
	// emitMu serializes whole transitions (count change plus listener
	// callbacks) so listeners observe online/offline events in the order
	// they happened. Listeners may call back into the read methods, which
	// only take mu, so firing under emitMu alone cannot deadlock.
	emitMu sync.Mutex

	mu        sync.RWMutex
	conns     map[uint64]int
	listeners []Listener
}

func NewStore() *Store {
	return &Store{conns: make(map[uint64]int)}
}

// Subscribe registers a listener for online/offline transitions. Listeners
// only fire on 0->1 and 1->0 count changes, never on additional tabs.
func (s *Store) Subscribe(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Connect records one more open connection for the user and reports
// whether this took them online.
func (s *Store) Connect(userID uint64) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	s.conns[userID]++
	wentOnline := s.conns[userID] == 1
	listeners := s.listeners
	s.mu.Unlock()

	if wentOnline {
		for _, fn := range listeners {
			fn(Event{UserID: userID, Online: true})
		}
	}
	return wentOnline
}

// Disconnect records one closed connection and reports whether the user
// went offline as a result.
func (s *Store) Disconnect(userID uint64) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	n, ok := s.conns[userID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	n--
	wentOffline := n == 0
	if wentOffline {
		delete(s.conns, userID)
	} else {
		s.conns[userID] = n
	}
	listeners := s.listeners
	s.mu.Unlock()

	if wentOffline {
		for _, fn := range listeners {
			fn(Event{UserID: userID, Online: false})
		}
	}
	return wentOffline
}

func (s *Store) Online(userID uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[userID] > 0
}

// Snapshot returns the ids of all currently online users, sorted.
func (s *Store) Snapshot() []uint64 {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
