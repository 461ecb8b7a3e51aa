package session

import "sync"

// Store is the in-memory index of session records: an arena keyed by id
// plus a secondary index keyed by the (channel, sender, group) triple for
// resume lookup. Persistence is write-through to the Persister; a failed
// disk write never desynchronizes the two maps.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	byKey     map[string]string
	persister Persister
}

// NewStore creates a store backed by the given persister. A nil persister
// keeps the store purely in-memory.
func NewStore(p Persister) *Store {
	return &Store{
		sessions:  make(map[string]*Session),
		byKey:     make(map[string]string),
		persister: p,
	}
}

// Restore loads every non-closed persisted record back into the index.
func (st *Store) Restore() (int, error) {
	if st.persister == nil {
		return 0, nil
	}
	records, err := st.persister.LoadAll()
	if err != nil {
		return 0, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, s := range records {
		if s.Status == StatusClosed {
			continue
		}
		st.sessions[s.ID] = s
		st.byKey[s.Key()] = s.ID
		n++
	}
	return n, nil
}

// Put inserts or replaces a record in the arena, maintains the secondary
// index, and enqueues a persistence snapshot.
func (st *Store) Put(s *Session) {
	st.mu.Lock()
	st.sessions[s.ID] = s
	if s.Status != StatusClosed {
		st.byKey[s.Key()] = s.ID
	} else if st.byKey[s.Key()] == s.ID {
		// A closed session no longer resolves resume lookups.
		delete(st.byKey, s.Key())
	}
	st.mu.Unlock()

	if st.persister != nil {
		st.persister.Write(s.Clone())
	}
}

// Get returns the record for an id.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Lookup resolves the secondary key to a record.
func (st *Store) Lookup(channel, senderID, groupID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.byKey[Key(channel, senderID, groupID)]
	if !ok {
		return nil, false
	}
	s, ok := st.sessions[id]
	return s, ok
}

// List returns every record in the arena, closed ones included.
func (st *Store) List() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// CountNonClosed reports how many sessions are still open.
func (st *Store) CountNonClosed() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	n := 0
	for _, s := range st.sessions {
		if s.Status != StatusClosed {
			n++
		}
	}
	return n
}
