package conversion

import "sync"

// StatusStore keeps conversion outcomes for the lifetime of the process.
// Entries are never evicted.
type StatusStore struct {
	mu    sync.RWMutex
	items map[string]*PatientOutcome
	order []string
}

func NewStatusStore() *StatusStore {
	return &StatusStore{items: make(map[string]*PatientOutcome)}
}

// Put records o under its ConversionID, replacing any earlier entry.
func (s *StatusStore) Put(o *PatientOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[o.ConversionID]; !exists {
		s.order = append(s.order, o.ConversionID)
	}
	s.items[o.ConversionID] = o
}

func (s *StatusStore) Get(id string) (*PatientOutcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.items[id]
	return o, ok
}

// List returns outcomes in insertion order, newest last, paginated.
func (s *StatusStore) List(limit, offset int) ([]*PatientOutcome, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.order)
	if offset >= total {
		return []*PatientOutcome{}, total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	out := make([]*PatientOutcome, 0, end-offset)
	for _, id := range s.order[offset:end] {
		out = append(out, s.items[id])
	}
	return out, total
}

func (s *StatusStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
