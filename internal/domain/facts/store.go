package facts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists facts and their evidence. Lookups that find nothing return
// nil, nil.
type Store interface {
	FindByKey(ctx context.Context, key DedupKey) (*Fact, error)
	Get(ctx context.Context, id uuid.UUID) (*Fact, error)
	// Insert returns ErrAlreadyExists when the dedup key is taken.
	Insert(ctx context.Context, f *Fact) error
	UpdateFields(ctx context.Context, id uuid.UUID, u Update) error
	// AppendEvidence returns ErrAlreadyExists when the fact already links
	// the same source.
	AppendEvidence(ctx context.Context, e *Evidence) error
	ListEvidence(ctx context.Context, factID uuid.UUID) ([]*Evidence, error)
	ListByPatient(ctx context.Context, patientID string) ([]*Fact, error)
	// DeletePatient removes every fact of a patient with its evidence.
	DeletePatient(ctx context.Context, patientID string) (int, error)
}

type evidenceKey struct {
	factID      uuid.UUID
	sourceID    string
	sourceTable string
}

// MemoryStore is a Store backed by maps. It is safe for concurrent use and
// hands out copies, so callers never share state with it.
type MemoryStore struct {
	mu       sync.RWMutex
	facts    map[uuid.UUID]*Fact
	byKey    map[DedupKey]uuid.UUID
	order    []uuid.UUID
	evidence map[uuid.UUID][]*Evidence
	evKeys   map[evidenceKey]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		facts:    make(map[uuid.UUID]*Fact),
		byKey:    make(map[DedupKey]uuid.UUID),
		evidence: make(map[uuid.UUID][]*Evidence),
		evKeys:   make(map[evidenceKey]bool),
	}
}

func (s *MemoryStore) FindByKey(_ context.Context, key DedupKey) (*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, nil
	}
	f := *s.facts[id]
	return &f, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) Insert(_ context.Context, f *Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := f.Key()
	if _, ok := s.byKey[key]; ok {
		return ErrAlreadyExists
	}
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	cp := *f
	s.facts[f.ID] = &cp
	s.byKey[key] = f.ID
	s.order = append(s.order, f.ID)
	return nil
}

func (s *MemoryStore) UpdateFields(_ context.Context, id uuid.UUID, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[id]
	if !ok {
		return nil
	}
	f.Confidence, f.Value, f.Unit = u.Confidence, u.Value, u.Unit
	f.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendEvidence(_ context.Context, e *Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := evidenceKey{factID: e.FactID, sourceID: e.SourceID, sourceTable: e.SourceTable}
	if s.evKeys[k] {
		return ErrAlreadyExists
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now().UTC()
	cp := *e
	s.evKeys[k] = true
	s.evidence[e.FactID] = append(s.evidence[e.FactID], &cp)
	return nil
}

func (s *MemoryStore) ListEvidence(_ context.Context, factID uuid.UUID) ([]*Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.evidence[factID]
	out := make([]*Evidence, len(list))
	for i, e := range list {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) ListByPatient(_ context.Context, patientID string) ([]*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Fact
	for _, id := range s.order {
		if f := s.facts[id]; f.PatientID == patientID {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeletePatient(_ context.Context, patientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	n := 0
	for _, id := range s.order {
		f := s.facts[id]
		if f.PatientID != patientID {
			kept = append(kept, id)
			continue
		}
		for _, e := range s.evidence[id] {
			delete(s.evKeys, evidenceKey{factID: id, sourceID: e.SourceID, sourceTable: e.SourceTable})
		}
		delete(s.evidence, id)
		delete(s.byKey, f.Key())
		delete(s.facts, id)
		n++
	}
	s.order = kept
	return n, nil
}
