package graph

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists nodes and edges. Lookups that find nothing return nil, nil.
type Store interface {
	FindNode(ctx context.Context, key NodeKey) (*Node, error)
	FindEdge(ctx context.Context, key EdgeKey) (*Edge, error)
	// InsertNode and InsertEdge return ErrAlreadyExists when the key is taken.
	InsertNode(ctx context.Context, n *Node) error
	InsertEdge(ctx context.Context, e *Edge) error
	ListNodes(ctx context.Context, patientID string) ([]*Node, error)
	ListEdges(ctx context.Context, patientID string) ([]*Edge, error)
	DeletePatient(ctx context.Context, patientID string) (int, error)
}

// MemoryStore is a Store backed by maps, safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	nodes     map[NodeKey]*Node
	edges     map[EdgeKey]*Edge
	nodeOrder []NodeKey
	edgeOrder []EdgeKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[NodeKey]*Node),
		edges: make(map[EdgeKey]*Edge),
	}
}

func copyNode(n *Node) *Node {
	cp := *n
	cp.Properties = maps.Clone(n.Properties)
	return &cp
}

func copyEdge(e *Edge) *Edge {
	cp := *e
	cp.Properties = maps.Clone(e.Properties)
	return &cp
}

func (s *MemoryStore) FindNode(_ context.Context, key NodeKey) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.nodes[key]; ok {
		return copyNode(n), nil
	}
	return nil, nil
}

func (s *MemoryStore) FindEdge(_ context.Context, key EdgeKey) (*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.edges[key]; ok {
		return copyEdge(e), nil
	}
	return nil, nil
}

func (s *MemoryStore) InsertNode(_ context.Context, n *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := n.Key()
	if _, ok := s.nodes[key]; ok {
		return ErrAlreadyExists
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = time.Now().UTC()
	s.nodes[key] = copyNode(n)
	s.nodeOrder = append(s.nodeOrder, key)
	return nil
}

func (s *MemoryStore) InsertEdge(_ context.Context, e *Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := e.Key()
	if _, ok := s.edges[key]; ok {
		return ErrAlreadyExists
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now().UTC()
	s.edges[key] = copyEdge(e)
	s.edgeOrder = append(s.edgeOrder, key)
	return nil
}

func (s *MemoryStore) ListNodes(_ context.Context, patientID string) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Node
	for _, k := range s.nodeOrder {
		if k.PatientID == patientID {
			out = append(out, copyNode(s.nodes[k]))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListEdges(_ context.Context, patientID string) ([]*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Edge
	for _, k := range s.edgeOrder {
		if e := s.edges[k]; e.PatientID == patientID {
			out = append(out, copyEdge(e))
		}
	}
	return out, nil
}

// DeletePatient removes the patient's nodes and every edge touching them.
// It returns the number of nodes removed.
func (s *MemoryStore) DeletePatient(_ context.Context, patientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make(map[uuid.UUID]bool)
	nodes := s.nodeOrder[:0]
	for _, k := range s.nodeOrder {
		if k.PatientID == patientID {
			removed[s.nodes[k].ID] = true
			delete(s.nodes, k)
			continue
		}
		nodes = append(nodes, k)
	}
	s.nodeOrder = nodes

	edges := s.edgeOrder[:0]
	for _, k := range s.edgeOrder {
		if removed[k.Source] || removed[k.Target] {
			delete(s.edges, k)
			continue
		}
		edges = append(edges, k)
	}
	s.edgeOrder = edges
	return len(removed), nil
}
