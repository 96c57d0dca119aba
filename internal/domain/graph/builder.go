package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/normalizer/internal/domain/facts"
	"github.com/ehr/normalizer/internal/domain/ontology"
)

// FactReader supplies the facts to project. *facts.Builder implements it.
type FactReader interface {
	FactsForPatient(ctx context.Context, patientID string, filter facts.Filter) ([]*facts.Fact, error)
}

// Observer is told how many nodes and edges a build created, for metrics.
type Observer interface {
	ObserveGraph(nodesCreated, edgesCreated int)
}

// Builder owns node and edge creation. Its caches are scoped to one unit of
// work, so it is not safe for concurrent use.
type Builder struct {
	facts    FactReader
	store    Store
	logger   zerolog.Logger
	observer Observer

	hubs  map[string]*Node
	nodes map[NodeKey]*Node
	edges map[EdgeKey]*Edge
}

func NewBuilder(reader FactReader, store Store, logger zerolog.Logger) *Builder {
	return &Builder{
		facts:  reader,
		store:  store,
		logger: logger,
		hubs:   make(map[string]*Node),
		nodes:  make(map[NodeKey]*Node),
		edges:  make(map[EdgeKey]*Edge),
	}
}

func (b *Builder) SetObserver(o Observer) {
	b.observer = o
}

// EnsurePatientNode returns the patient's hub node, creating it if absent.
func (b *Builder) EnsurePatientNode(ctx context.Context, patientID string) (*Node, bool, error) {
	if n, ok := b.hubs[patientID]; ok {
		return n, false, nil
	}
	n, created, err := b.ensureNode(ctx, &Node{
		PatientID:  patientID,
		Type:       NodePatient,
		Label:      patientID,
		Properties: map[string]any{"type": string(NodePatient)},
	})
	if err != nil {
		return nil, false, err
	}
	b.hubs[patientID] = n
	return n, created, nil
}

// ensureNode finds want by key or inserts it. A lost insert race re-reads
// the winner.
func (b *Builder) ensureNode(ctx context.Context, want *Node) (*Node, bool, error) {
	key := want.Key()
	if n, ok := b.nodes[key]; ok {
		return n, false, nil
	}
	n, err := b.store.FindNode(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("node lookup: %w", err)
	}
	created := false
	if n == nil {
		want.ID = uuid.New()
		switch err := b.store.InsertNode(ctx, want); {
		case err == nil:
			n, created = want, true
		case errors.Is(err, ErrAlreadyExists):
			if n, err = b.store.FindNode(ctx, key); err != nil || n == nil {
				return nil, false, fmt.Errorf("node refetch %v: %w", key, errors.Join(err, ErrAlreadyExists))
			}
		default:
			return nil, false, err
		}
	}
	b.nodes[key] = n
	return n, created, nil
}

func (b *Builder) ensureEdge(ctx context.Context, want *Edge) (*Edge, bool, error) {
	key := want.Key()
	if e, ok := b.edges[key]; ok {
		return e, false, nil
	}
	e, err := b.store.FindEdge(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("edge lookup: %w", err)
	}
	created := false
	if e == nil {
		want.ID = uuid.New()
		switch err := b.store.InsertEdge(ctx, want); {
		case err == nil:
			e, created = want, true
		case errors.Is(err, ErrAlreadyExists):
			if e, err = b.store.FindEdge(ctx, key); err != nil || e == nil {
				return nil, false, fmt.Errorf("edge refetch: %w", errors.Join(err, ErrAlreadyExists))
			}
		default:
			return nil, false, err
		}
	}
	b.edges[key] = e
	return e, created, nil
}

// ProjectFact links the fact's concept node to the patient hub. The node
// keeps the properties of the first fact projected onto it.
func (b *Builder) ProjectFact(ctx context.Context, hub *Node, f *facts.Fact) (nodeCreated, edgeCreated bool, err error) {
	factID := f.ID
	node, nodeCreated, err := b.ensureNode(ctx, &Node{
		PatientID: f.PatientID,
		Type:      NodeTypeFor(f.Domain),
		ConceptID: f.ConceptID,
		Label:     f.ConceptName,
		Properties: map[string]any{
			"assertion":    string(f.Assertion),
			"temporality":  string(f.Temporality),
			"experiencer":  string(f.Experiencer),
			"fact_id":      factID.String(),
			"concept_id":   f.ConceptID,
			"domain":       string(f.Domain),
			"is_negated":   f.Assertion == ontology.AssertionAbsent,
			"is_uncertain": f.Assertion == ontology.AssertionPossible,
		},
	})
	if err != nil {
		return false, false, err
	}
	_, edgeCreated, err = b.ensureEdge(ctx, &Edge{
		PatientID:  f.PatientID,
		SourceID:   hub.ID,
		TargetID:   node.ID,
		Type:       EdgeTypeFor(f.Domain),
		FactID:     &factID,
		Properties: map[string]any{"assertion": string(f.Assertion)},
	})
	if err != nil {
		return nodeCreated, false, err
	}
	return nodeCreated, edgeCreated, nil
}

// BuildGraphForPatient projects every fact of the patient, negated ones
// included. Unmapped facts are skipped since they share concept id 0.
func (b *Builder) BuildGraphForPatient(ctx context.Context, patientID string) (*Result, error) {
	res := &Result{PatientID: patientID}
	hub, created, err := b.EnsurePatientNode(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if created {
		res.NodesCreated++
	}

	list, err := b.facts.FactsForPatient(ctx, patientID, facts.Filter{})
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	for _, f := range list {
		if f.IsUnmapped() {
			res.FactsSkipped++
			continue
		}
		nodeCreated, edgeCreated, err := b.ProjectFact(ctx, hub, f)
		if err != nil {
			return nil, fmt.Errorf("project fact %s: %w", f.ID, err)
		}
		if nodeCreated {
			res.NodesCreated++
		}
		if edgeCreated {
			res.EdgesCreated++
		}
	}

	nodes, err := b.store.ListNodes(ctx, patientID)
	if err != nil {
		return nil, err
	}
	edges, err := b.store.ListEdges(ctx, patientID)
	if err != nil {
		return nil, err
	}
	res.NodeCount, res.EdgeCount = len(nodes), len(edges)

	if b.observer != nil {
		b.observer.ObserveGraph(res.NodesCreated, res.EdgesCreated)
	}
	b.logger.Info().
		Str("patient_id", patientID).
		Int("nodes", res.NodeCount).
		Int("edges", res.EdgeCount).
		Int("nodes_created", res.NodesCreated).
		Int("edges_created", res.EdgesCreated).
		Int("facts_skipped", res.FactsSkipped).
		Msg("patient graph built")
	return res, nil
}

func (b *Builder) PatientGraph(ctx context.Context, patientID string) (*PatientGraph, error) {
	nodes, err := b.store.ListNodes(ctx, patientID)
	if err != nil {
		return nil, err
	}
	edges, err := b.store.ListEdges(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return &PatientGraph{PatientID: patientID, Nodes: nodes, Edges: edges}, nil
}

// NegatedNodes returns concept nodes projected from absent findings.
func (b *Builder) NegatedNodes(ctx context.Context, patientID string) ([]*Node, error) {
	nodes, err := b.store.ListNodes(ctx, patientID)
	if err != nil {
		return nil, err
	}
	var out []*Node
	for _, n := range nodes {
		if n.IsNegated() {
			out = append(out, n)
		}
	}
	return out, nil
}

// PurgePatient removes the patient's graph and clears the caches.
func (b *Builder) PurgePatient(ctx context.Context, patientID string) (int, error) {
	n, err := b.store.DeletePatient(ctx, patientID)
	if err != nil {
		return 0, err
	}
	delete(b.hubs, patientID)
	for k := range b.nodes {
		if k.PatientID == patientID {
			delete(b.nodes, k)
		}
	}
	for k, e := range b.edges {
		if e.PatientID == patientID {
			delete(b.edges, k)
		}
	}
	return n, nil
}
