// Package graph projects a patient's clinical facts into a property graph
// with the patient as hub and one node per distinct concept.
package graph

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/normalizer/internal/domain/ontology"
)

// ErrAlreadyExists is returned by a Store when a node or edge key is taken.
var ErrAlreadyExists = errors.New("already exists")

type NodeType string

const (
	NodePatient     NodeType = "patient"
	NodeCondition   NodeType = "condition"
	NodeDrug        NodeType = "drug"
	NodeMeasurement NodeType = "measurement"
	NodeProcedure   NodeType = "procedure"
	NodeObservation NodeType = "observation"
)

type EdgeType string

const (
	EdgeHasCondition   EdgeType = "has_condition"
	EdgeTakesDrug      EdgeType = "takes_drug"
	EdgeHasMeasurement EdgeType = "has_measurement"
	EdgeHasProcedure   EdgeType = "has_procedure"
	EdgeHasObservation EdgeType = "has_observation"
)

// NodeTypeFor maps a fact domain to its node type. Domains without a node
// type of their own become observations.
func NodeTypeFor(d ontology.Domain) NodeType {
	switch d {
	case ontology.DomainCondition:
		return NodeCondition
	case ontology.DomainDrug:
		return NodeDrug
	case ontology.DomainMeasurement:
		return NodeMeasurement
	case ontology.DomainProcedure:
		return NodeProcedure
	default:
		return NodeObservation
	}
}

func EdgeTypeFor(d ontology.Domain) EdgeType {
	switch d {
	case ontology.DomainCondition:
		return EdgeHasCondition
	case ontology.DomainDrug:
		return EdgeTakesDrug
	case ontology.DomainMeasurement:
		return EdgeHasMeasurement
	case ontology.DomainProcedure:
		return EdgeHasProcedure
	default:
		return EdgeHasObservation
	}
}

// NodeKey identifies a node. The patient hub has ConceptID 0.
type NodeKey struct {
	PatientID string
	Type      NodeType
	ConceptID int64
}

// PatientKey is the key of the patient's hub node.
func PatientKey(patientID string) NodeKey {
	return NodeKey{PatientID: patientID, Type: NodePatient}
}

type EdgeKey struct {
	Source uuid.UUID
	Target uuid.UUID
	Type   EdgeType
}

type Node struct {
	ID         uuid.UUID      `json:"id"`
	PatientID  string         `json:"patient_id"`
	Type       NodeType       `json:"node_type"`
	ConceptID  int64          `json:"concept_id,omitempty"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (n *Node) Key() NodeKey {
	return NodeKey{PatientID: n.PatientID, Type: n.Type, ConceptID: n.ConceptID}
}

// IsNegated reports the is_negated property set when the node was projected.
func (n *Node) IsNegated() bool {
	v, _ := n.Properties["is_negated"].(bool)
	return v
}

type Edge struct {
	ID         uuid.UUID      `json:"id"`
	PatientID  string         `json:"patient_id"`
	SourceID   uuid.UUID      `json:"source_node_id"`
	TargetID   uuid.UUID      `json:"target_node_id"`
	Type       EdgeType       `json:"edge_type"`
	FactID     *uuid.UUID     `json:"fact_id,omitempty"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (e *Edge) Key() EdgeKey {
	return EdgeKey{Source: e.SourceID, Target: e.TargetID, Type: e.Type}
}

// Result summarizes one graph build. Counts are totals for the patient
// after the build; the created counters cover this build only.
type Result struct {
	PatientID    string `json:"patient_id"`
	NodeCount    int    `json:"node_count"`
	EdgeCount    int    `json:"edge_count"`
	NodesCreated int    `json:"nodes_created"`
	EdgesCreated int    `json:"edges_created"`
	FactsSkipped int    `json:"facts_skipped"`
}

type PatientGraph struct {
	PatientID string  `json:"patient_id"`
	Nodes     []*Node `json:"nodes"`
	Edges     []*Edge `json:"edges"`
}
