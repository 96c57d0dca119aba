// Package pipeline runs clinical notes through extraction, concept mapping,
// fact building and graph projection.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/normalizer/internal/domain/facts"
	"github.com/ehr/normalizer/internal/domain/graph"
	"github.com/ehr/normalizer/internal/domain/mapping"
	"github.com/ehr/normalizer/internal/domain/note"
	"github.com/ehr/normalizer/internal/export/omop"
	"github.com/ehr/normalizer/internal/nlp/extract"
)

// ErrInvalidDocument is returned for a document without a patient.
var ErrInvalidDocument = errors.New("invalid document")

// DefaultCandidates is how many candidates are kept per mention.
const DefaultCandidates = 3

// Observer receives pipeline events, usually *metrics.Metrics.
type Observer interface {
	facts.Observer
	graph.Observer
	ObserveDocument(status string, elapsed time.Duration)
	ObserveMention(assertion string)
	ObserveRecords(outcome string, n int)
}

// DocumentResult is what processing one document produced.
type DocumentResult struct {
	DocumentID   uuid.UUID            `json:"document_id"`
	PatientID    string               `json:"patient_id"`
	Mentions     []omop.MentionRecord `json:"mentions"`
	FactIDs      []uuid.UUID          `json:"fact_ids"`
	FactsCreated int                  `json:"facts_created"`
	FactsMerged  int                  `json:"facts_merged"`
	Unmapped     int                  `json:"unmapped"`
	Graph        *graph.Result        `json:"graph,omitempty"`
	Elapsed      time.Duration        `json:"elapsed_ns"`
}

// TxFunc runs fn as one atomic unit. Stores find the transaction, if any,
// in fn's context.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func noTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type Option func(*Pipeline)

func WithLocker(l PatientLocker) Option {
	return func(p *Pipeline) { p.locker = l }
}

// WithTx makes each document's fact writes, each graph rebuild and each
// purge atomic. The memory stores need none.
func WithTx(tx TxFunc) Option {
	return func(p *Pipeline) {
		if tx != nil {
			p.tx = tx
		}
	}
}

// WithGraph projects the patient graph after the facts are built.
func WithGraph(enabled bool) Option {
	return func(p *Pipeline) { p.buildGraph = enabled }
}

func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithCandidates(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.candidates = n
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// Pipeline is safe for concurrent use. Builders are created per unit of work
// and every unit holds the patient lock while it runs.
type Pipeline struct {
	extractor  *extract.Extractor
	mapper     *mapping.Mapper
	factStore  facts.Store
	graphStore graph.Store
	locker     PatientLocker
	tx         TxFunc
	observer   Observer
	logger     zerolog.Logger
	workers    int
	candidates int
	buildGraph bool
}

func New(extractor *extract.Extractor, mapper *mapping.Mapper, factStore facts.Store, graphStore graph.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		extractor:  extractor,
		mapper:     mapper,
		factStore:  factStore,
		graphStore: graphStore,
		locker:     NewKeyedMutex(),
		tx:         noTx,
		logger:     zerolog.Nop(),
		workers:    4,
		candidates: DefaultCandidates,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pipeline) factBuilder() *facts.Builder {
	b := facts.NewBuilder(p.factStore, p.logger)
	if p.observer != nil {
		b.SetObserver(p.observer)
	}
	return b
}

func (p *Pipeline) graphBuilder(fb *facts.Builder) *graph.Builder {
	b := graph.NewBuilder(fb, p.graphStore, p.logger)
	if p.observer != nil {
		b.SetObserver(p.observer)
	}
	return b
}

// ProcessDocument extracts, maps and stores the facts of one document, then
// rebuilds the patient graph when enabled.
func (p *Pipeline) ProcessDocument(ctx context.Context, doc *note.Document) (*DocumentResult, error) {
	if err := validate(doc); err != nil {
		return nil, err
	}
	ctx, unlock, err := p.locker.Lock(ctx, doc.PatientID)
	if err != nil {
		return nil, fmt.Errorf("lock patient %s: %w", doc.PatientID, err)
	}
	defer unlock()

	fb := p.factBuilder()
	res, err := p.processTx(ctx, fb, doc)
	if err != nil {
		return nil, err
	}
	if p.buildGraph {
		if res.Graph, err = p.buildGraphTx(ctx, fb, doc.PatientID); err != nil {
			return nil, fmt.Errorf("build graph for %s: %w", doc.PatientID, err)
		}
	}
	return res, nil
}

// processTx runs process in one transaction, so a failed document leaves
// none of its facts behind.
func (p *Pipeline) processTx(ctx context.Context, fb *facts.Builder, doc *note.Document) (*DocumentResult, error) {
	var res *DocumentResult
	err := p.tx(ctx, func(ctx context.Context) error {
		var err error
		res, err = p.process(ctx, fb, doc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) buildGraphTx(ctx context.Context, fb *facts.Builder, patientID string) (*graph.Result, error) {
	var res *graph.Result
	err := p.tx(ctx, func(ctx context.Context) error {
		var err error
		res, err = p.graphBuilder(fb).BuildGraphForPatient(ctx, patientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func validate(doc *note.Document) error {
	switch {
	case doc == nil:
		return fmt.Errorf("%w: nil document", ErrInvalidDocument)
	case doc.PatientID == "":
		return fmt.Errorf("%w: document %s has no patient_id", ErrInvalidDocument, doc.ID)
	}
	return nil
}

// process runs one document through extraction, mapping and fact building.
// The caller holds the patient lock.
func (p *Pipeline) process(ctx context.Context, fb *facts.Builder, doc *note.Document) (res *DocumentResult, err error) {
	start := time.Now()
	defer func() {
		if p.observer == nil {
			return
		}
		status := "ok"
		if err != nil {
			status = "error"
		}
		p.observer.ObserveDocument(status, time.Since(start))
	}()

	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	mentions, err := p.extractor.Extract(doc.Text, doc.ID, doc.NoteType)
	if err != nil {
		return nil, err
	}

	res = &DocumentResult{DocumentID: doc.ID, PatientID: doc.PatientID}
	for _, m := range mentions {
		if p.observer != nil {
			p.observer.ObserveMention(string(m.Assertion))
		}
		rec := omop.MentionRecord{
			ID:         note.MentionID(doc.ID, m.Start, m.End),
			DocumentID: doc.ID,
			Mention:    m,
			CreatedAt:  doc.CreatedAt,
		}
		if rec.Candidates, err = p.mapper.Map(ctx, m.Text, "", p.candidates); err != nil {
			return nil, err
		}
		res.Mentions = append(res.Mentions, rec)

		in := factInput(doc.PatientID, m, rec.Candidates)
		if in.ConceptID == 0 {
			res.Unmapped++
		}
		out, err := fb.CreateFactFromMention(ctx, rec.ID, in)
		if err != nil {
			return nil, fmt.Errorf("fact for mention %q at %d: %w", m.Text, m.Start, err)
		}
		if out.Created {
			res.FactsCreated++
		} else {
			res.FactsMerged++
		}
		res.FactIDs = append(res.FactIDs, out.Fact.ID)
	}

	res.Elapsed = time.Since(start)
	p.logger.Info().
		Str("document_id", doc.ID.String()).
		Str("patient_id", doc.PatientID).
		Int("mentions", len(res.Mentions)).
		Int("facts_created", res.FactsCreated).
		Int("facts_merged", res.FactsMerged).
		Int("unmapped", res.Unmapped).
		Dur("elapsed", res.Elapsed).
		Msg("document processed")
	return res, nil
}

// factInput carries the mention context onto its best candidate. The fact
// confidence is the extraction confidence scaled by the mapping score; a
// mention without candidates becomes an unmapped fact.
func factInput(patientID string, m extract.Mention, cands []mapping.Candidate) facts.Input {
	in := facts.Input{
		PatientID:   patientID,
		Domain:      m.DomainHint,
		ConceptName: m.LexicalVariant,
		Assertion:   m.Assertion,
		Temporality: m.Temporality,
		Experiencer: m.Experiencer,
		Confidence:  m.Confidence,
	}
	if in.ConceptName == "" {
		in.ConceptName = m.Text
	}
	if len(cands) > 0 {
		best := cands[0]
		in.ConceptID = best.ConceptID
		in.ConceptName = best.ConceptName
		in.Domain = best.Domain
		in.Confidence = min(max(m.Confidence*best.Score, 0), 1)
	}
	return in
}

// PurgeResult counts what PurgePatient deleted.
type PurgeResult struct {
	Facts int `json:"facts"`
	Nodes int `json:"nodes"`
}

// PurgePatient removes the patient's graph and then the patient's facts.
func (p *Pipeline) PurgePatient(ctx context.Context, patientID string) (*PurgeResult, error) {
	ctx, unlock, err := p.locker.Lock(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("lock patient %s: %w", patientID, err)
	}
	defer unlock()

	fb := p.factBuilder()
	res := &PurgeResult{}
	err = p.tx(ctx, func(ctx context.Context) error {
		nodes, err := p.graphBuilder(fb).PurgePatient(ctx, patientID)
		if err != nil {
			return fmt.Errorf("purge graph: %w", err)
		}
		n, err := fb.PurgePatient(ctx, patientID)
		if err != nil {
			return fmt.Errorf("purge facts: %w", err)
		}
		res.Facts, res.Nodes = n, nodes
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info().Str("patient_id", patientID).Int("facts", res.Facts).Int("nodes", res.Nodes).Msg("patient purged")
	return res, nil
}

// BuildGraph rebuilds one patient's graph from the stored facts.
func (p *Pipeline) BuildGraph(ctx context.Context, patientID string) (*graph.Result, error) {
	ctx, unlock, err := p.locker.Lock(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("lock patient %s: %w", patientID, err)
	}
	defer unlock()
	return p.buildGraphTx(ctx, p.factBuilder(), patientID)
}

// PatientGraph reads a patient's stored graph.
func (p *Pipeline) PatientGraph(ctx context.Context, patientID string) (*graph.PatientGraph, error) {
	return p.graphBuilder(p.factBuilder()).PatientGraph(ctx, patientID)
}
