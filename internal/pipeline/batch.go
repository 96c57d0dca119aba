package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ehr/normalizer/internal/domain/graph"
	"github.com/ehr/normalizer/internal/domain/note"
	"github.com/ehr/normalizer/internal/domain/vocabulary"
	"github.com/ehr/normalizer/internal/ingest"
)

// Failure records a document the batch could not process.
type Failure struct {
	DocumentID string `json:"document_id,omitempty"`
	PatientID  string `json:"patient_id,omitempty"`
	Error      string `json:"error"`
}

// BatchResult tallies a ProcessBatch call. Documents is in input order and
// holds nil for failed documents.
type BatchResult struct {
	Documents []*DocumentResult        `json:"documents"`
	Graphs    map[string]*graph.Result `json:"graphs,omitempty"`
	Created   int                      `json:"created"`
	Updated   int                      `json:"updated"`
	Skipped   int                      `json:"skipped"`
	Unmapped  int                      `json:"unmapped"`
	Errors    int                      `json:"errors"`
	Failures  []Failure                `json:"failures,omitempty"`
}

type patientGroup struct {
	patientID string
	positions []int
}

// groupByPatient keeps patients in first-seen order and documents in input
// order within a patient. Invalid documents are returned separately.
func groupByPatient(docs []*note.Document) (groups []*patientGroup, invalid []int) {
	byPatient := make(map[string]*patientGroup)
	for i, doc := range docs {
		if validate(doc) != nil {
			invalid = append(invalid, i)
			continue
		}
		g, ok := byPatient[doc.PatientID]
		if !ok {
			g = &patientGroup{patientID: doc.PatientID}
			byPatient[doc.PatientID] = g
			groups = append(groups, g)
		}
		g.positions = append(g.positions, i)
	}
	return groups, invalid
}

// ProcessBatch processes documents with up to workers patients in flight.
// Each patient runs under its lock with one builder pair, so a patient's
// documents are handled in input order. A failed document is counted and the
// rest continue; only an unloaded vocabulary aborts the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, docs []*note.Document) (*BatchResult, error) {
	res := &BatchResult{Documents: make([]*DocumentResult, len(docs))}
	if p.buildGraph {
		res.Graphs = make(map[string]*graph.Result)
	}

	groups, invalid := groupByPatient(docs)
	for _, i := range invalid {
		res.Errors++
		res.Failures = append(res.Failures, Failure{Error: validate(docs[i]).Error()})
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, grp := range groups {
		g.Go(func() error {
			lctx, unlock, err := p.locker.Lock(gctx, grp.patientID)
			if err != nil {
				mu.Lock()
				defer mu.Unlock()
				for _, i := range grp.positions {
					res.fail(docs[i], err)
				}
				return nil
			}
			defer unlock()

			fb := p.factBuilder()
			processed := 0
			for _, i := range grp.positions {
				dr, err := p.processTx(lctx, fb, docs[i])
				if errors.Is(err, vocabulary.ErrNotLoaded) {
					return err
				}
				mu.Lock()
				if err != nil {
					res.fail(docs[i], err)
				} else {
					res.add(i, dr)
					processed++
				}
				mu.Unlock()
			}

			if !p.buildGraph || processed == 0 {
				return nil
			}
			gr, err := p.buildGraphTx(lctx, fb, grp.patientID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors++
				res.Failures = append(res.Failures, Failure{PatientID: grp.patientID, Error: fmt.Sprintf("build graph: %v", err)})
				return nil
			}
			res.Graphs[grp.patientID] = gr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	p.logger.Info().
		Int("documents", len(docs)).
		Int("patients", len(groups)).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("skipped", res.Skipped).
		Int("unmapped", res.Unmapped).
		Int("errors", res.Errors).
		Msg("batch processed")
	return res, nil
}

func (r *BatchResult) add(i int, dr *DocumentResult) {
	r.Documents[i] = dr
	r.Created += dr.FactsCreated
	r.Updated += dr.FactsMerged
	r.Unmapped += dr.Unmapped
	if len(dr.Mentions) == 0 {
		r.Skipped++
	}
}

func (r *BatchResult) fail(doc *note.Document, err error) {
	r.Errors++
	r.Failures = append(r.Failures, Failure{DocumentID: doc.ID.String(), PatientID: doc.PatientID, Error: err.Error()})
}

// LoadRecords stores structured records patient by patient under the patient
// lock, rebuilding each touched graph when graph projection is enabled.
func (p *Pipeline) LoadRecords(ctx context.Context, loader *ingest.Loader, records []ingest.Record) (total ingest.BatchResult, err error) {
	if p.observer != nil {
		defer func() {
			p.observer.ObserveRecords("created", total.Created)
			p.observer.ObserveRecords("updated", total.Updated)
			p.observer.ObserveRecords("skipped", total.Skipped)
			p.observer.ObserveRecords("unmapped", total.Unmapped)
			p.observer.ObserveRecords("error", total.Errors)
		}()
	}

	order := []string{}
	byPatient := make(map[string][]ingest.Record)
	for _, rec := range records {
		if _, ok := byPatient[rec.PatientID]; !ok {
			order = append(order, rec.PatientID)
		}
		byPatient[rec.PatientID] = append(byPatient[rec.PatientID], rec)
	}

	for _, patientID := range order {
		batch := byPatient[patientID]
		if patientID == "" {
			res, err := loader.LoadBatch(ctx, p.factBuilder(), batch)
			total.Add(res)
			if err != nil {
				return total, err
			}
			continue
		}

		lctx, unlock, err := p.locker.Lock(ctx, patientID)
		if err != nil {
			return total, fmt.Errorf("lock patient %s: %w", patientID, err)
		}
		fb := p.factBuilder()
		var res ingest.BatchResult
		err = p.tx(lctx, func(ctx context.Context) error {
			var err error
			res, err = loader.LoadBatch(ctx, fb, batch)
			return err
		})
		total.Add(res)
		if err == nil && p.buildGraph && res.Created+res.Updated > 0 {
			if _, gerr := p.buildGraphTx(lctx, fb, patientID); gerr != nil {
				total.Errors++
				total.Failures = append(total.Failures, ingest.Failure{SourceID: "graph:" + patientID, Error: gerr.Error()})
			}
		}
		unlock()
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
