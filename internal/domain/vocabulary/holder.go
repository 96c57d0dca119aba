package vocabulary

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Source produces concepts in registration order.
type Source interface {
	Concepts(ctx context.Context) ([]*Concept, error)
}

// Holder publishes the current Index. Readers never block; a reload builds a
// complete new index before swapping it in.
type Holder struct {
	source Source
	logger zerolog.Logger

	current atomic.Pointer[Index]
	loadMu  sync.Mutex
}

func NewHolder(source Source, logger zerolog.Logger) *Holder {
	return &Holder{source: source, logger: logger}
}

// Index returns the published snapshot or ErrNotLoaded.
func (h *Holder) Index() (*Index, error) {
	if idx := h.current.Load(); idx != nil {
		return idx, nil
	}
	return nil, ErrNotLoaded
}

func (h *Holder) Loaded() bool { return h.current.Load() != nil }

// Load builds the index once. Later calls are no-ops.
func (h *Holder) Load(ctx context.Context) error {
	if h.Loaded() {
		return nil
	}
	h.loadMu.Lock()
	defer h.loadMu.Unlock()
	if h.Loaded() {
		return nil
	}
	return h.reloadLocked(ctx)
}

// Reload rebuilds from the source and swaps the result in. On failure the
// previous index stays published.
func (h *Holder) Reload(ctx context.Context) error {
	h.loadMu.Lock()
	defer h.loadMu.Unlock()
	return h.reloadLocked(ctx)
}

func (h *Holder) reloadLocked(ctx context.Context) error {
	if h.source == nil {
		return fmt.Errorf("vocabulary: no source configured")
	}
	start := time.Now()
	concepts, err := h.source.Concepts(ctx)
	if err != nil {
		return fmt.Errorf("load vocabulary: %w", err)
	}
	idx := Build(concepts)
	h.current.Store(idx)

	st := idx.Stats()
	h.logger.Info().
		Int("concepts", st.Concepts).
		Int("terms", st.Terms).
		Uint64("version", st.Version).
		Dur("elapsed", time.Since(start)).
		Msg("vocabulary loaded")
	return nil
}

// Swap publishes a prebuilt index.
func (h *Holder) Swap(idx *Index) {
	h.current.Store(idx)
}

// NewStaticHolder wraps an already built index with no backing source.
func NewStaticHolder(concepts []*Concept) *Holder {
	h := &Holder{logger: zerolog.Nop()}
	h.Swap(Build(concepts))
	return h
}
