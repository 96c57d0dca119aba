package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.ObserveDocument("ok", 20*time.Millisecond)
	m.ObserveDocument("ok", 30*time.Millisecond)
	m.ObserveDocument("error", time.Millisecond)
	m.ObserveMention("absent")
	m.ObserveFact("created")
	m.ObserveFact("merged")
	m.ObserveFact("merged")
	m.ObserveMapping("exact")
	m.ObserveGraph(4, 3)
	m.ObserveRecords("created", 5)
	m.ObserveRecords("skipped", 0)
	m.SetVocabularySize(14)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.documents.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.documents.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mentions.WithLabelValues("absent")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.facts.WithLabelValues("merged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mappings.WithLabelValues("exact")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.graphNodes))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.graphEdges))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.records.WithLabelValues("created")))
	assert.Equal(t, 14.0, testutil.ToFloat64(m.vocabularySize))
	assert.Equal(t, 1, testutil.CollectAndCount(m.records))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDocument("ok", time.Second)
		m.ObserveMention("present")
		m.ObserveFact("created")
		m.ObserveMapping("fuzzy")
		m.ObserveGraph(1, 1)
		m.ObserveRecords("created", 1)
		m.SetVocabularySize(1)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveFact("created")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `normalizer_facts_total{outcome="created"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
