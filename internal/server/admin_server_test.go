package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kbr-scylla/scylladb-sub001/internal/compaction"
	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/kbr-scylla/scylladb-sub001/internal/metrics"
	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/sstable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeCompactions struct {
	majors  []string
	flushes []string
}

func (f *fakeCompactions) Backlog(table string) (float64, error) {
	if table != "events" {
		return 0, errors.TableNotFound(table)
	}
	return 42.5, nil
}

func (f *fakeCompactions) PendingCompactions(table string) (int64, error) {
	if table != "events" {
		return 0, errors.TableNotFound(table)
	}
	return 3, nil
}

func (f *fakeCompactions) MajorCompaction(_ context.Context, table string) (*compaction.Result, error) {
	f.majors = append(f.majors, table)
	if table == "busy" {
		return nil, errors.DiskFull(97, 1024)
	}
	return &compaction.Result{
		RunID:        model.NewRunID(),
		BytesRead:    2048,
		BytesWritten: 1024,
		Duration:     5 * time.Millisecond,
	}, nil
}

func (f *fakeCompactions) Flush(_ context.Context, table string) (*sstable.SSTable, error) {
	f.flushes = append(f.flushes, table)
	return nil, nil
}

type fakeProbes struct{ ready bool }

func (p fakeProbes) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (p fakeProbes) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !p.ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func newTestServer(t *testing.T, c Compactions, probes Probes) (*httptest.Server, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("node-1", reg)
	cfg := &AdminServerConfig{DataDir: t.TempDir(), Gatherer: reg}
	s := NewAdminServer(cfg, c, probes, m, zaptest.NewLogger(t))
	ts := httptest.NewServer(s.Router(cfg))
	t.Cleanup(ts.Close)
	return ts, m
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestTableEndpoints(t *testing.T) {
	comp := &fakeCompactions{}
	ts, _ := newTestServer(t, comp, fakeProbes{ready: true})

	resp, err := http.Get(ts.URL + "/v1/tables/events/backlog")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 42.5, decode(t, resp)["backlog"])

	resp, err = http.Get(ts.URL + "/v1/tables/events/pending")
	require.NoError(t, err)
	assert.Equal(t, 3.0, decode(t, resp)["pending_compactions"])

	resp, err = http.Post(ts.URL+"/v1/tables/events/compact", contentTypeJSON, nil)
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, true, body["compacted"])
	assert.Equal(t, 1024.0, body["bytes_written"])

	resp, err = http.Post(ts.URL+"/v1/tables/events/flush", contentTypeJSON, nil)
	require.NoError(t, err)
	assert.Equal(t, false, decode(t, resp)["flushed"])

	assert.Equal(t, []string{"events"}, comp.majors)
	assert.Equal(t, []string{"events"}, comp.flushes)
}

func TestErrorsMapToStatus(t *testing.T) {
	ts, _ := newTestServer(t, &fakeCompactions{}, fakeProbes{ready: true})

	resp, err := http.Get(ts.URL + "/v1/tables/missing/backlog")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, float64(errors.ErrCodeTableNotFound), decode(t, resp)["code"])

	resp, err = http.Post(ts.URL+"/v1/tables/busy/compact", contentTypeJSON, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInsufficientStorage, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/v1/tables/events/compact")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestProbesAndMetrics(t *testing.T) {
	ts, m := newTestServer(t, &fakeCompactions{}, fakeProbes{ready: false})
	m.UpdateTableStats("events", metrics.TableStats{Backlog: 7})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `compactiond_table_compaction_backlog{node_id="node-1",table="events"} 7`))
}
