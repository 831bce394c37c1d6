package engine

import (
	"net/http"
	"strconv"

	"analyticdb/internal/compaction"
	"analyticdb/pkg/types"
)

const (
	metricWriteRows       = "analyticdb_write_rows_total"
	metricWriteSubBatches = "analyticdb_write_sub_batches_total"
	metricWriteErrors     = "analyticdb_write_errors_total"
	metricFlushes         = "analyticdb_flushes_total"
	metricMemtableBytes   = "analyticdb_memtable_bytes"
	metricSSTFiles        = "analyticdb_sst_files"
	metricSSTBytes        = "analyticdb_sst_bytes"
	metricSpaceUsed       = "analyticdb_space_write_buffer_bytes"
	metricDBUsed          = "analyticdb_db_write_buffer_bytes"
	metricCacheEntries    = "analyticdb_sst_cache_entries"
	metricCompactions     = "analyticdb_compaction_tasks"
)

func tableLabels(id types.TableID) map[string]string {
	return map[string]string{"table": strconv.FormatUint(uint64(id), 10)}
}

// MetricsHandler serves the engine series, refreshing the gauges from Stats
// on every scrape.
func (e *Engine) MetricsHandler() http.Handler {
	h := e.metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.refreshMetrics()
		h.ServeHTTP(w, r)
	})
}

func (e *Engine) refreshMetrics() {
	st := e.Stats()
	for _, t := range st.Tables {
		l := tableLabels(t.ID)
		e.metrics.SetGauge(metricMemtableBytes, l, float64(t.MemSize))
		e.metrics.SetGauge(metricSSTFiles, l, float64(t.Files))
		e.metrics.SetGauge(metricSSTBytes, l, float64(t.FilesSize))
	}
	for _, s := range st.Spaces {
		e.metrics.SetGauge(metricSpaceUsed, map[string]string{"space": strconv.FormatUint(uint64(s.ID), 10)}, float64(s.Used))
	}
	e.metrics.SetGauge(metricDBUsed, nil, float64(st.DBUsed))
	e.metrics.SetGauge(metricCacheEntries, map[string]string{"cache": "meta"}, float64(st.Cache.MetaEntries))
	e.metrics.SetGauge(metricCacheEntries, map[string]string{"cache": "data"}, float64(st.Cache.DataEntries))

	e.metrics.ResetGauge(metricCompactions)
	states := make(map[compaction.State]int)
	for _, info := range st.Compactions {
		states[info.State]++
	}
	for state, n := range states {
		e.metrics.SetGauge(metricCompactions, map[string]string{"state": state.String()}, float64(n))
	}
}
