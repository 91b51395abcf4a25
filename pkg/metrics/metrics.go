// Package metrics exposes prometheus counters, gauges and histograms for
// the indexer driver, upgrade runner and mempool mirror.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BlocksConnectedTotal counts blocks successfully connected to the tip.
	BlocksConnectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronik_blocks_connected_total",
			Help: "Total number of blocks connected to the index",
		},
	)

	// BlocksDisconnectedTotal counts blocks removed from the tip during a
	// reorg.
	BlocksDisconnectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronik_blocks_disconnected_total",
			Help: "Total number of blocks disconnected from the index",
		},
	)

	// TipHeight is the height of the most recently connected block.
	TipHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronik_tip_height",
			Help: "Height of the current indexed tip",
		},
	)

	// BatchCommitSeconds histograms how long a single block's write batch
	// takes to commit to the kv store.
	BatchCommitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chronik_batch_commit_seconds",
			Help:    "Time to commit one block's write batch",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
		},
	)

	// MempoolSize is the current number of transactions mirrored in the
	// mempool.
	MempoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronik_mempool_size",
			Help: "Number of transactions currently in the mempool mirror",
		},
	)

	// TokenValidationOutcomesTotal counts token-tx verification outcomes by
	// protocol (slp, alp) and status (normal, mint_vault, burned, invalid,
	// failed_parsing, failed_coloring, non_token).
	TokenValidationOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronik_token_validation_outcomes_total",
			Help: "Token transaction validation outcomes",
		},
		[]string{"protocol", "status"},
	)

	// UpgradeRowsProcessedTotal counts rows rewritten by a schema upgrade,
	// labeled by upgrade name.
	UpgradeRowsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronik_upgrade_rows_processed_total",
			Help: "Rows processed by a schema upgrade pass",
		},
		[]string{"upgrade"},
	)

	// QueryRequestsTotal counts served query-layer requests by endpoint and
	// outcome.
	QueryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronik_query_requests_total",
			Help: "Total query-layer requests served",
		},
		[]string{"endpoint", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(BlocksConnectedTotal)
	prometheus.MustRegister(BlocksDisconnectedTotal)
	prometheus.MustRegister(TipHeight)
	prometheus.MustRegister(BatchCommitSeconds)
	prometheus.MustRegister(MempoolSize)
	prometheus.MustRegister(TokenValidationOutcomesTotal)
	prometheus.MustRegister(UpgradeRowsProcessedTotal)
	prometheus.MustRegister(QueryRequestsTotal)
}

// InitZero sets every metric to its zero value so it appears in
// Prometheus output even before the first relevant event.
func InitZero() {
	BlocksConnectedTotal.Add(0)
	BlocksDisconnectedTotal.Add(0)
	TipHeight.Set(0)
	MempoolSize.Set(0)
	for _, proto := range []string{"slp", "alp"} {
		for _, status := range []string{"normal", "mint_vault", "burned", "invalid", "failed_parsing", "failed_coloring", "non_token"} {
			TokenValidationOutcomesTotal.WithLabelValues(proto, status).Add(0)
		}
	}
}

// StartServer starts the metrics HTTP server on addr in the background.
func StartServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Printf("[metrics] listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}
