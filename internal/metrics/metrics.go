// Package metrics provides counters, Prometheus collectors, and HTTP
// handlers for exporting orchestration run metrics.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 1. Internal State (Source of Truth)
var (
	actionsDone       int64
	actionsAlready    int64
	actionsFailed     int64
	playsRun          int64
	playsFailed       int64
	imagePullsSuccess int64
	imagePullsFailure int64
	lastPlay          int64
)

const counterInc int64 = 1

// 2. Prometheus Collectors
var (
	promActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_container_actions_total",
			Help: "Total container actions by terminal result",
		},
		[]string{"result"},
	)
	promPlays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_plays_total",
			Help: "Total orchestration plays by outcome",
		},
		[]string{"outcome"},
	)
	promImagePulls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_image_pulls_total",
			Help: "Total image pulls by final outcome",
		},
		[]string{"status"},
	)
	promActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "maestro_container_action_duration_seconds",
			Help: "Duration of individual container actions",
			Buckets: []float64{
				0.5,
				1,
				2,
				5,
				10,
				30,
				60,
				120,
				300,
			},
		},
		[]string{"action"},
	)
	promLastPlay = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_last_play_timestamp_seconds",
			Help: "Unix timestamp of the last completed play",
		},
	)
)

func init() {
	prometheus.MustRegister(
		promActions,
		promPlays,
		promImagePulls,
		promActionDuration,
		promLastPlay,
	)
}

// 3. Public API (Updates both Atomic and Prometheus)

// IncActionDone increments the counter for container actions that completed
// with a state change.
func IncActionDone() {
	atomic.AddInt64(&actionsDone, counterInc)
	promActions.WithLabelValues("done").Inc()
}

// IncActionAlready increments the counter for container actions that were
// no-ops because the container already matched the target state.
func IncActionAlready() {
	atomic.AddInt64(&actionsAlready, counterInc)
	promActions.WithLabelValues("already").Inc()
}

// IncActionFailed increments the counter for failed container actions.
func IncActionFailed() {
	atomic.AddInt64(&actionsFailed, counterInc)
	promActions.WithLabelValues("failed").Inc()
}

// IncPlay increments the counter for completed plays.
func IncPlay(failed bool) {
	atomic.AddInt64(&playsRun, counterInc)
	if failed {
		atomic.AddInt64(&playsFailed, counterInc)
		promPlays.WithLabelValues("failed").Inc()
		return
	}
	promPlays.WithLabelValues("success").Inc()
}

// IncImagePullSuccess increments the counter for successful image pulls.
func IncImagePullSuccess() {
	atomic.AddInt64(&imagePullsSuccess, counterInc)
	promImagePulls.WithLabelValues("success").Inc()
}

// IncImagePullFailure increments the counter for failed image pulls.
func IncImagePullFailure() {
	atomic.AddInt64(&imagePullsFailure, counterInc)
	promImagePulls.WithLabelValues("failure").Inc()
}

// ObserveActionDuration records the duration (in seconds) of one container
// action in the Prometheus histogram.
func ObserveActionDuration(action string, seconds float64) {
	promActionDuration.WithLabelValues(action).Observe(seconds)
}

// SetLastPlay stores the provided time as the last play timestamp and
// updates the corresponding Prometheus gauge.
func SetLastPlay(t time.Time) {
	atomic.StoreInt64(&lastPlay, t.Unix())
	promLastPlay.Set(float64(t.Unix()))
}

// 4. JSON Snapshot Struct

// StatsSnapshot is a snapshot of metrics for JSON encoding.
type StatsSnapshot struct {
	ActionsDone       int64  `json:"actions_done"`
	ActionsAlready    int64  `json:"actions_already"`
	ActionsFailed     int64  `json:"actions_failed"`
	PlaysRun          int64  `json:"plays_run"`
	PlaysFailed       int64  `json:"plays_failed"`
	ImagePullsSuccess int64  `json:"image_pulls_success"`
	ImagePullsFailure int64  `json:"image_pulls_failure"`
	LastPlay          int64  `json:"last_play_timestamp"`
	LastPlayHuman     string `json:"last_play_human"`
}

// GetSnapshot returns a StatsSnapshot with the current values of all
// internal counters and timestamps.
func GetSnapshot() StatsSnapshot {
	ts := atomic.LoadInt64(&lastPlay)
	lastPlayHuman := time.Unix(ts, 0).Format(time.RFC3339)
	return StatsSnapshot{
		ActionsDone:       atomic.LoadInt64(&actionsDone),
		ActionsAlready:    atomic.LoadInt64(&actionsAlready),
		ActionsFailed:     atomic.LoadInt64(&actionsFailed),
		PlaysRun:          atomic.LoadInt64(&playsRun),
		PlaysFailed:       atomic.LoadInt64(&playsFailed),
		ImagePullsSuccess: atomic.LoadInt64(&imagePullsSuccess),
		ImagePullsFailure: atomic.LoadInt64(&imagePullsFailure),
		LastPlay:          ts,
		LastPlayHuman:     lastPlayHuman,
	}
}

// 5. Handlers

// PromHandler returns an HTTP handler that exposes Prometheus metrics.
func PromHandler() http.Handler { return promhttp.Handler() }

// JSONHandler returns an HTTP handler that serves the current metrics as
// a JSON-encoded StatsSnapshot.
func JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GetSnapshot())
	})
}
