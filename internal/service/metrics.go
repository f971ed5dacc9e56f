package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pattern_agent_sessions_total",
		Help: "Sessions by final outcome",
	}, []string{"outcome"})

	stageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pattern_agent_stage_failures_total",
		Help: "Session aborts by pipeline stage",
	}, []string{"stage"})

	rankDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pattern_agent_rank_duration_seconds",
		Help:    "Time spent ranking the pattern store for one request",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})

	ledgerCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pattern_agent_ledger_commits_total",
		Help: "Ledger commit attempts by result",
	}, []string{"result"})
)

const (
	outcomeCommitted = "committed"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"

	commitOK        = "ok"
	commitRetryable = "retryable"
	commitFailed    = "failed"
)
