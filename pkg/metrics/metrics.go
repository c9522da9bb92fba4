// Package metrics 定义了服务暴露的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolutionTotal 按最终产生回复的阶段计数。
	ResolutionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fmc_resolution_total",
		Help: "Messages resolved, by tier.",
	}, []string{"tier"})

	CompletionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fmc_completion_requests_total",
		Help: "Completion service requests, by outcome.",
	}, []string{"outcome"})

	PatternSync = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fmc_pattern_sync_total",
		Help: "Pattern store synchronizations, by result.",
	}, []string{"result"})

	FeedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fmc_feedback_total",
		Help: "Feedback events, by polarity.",
	}, []string{"polarity"})
)
