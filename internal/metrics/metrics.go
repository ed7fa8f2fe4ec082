// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "durable_runs_started_total",
			Help: "Total workflow runs started",
		},
	)

	runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_runs_finished_total",
			Help: "Total workflow runs reaching a terminal status, by status",
		},
		[]string{"status"},
	)

	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_workflow_ticks_total",
			Help: "Total workflow-tick executions by outcome",
		},
		[]string{"outcome"},
	)

	stepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_steps_executed_total",
			Help: "Total step attempt executions by result",
		},
		[]string{"result"},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "durable_tick_duration_seconds",
			Help:    "Workflow-tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_recoveries_total",
			Help: "Total recovery sweeper actions by kind",
		},
		[]string{"kind"},
	)
)

// RecordRunStarted increments the started-run counter.
func RecordRunStarted() {
	runsStarted.Inc()
}

// RecordRunFinished increments the terminal-run counter.
// status should be one of: completed, failed, cancelled, interrupted
func RecordRunFinished(status string) {
	runsFinished.WithLabelValues(status).Inc()
}

// RecordTick increments the tick counter and observes its duration.
// outcome should be one of: completed, failed, suspended, running, cancelled, continued, noop, error
func RecordTick(outcome string, seconds float64) {
	ticksTotal.WithLabelValues(outcome).Inc()
	tickDuration.Observe(seconds)
}

// RecordStep increments the step execution counter.
// result should be one of: completed, retrying, failed, cancelled, skipped
func RecordStep(result string) {
	stepsExecuted.WithLabelValues(result).Inc()
}

// RecordRecovery increments the recovery action counter.
// kind should be one of: tick, step, exhausted
func RecordRecovery(kind string) {
	recoveries.WithLabelValues(kind).Inc()
}
