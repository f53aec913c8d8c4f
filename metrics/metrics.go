// metrics.go declares the prometheus collectors exported by hwcodec.

// Package metrics provides Prometheus metrics for surface pools, task rings
// and codec driver loops.
//
// Labels are bounded: pool purpose, surface state, codec kind and device
// status. No per-session or per-surface identifiers are used as labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hwcodec"

var (
	// Surfaces tracks the amount of surfaces in every set of every live pool.
	Surfaces = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "surfaces",
		Help:      "Current number of surfaces, by pool purpose and state (available/in_use/locked).",
	}, []string{"purpose", "state"})

	// AcquireRetries counts sleeps performed while waiting for a free surface.
	AcquireRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "surface_acquire_retries_total",
		Help:      "Total number of retry sleeps while acquiring a surface, by pool purpose.",
	}, []string{"purpose"})

	// NoSurfaceAvailable counts acquisitions that ran out of the retry budget.
	NoSurfaceAvailable = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "surface_exhausted_total",
		Help:      "Total number of acquisitions that gave up because no surface freed up in time, by pool purpose.",
	}, []string{"purpose"})

	// PendingTasks tracks in-flight hardware operations across all task rings.
	PendingTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_tasks",
		Help:      "Current number of submitted-but-not-finished hardware operations, by codec kind.",
	}, []string{"kind"})

	// SyncTimeouts counts task slots whose operation never completed.
	SyncTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_timeouts_total",
		Help:      "Total number of synchronization timeouts, by codec kind.",
	}, []string{"kind"})

	// DeviceStatuses counts non-OK statuses returned by the device.
	DeviceStatuses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "device_statuses_total",
		Help:      "Total number of non-OK device statuses, by codec kind and status.",
	}, []string{"kind", "status"})

	// Renegotiations counts hard resets caused by mid-stream parameter changes.
	Renegotiations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "renegotiations_total",
		Help:      "Total number of renegotiations (drain + pool/ring hard reset), by codec kind.",
	}, []string{"kind"})

	// OutputUnits counts units forwarded to the host.
	OutputUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "output_units_total",
		Help:      "Total number of units forwarded to the host, by codec kind.",
	}, []string{"kind"})

	// SharedAsyncDepth tracks the registered async depth of every root device context.
	SharedAsyncDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "shared_async_depth",
		Help:      "Sum of async depths registered on all open device contexts.",
	})
)
