// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// KernelEventsTotal counts conntrack events read from the kernel by type and origin
	KernelEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctsync_kernel_events_total",
			Help: "Total number of conntrack events received from the kernel",
		},
		[]string{"type", "origin"},
	)

	// KernelOverrunsTotal counts netlink receive buffer overruns
	KernelOverrunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ctsync_kernel_overruns_total",
			Help: "Total number of netlink socket overruns (events lost)",
		},
	)

	// MessagesSentTotal counts replication messages handed to the channel
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctsync_messages_sent_total",
			Help: "Total number of replication messages sent to peers",
		},
		[]string{"type"},
	)

	// MessagesReceivedTotal counts replication messages read from the channel
	MessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctsync_messages_received_total",
			Help: "Total number of replication messages received from peers",
		},
		[]string{"type"},
	)

	// MessageBytes tracks the size distribution of replication messages
	MessageBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctsync_message_bytes",
			Help:    "Size of replication messages in bytes",
			Buckets: prometheus.LinearBuckets(32, 32, 8), // 32 .. 256
		},
		[]string{"direction"},
	)

	// ErrorsTotal counts failures by pipeline stage
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctsync_errors_total",
			Help: "Total number of replication errors",
		},
		[]string{"stage"},
	)

	// CommitsTotal counts kernel commits by message type and result
	CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctsync_commits_total",
			Help: "Total number of replicated entries committed to the kernel",
		},
		[]string{"type", "result"},
	)

	// OriginEntries tracks registered origin handles
	OriginEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctsync_origin_entries",
			Help: "Number of netlink handles registered in the origin registry",
		},
	)
)

// Error stages used as the ErrorsTotal label.
const (
	StageEncode  = "encode"
	StageSend    = "send"
	StageDecode  = "decode"
	StageParse   = "parse"
	StageCommit  = "commit"
	StageReceive = "receive"
)
