// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "decodesync"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "transfer",
		Name:      "requests_total",
		Help:      "Number of tensor transfers issued, by protocol and operation.",
	}, []string{"protocol", "op"})

	bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "transfer",
		Name:      "bytes_total",
		Help:      "Number of bytes transferred, by protocol and operation.",
	}, []string{"protocol", "op"})

	joinSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "transfer",
		Name:      "join_seconds",
		Help:      "Time spent waiting for the completion of the requests of a transfer.",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"protocol"})

	leakedHandlesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "transfer",
		Name:      "leaked_handles_total",
		Help:      "Number of send handles garbage collected without being closed.",
	})
)

// RegisterMetrics registers the transfer collectors with reg. Registering twice with the same
// registerer is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{requestsTotal, bytesTotal, joinSeconds, leakedHandlesTotal} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return errors.Wrap(err, "registering transfer metrics")
		}
	}
	return nil
}

func countRequest(protocol, op string, numBytes uintptr) {
	requestsTotal.WithLabelValues(protocol, op).Inc()
	bytesTotal.WithLabelValues(protocol, op).Add(float64(numBytes))
}
