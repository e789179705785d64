// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actorvm

import (
	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	blocks         prometheus.Counter
	dispatches     *prometheus.CounterVec
	gasBurned      prometheus.Counter
	allowanceUsed  prometheus.Histogram
	tasksFired     *prometheus.CounterVec
	pagesUpdated   prometheus.Counter
	queueLength    prometheus.Gauge
	reinstrumented prometheus.Counter
}

func newMetrics(namespace string, registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks",
			Help:      "Number of blocks processed",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches",
			Help:      "Number of dispatches processed by outcome",
		}, []string{"outcome"}),
		gasBurned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gas_burned",
			Help:      "Total gas burned by dispatches",
		}),
		allowanceUsed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allowance_used",
			Help:      "Share of the block allowance used per block",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		tasksFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_fired",
			Help:      "Number of scheduled tasks fired by kind",
		}, []string{"kind"}),
		pagesUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_updated",
			Help:      "Number of program pages written back",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Dispatches left in the queue after the last block",
		}),
		reinstrumented: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reinstrumented",
			Help:      "Number of codes prepared again under a newer schedule",
		}),
	}
	errs := wrappers.Errs{}
	errs.Add(
		registerer.Register(m.blocks),
		registerer.Register(m.dispatches),
		registerer.Register(m.gasBurned),
		registerer.Register(m.allowanceUsed),
		registerer.Register(m.tasksFired),
		registerer.Register(m.pagesUpdated),
		registerer.Register(m.queueLength),
		registerer.Register(m.reinstrumented),
	)
	return m, errs.Err
}
