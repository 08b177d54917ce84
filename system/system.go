// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

// Package system contains the atomic counters published under $SYS topics.
package system

import (
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Info contains atomic counters and values for broker statistics, following
// the conventional $SYS topic layout.
// https://github.com/mqtt/mqtt.org/wiki/SYS-Topics
type Info struct {
	Version             string `json:"version"`              // the current version of the broker
	Started             int64  `json:"started"`              // the time the broker started in unix seconds
	Time                int64  `json:"time"`                 // current time on the broker
	Uptime              int64  `json:"uptime"`               // the number of seconds the broker has been online
	BytesReceived       int64  `json:"bytes_received"`       // total number of bytes received since the broker started
	BytesSent           int64  `json:"bytes_sent"`           // total number of bytes sent since the broker started
	ClientsConnected    int64  `json:"clients_connected"`    // number of currently connected clients
	ClientsDisconnected int64  `json:"clients_disconnected"` // number of disconnected clients with persistent sessions still registered
	ClientsMaximum      int64  `json:"clients_maximum"`      // maximum number of clients that have been concurrently connected
	ClientsTotal        int64  `json:"clients_total"`        // total of connected and disconnected registered clients
	MessagesReceived    int64  `json:"messages_received"`    // total number of publish messages received
	MessagesSent        int64  `json:"messages_sent"`        // total number of publish messages sent
	MessagesDropped     int64  `json:"messages_dropped"`     // total number of publish messages dropped for slow or over-quota subscribers
	Retained            int64  `json:"retained"`             // number of retained messages currently held
	Inflight            int64  `json:"inflight"`             // number of messages currently awaiting acknowledgement
	InflightDropped     int64  `json:"inflight_dropped"`     // number of inflight messages which were dropped
	Subscriptions       int64  `json:"subscriptions"`        // number of active subscriptions
	PacketsReceived     int64  `json:"packets_received"`     // total number of packets of any kind received
	PacketsSent         int64  `json:"packets_sent"`         // total number of packets of any kind sent
	MemoryAlloc         int64  `json:"memory_alloc"`         // memory currently allocated
	Threads             int64  `json:"threads"`              // number of active goroutines
}

// Clone makes a copy of Info using atomic loads, safe to read while the
// broker keeps counting.
func (i *Info) Clone() *Info {
	return &Info{
		Version:             i.Version,
		Started:             atomic.LoadInt64(&i.Started),
		Time:                atomic.LoadInt64(&i.Time),
		Uptime:              atomic.LoadInt64(&i.Uptime),
		BytesReceived:       atomic.LoadInt64(&i.BytesReceived),
		BytesSent:           atomic.LoadInt64(&i.BytesSent),
		ClientsConnected:    atomic.LoadInt64(&i.ClientsConnected),
		ClientsDisconnected: atomic.LoadInt64(&i.ClientsDisconnected),
		ClientsMaximum:      atomic.LoadInt64(&i.ClientsMaximum),
		ClientsTotal:        atomic.LoadInt64(&i.ClientsTotal),
		MessagesReceived:    atomic.LoadInt64(&i.MessagesReceived),
		MessagesSent:        atomic.LoadInt64(&i.MessagesSent),
		MessagesDropped:     atomic.LoadInt64(&i.MessagesDropped),
		Retained:            atomic.LoadInt64(&i.Retained),
		Inflight:            atomic.LoadInt64(&i.Inflight),
		InflightDropped:     atomic.LoadInt64(&i.InflightDropped),
		Subscriptions:       atomic.LoadInt64(&i.Subscriptions),
		PacketsReceived:     atomic.LoadInt64(&i.PacketsReceived),
		PacketsSent:         atomic.LoadInt64(&i.PacketsSent),
		MemoryAlloc:         atomic.LoadInt64(&i.MemoryAlloc),
		Threads:             atomic.LoadInt64(&i.Threads),
	}
}

// RegisterPrometheusMetrics exposes the counters on a prometheus registry.
// Passing nil registers against the default registerer.
func (i *Info) RegisterPrometheusMetrics(registry prometheus.Registerer) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	type metric struct {
		metricType string
		name       string
		help       string
		value      *int64
	}

	metricsList := []metric{
		{"c", "bytes_received", "Total number of bytes received", &i.BytesReceived},
		{"c", "bytes_sent", "Total number of bytes sent", &i.BytesSent},
		{"g", "clients_connected", "Number of currently connected clients", &i.ClientsConnected},
		{"g", "clients_disconnected", "Number of disconnected clients with persistent sessions", &i.ClientsDisconnected},
		{"c", "clients_maximum", "Maximum number of concurrently connected clients", &i.ClientsMaximum},
		{"g", "clients_total", "Total of connected and disconnected registered clients", &i.ClientsTotal},
		{"c", "messages_received", "Total number of publish messages received", &i.MessagesReceived},
		{"c", "messages_sent", "Total number of publish messages sent", &i.MessagesSent},
		{"c", "messages_dropped", "Total number of publish messages dropped", &i.MessagesDropped},
		{"g", "retained", "Number of retained messages currently held", &i.Retained},
		{"g", "inflight", "Number of messages awaiting acknowledgement", &i.Inflight},
		{"c", "inflight_dropped", "Number of inflight messages dropped", &i.InflightDropped},
		{"g", "subscriptions", "Number of active subscriptions", &i.Subscriptions},
		{"c", "packets_received", "Total number of packets received", &i.PacketsReceived},
		{"c", "packets_sent", "Total number of packets sent", &i.PacketsSent},
	}

	for _, m := range metricsList {
		m := m
		fn := func() float64 {
			return float64(atomic.LoadInt64(m.value))
		}

		opts := prometheus.Opts{
			Namespace: "tether",
			Name:      m.name,
			Help:      m.help,
		}

		switch m.metricType {
		case "c":
			registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts(opts), fn))
		case "g":
			registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts(opts), fn))
		}
	}

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tether",
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"goversion", "version"},
	)
	registry.MustRegister(buildInfo)
	buildInfo.With(prometheus.Labels{"goversion": runtime.Version(), "version": i.Version}).Set(1)
}
