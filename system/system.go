// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package system

import (
	"os"
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"
)

// Info contains atomic counters and values for various server statistics
// commonly found in $SYS topics (and others).
// based on https://github.com/mqtt/mqtt.org/wiki/SYS-Topics
type Info struct {
	Version             string `json:"version"`              // the current version of the server
	Started             int64  `json:"started"`              // the time the server started in unix seconds
	Time                int64  `json:"time"`                 // current time on the server
	Uptime              int64  `json:"uptime"`               // the number of seconds the server has been online
	BytesReceived       int64  `json:"bytes_received"`       // total number of bytes received since the broker started
	BytesSent           int64  `json:"bytes_sent"`           // total number of bytes sent since the broker started
	ClientsConnected    int64  `json:"clients_connected"`    // number of currently connected sessions
	ClientsDisconnected int64  `json:"clients_disconnected"` // number of sessions which have connected and since been released
	ClientsMaximum      int64  `json:"clients_maximum"`      // maximum number of sessions that have been connected at once
	ClientsTotal        int64  `json:"clients_total"`        // total number of sessions which have connected since the broker started
	MessagesReceived    int64  `json:"messages_received"`    // total number of publish messages received
	MessagesSent        int64  `json:"messages_sent"`        // total number of publish messages sent
	MessagesDropped     int64  `json:"messages_dropped"`     // total number of publish messages dropped to slow subscriber
	Subscriptions       int64  `json:"subscriptions"`        // total number of subscription entries active on the broker
	PacketsReceived     int64  `json:"packets_received"`     // the total number of packets received
	PacketsSent         int64  `json:"packets_sent"`         // total number of packets of any type sent since the broker started
	MemoryAlloc         int64  `json:"memory_alloc"`         // heap memory currently in use
	MemoryRSS           int64  `json:"memory_rss"`           // resident set size of the process
	Threads             int64  `json:"threads"`              // number of active goroutines, named as threads for platform ambiguity
}

// Clone makes a copy of Info using atomic operation
func (i *Info) Clone() *Info {
	return &Info{
		Version:             i.Version,
		Started:             atomic.LoadInt64(&i.Started),
		Time:                atomic.LoadInt64(&i.Time),
		Uptime:              atomic.LoadInt64(&i.Uptime),
		BytesReceived:       atomic.LoadInt64(&i.BytesReceived),
		BytesSent:           atomic.LoadInt64(&i.BytesSent),
		ClientsConnected:    atomic.LoadInt64(&i.ClientsConnected),
		ClientsMaximum:      atomic.LoadInt64(&i.ClientsMaximum),
		ClientsTotal:        atomic.LoadInt64(&i.ClientsTotal),
		ClientsDisconnected: atomic.LoadInt64(&i.ClientsDisconnected),
		MessagesReceived:    atomic.LoadInt64(&i.MessagesReceived),
		MessagesSent:        atomic.LoadInt64(&i.MessagesSent),
		MessagesDropped:     atomic.LoadInt64(&i.MessagesDropped),
		Subscriptions:       atomic.LoadInt64(&i.Subscriptions),
		PacketsReceived:     atomic.LoadInt64(&i.PacketsReceived),
		PacketsSent:         atomic.LoadInt64(&i.PacketsSent),
		MemoryAlloc:         atomic.LoadInt64(&i.MemoryAlloc),
		MemoryRSS:           atomic.LoadInt64(&i.MemoryRSS),
		Threads:             atomic.LoadInt64(&i.Threads),
	}
}

// Refresh updates the time, uptime and runtime values. The resident set size
// is left unchanged if the process cannot be inspected.
func (i *Info) Refresh(now int64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	atomic.StoreInt64(&i.MemoryAlloc, int64(m.HeapInuse))
	atomic.StoreInt64(&i.Threads, int64(runtime.NumGoroutine()))
	atomic.StoreInt64(&i.Time, now)
	atomic.StoreInt64(&i.Uptime, now-atomic.LoadInt64(&i.Started))

	if rss, err := processRSS(); err == nil {
		atomic.StoreInt64(&i.MemoryRSS, rss)
	}
}

// processRSS returns the resident set size of the current process.
func processRSS() (int64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}

	mi, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}

	return int64(mi.RSS), nil
}

// RegisterPrometheusMetrics registers collectors reading the live counters
// with the given registerer, or the default registerer if nil.
func (i *Info) RegisterPrometheusMetrics(registry prometheus.Registerer) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	type metrics struct {
		metricType string
		name       string
		help       string
		value      *int64
	}

	metricsList := []metrics{
		{"c", "bytes_received", "A count of total number of bytes received", &i.BytesReceived},
		{"c", "bytes_sent", "A counter total number of bytes sent", &i.BytesSent},
		{"g", "clients_connected", "A gauge of number of currently connected sessions", &i.ClientsConnected},
		{"g", "clients_disconnected", "A gauge of sessions which have been released", &i.ClientsDisconnected},
		{"c", "clients_maximum", "A count of maximum number of sessions that have been connected at once", &i.ClientsMaximum},
		{"c", "clients_total", "A count of sessions which have connected since the broker started", &i.ClientsTotal},
		{"c", "messages_received", "A counter of total number of publish messages received", &i.MessagesReceived},
		{"c", "messages_sent", "A counter of total number of publish messages sent", &i.MessagesSent},
		{"c", "messages_dropped", "A counter of total number of publish messages dropped to slow subscriber", &i.MessagesDropped},
		{"g", "subscriptions", "A gauge of total number of subscription entries active on the broker", &i.Subscriptions},
		{"c", "packets_received", "A counter of the total number of packets received", &i.PacketsReceived},
		{"c", "packets_sent", "A counter of the total number of packets sent", &i.PacketsSent},
		{"g", "memory_rss", "A gauge of the resident set size of the broker process", &i.MemoryRSS},
	}

	for _, m := range metricsList {
		fn := func() float64 {
			return float64(atomic.LoadInt64(m.value))
		}

		switch m.metricType {
		case "c":
			registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{Name: m.name, Help: m.help}, fn))
		case "g":
			registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: m.name, Help: m.help}, fn))
		}
	}

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build Information",
		},
		[]string{"goversion", "version"},
	)
	registry.MustRegister(buildInfo)
	buildInfo.With(prometheus.Labels{"goversion": runtime.Version(), "version": i.Version}).Set(1)
}
