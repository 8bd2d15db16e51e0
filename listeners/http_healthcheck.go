// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: Derek Duncan

package listeners

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinybroker/server/system"
)

// Health is the body served by the healthcheck endpoint.
type Health struct {
	Status           string `json:"status"`
	Version          string `json:"version,omitempty"`
	Uptime           int64  `json:"uptime"`
	ClientsConnected int64  `json:"clients_connected"`
	Subscriptions    int64  `json:"subscriptions"`
}

// HTTPHealthCheck is a listener for providing an HTTP healthcheck endpoint
// which reports whether the broker is serving, along with a few broker counters.
type HTTPHealthCheck struct {
	sync.RWMutex
	id      string       // the internal id of the listener
	address string       // the network address to bind to
	config  Config       // configuration values for the listener
	listen  *http.Server // the http server
	log     *slog.Logger // server logger
	sysInfo *system.Info // broker counters, may be nil
	end     uint32       // ensure the close methods are only called once
}

// NewHTTPHealthCheck initialises and returns a new HTTP listener, listening on an address.
func NewHTTPHealthCheck(config Config, sysInfo *system.Info) *HTTPHealthCheck {
	return &HTTPHealthCheck{
		id:      config.ID,
		address: config.Address,
		config:  config,
		sysInfo: sysInfo,
	}
}

// ID returns the id of the listener.
func (l *HTTPHealthCheck) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *HTTPHealthCheck) Address() string {
	return l.address
}

// Protocol returns the protocol of the listener.
func (l *HTTPHealthCheck) Protocol() string {
	if l.listen != nil && l.listen.TLSConfig != nil {
		return "https"
	}

	return "http"
}

// Init initializes the listener.
func (l *HTTPHealthCheck) Init(log *slog.Logger) error {
	l.log = log

	mux := http.NewServeMux()
	mux.HandleFunc("/healthcheck", l.healthHandler)
	l.listen = &http.Server{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Addr:         l.address,
		Handler:      mux,
	}

	if l.config.TLSConfig != nil {
		l.listen.TLSConfig = l.config.TLSConfig
	}

	return nil
}

// health returns the current broker health.
func (l *HTTPHealthCheck) health() Health {
	h := Health{Status: "ok"}
	if atomic.LoadUint32(&l.end) == 1 {
		h.Status = "stopping"
	}

	if l.sysInfo != nil {
		info := l.sysInfo.Clone()
		h.Version = info.Version
		h.Uptime = time.Now().Unix() - info.Started
		h.ClientsConnected = info.ClientsConnected
		h.Subscriptions = info.Subscriptions
	}

	return h
}

// healthHandler serves the broker health as JSON. A stopping broker answers
// with 503 so load balancers drain it.
func (l *HTTPHealthCheck) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	h := l.health()
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(h); err != nil && l.log != nil {
		l.log.Debug("failed writing health", "error", err, "listener", l.id)
	}
}

// Serve starts listening for new connections and serving responses.
func (l *HTTPHealthCheck) Serve(establish EstablishFn) {
	var err error
	if l.listen.TLSConfig != nil {
		err = l.listen.ListenAndServeTLS("", "")
	} else {
		err = l.listen.ListenAndServe()
	}

	if err != nil && atomic.LoadUint32(&l.end) == 0 {
		l.log.Error("failed to serve healthcheck", "error", err, "listener", l.id)
	}
}

// Close closes the listener and any client connections.
func (l *HTTPHealthCheck) Close(closeClients CloseFn) {
	l.Lock()
	defer l.Unlock()

	if atomic.CompareAndSwapUint32(&l.end, 0, 1) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.listen.Shutdown(ctx)
	}

	closeClients(l.id)
}
