// prometheus.go - Client metrics.
// Copyright (C) 2026  The Aenigma Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package instrument exports the client's Prometheus metrics.
package instrument

import (
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aenigma_session_status_total",
			Help: "Number of session status transitions by status kind",
		},
		[]string{"status"},
	)
	failedInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aenigma_hub_failed_invocations_total",
			Help: "Number of failed hub invocations by method",
		},
		[]string{"method"},
	)
	sessionFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aenigma_session_consecutive_failures",
			Help: "Current consecutive session failure count",
		},
	)
	onionsSealed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aenigma_onions_sealed_total",
			Help: "Number of onions sealed for outgoing messages",
		},
	)
	recipientsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aenigma_recipients_skipped_total",
			Help: "Number of recipients skipped for lack of a circuit",
		},
	)
	messagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aenigma_messages_sent_total",
			Help: "Number of messages confirmed sent",
		},
	)
	dispatchResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aenigma_dispatch_results_total",
			Help: "Number of dispatch job results by outcome",
		},
		[]string{"result"},
	)
	incomingMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aenigma_incoming_messages_total",
			Help: "Number of incoming onions by outcome",
		},
		[]string{"outcome"},
	)

	registry     = prometheus.NewRegistry()
	registerOnce sync.Once
)

func register() {
	registry.MustRegister(
		sessionStatus,
		failedInvocations,
		sessionFailures,
		onionsSealed,
		recipientsSkipped,
		messagesSent,
		dispatchResults,
		incomingMessages,
	)
}

// Handler returns the HTTP handler exposing the client metrics.
func Handler() http.Handler {
	registerOnce.Do(register)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Serve exposes the metrics on address under /metrics until the listener
// is closed.
func Serve(address string) (net.Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	go http.Serve(l, mux)
	return l, nil
}

// SessionStatus counts a session status transition.
func SessionStatus(kind string) {
	sessionStatus.With(prometheus.Labels{"status": kind}).Inc()
}

// SessionFailures records the consecutive failure count.
func SessionFailures(n int) {
	sessionFailures.Set(float64(n))
}

// FailedInvocation counts a failed hub invocation.
func FailedInvocation(method string) {
	failedInvocations.With(prometheus.Labels{"method": method}).Inc()
}

// OnionSealed counts a sealed onion.
func OnionSealed() {
	onionsSealed.Inc()
}

// RecipientSkipped counts a recipient left out of a dispatch.
func RecipientSkipped() {
	recipientsSkipped.Inc()
}

// MessageSent counts a message confirmed sent.
func MessageSent() {
	messagesSent.Inc()
}

// DispatchResult counts a dispatch job outcome.
func DispatchResult(result string) {
	dispatchResults.With(prometheus.Labels{"result": result}).Inc()
}

// IncomingMessage counts an incoming onion by outcome.
func IncomingMessage(outcome string) {
	incomingMessages.With(prometheus.Labels{"outcome": outcome}).Inc()
}
