// instrument.go - Prometheus instrumentation.
// Copyright (C) 2026  The fscore authors.
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

// Package instrument exposes fscore metrics to prometheus.
package instrument

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fscore_incoming_envelopes_total",
			Help: "Number of incoming envelopes by outcome",
		},
		[]string{"outcome"},
	)
	decryptionResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fscore_decryption_results_total",
			Help: "Number of forward security decryption results by kind",
		},
		[]string{"kind"},
	)
	replays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fscore_replayed_envelopes_total",
			Help: "Number of envelopes discarded as replays",
		},
	)
	cryptoFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fscore_crypto_failures_total",
			Help: "Number of envelopes that failed to decrypt",
		},
	)
	rejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fscore_rejects_total",
			Help: "Number of received rejects by routing",
		},
		[]string{"route"},
	)
	sessionsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fscore_sessions_terminated_total",
			Help: "Number of terminated forward security sessions by cause",
		},
		[]string{"cause"},
	)

	initOnce sync.Once
)

// Init registers the metrics with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(envelopes)
		prometheus.MustRegister(decryptionResults)
		prometheus.MustRegister(replays)
		prometheus.MustRegister(cryptoFailures)
		prometheus.MustRegister(rejects)
		prometheus.MustRegister(sessionsTerminated)
	})
}

// NewServer returns a server exposing the registered metrics on
// /metrics at addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Envelope increments the counter for incoming envelopes.
func Envelope(outcome string) {
	envelopes.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// DecryptionResult increments the counter for decryption results.
func DecryptionResult(kind string) {
	decryptionResults.With(prometheus.Labels{"kind": kind}).Inc()
}

// Replay increments the counter for replayed envelopes.
func Replay() {
	replays.Inc()
}

// CryptoFailure increments the counter for envelopes failing to decrypt.
func CryptoFailure() {
	cryptoFailures.Inc()
}

// Reject increments the counter for received rejects.
func Reject(route string) {
	rejects.With(prometheus.Labels{"route": route}).Inc()
}

// SessionTerminated increments the counter for terminated sessions.
func SessionTerminated(cause string) {
	sessionsTerminated.With(prometheus.Labels{"cause": cause}).Inc()
}
