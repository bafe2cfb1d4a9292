package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActivatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "homeward", Name: "sessions_activated_total",
		Help: "Homeward sessions activated",
	})
	SessionsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "homeward", Name: "sessions_ended_total",
		Help: "Homeward sessions terminated, by reason",
	}, []string{"reason"})
	ActivationRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "homeward", Name: "activation_rejected_total",
		Help: "Session activations rejected, by cause",
	}, []string{"cause"})

	CandidatesEvaluatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "homeward", Name: "candidates_evaluated_total",
		Help: "Candidate (session, ride) pairs evaluated",
	})
	CandidatesCompatibleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "homeward", Name: "candidates_compatible_total",
		Help: "Candidates that passed compatibility",
	})
	MatchesAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "homeward", Name: "matches_accepted_total",
		Help: "Accepted homeward matches recorded",
	})

	EscrowTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "homeward", Name: "escrow_transitions_total",
		Help: "Escrow intent state transitions, by target status",
	}, []string{"to"})
	PremiumPayoutCents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "homeward", Name: "premium_payout_cents_total",
		Help: "Instant premium cents paid to drivers at funding",
	})
	FXFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "homeward", Name: "fx_fallbacks_total",
		Help: "Rate fetches that fell back to the static table",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "homeward", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "homeward",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
