package challenge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	challengesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_challenges_issued",
		Help: "The total number of challenges issued",
	})

	challengeVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_challenge_verifications",
		Help: "The total number of challenge verifications by outcome",
	}, []string{"outcome"})

	challengesSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_challenges_swept",
		Help: "The total number of expired challenges removed by the sweeper",
	})
)
