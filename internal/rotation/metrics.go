package rotation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refresh_rotations_total",
			Help: "Refresh token rotations by outcome and rejection reason",
		},
		[]string{"outcome", "reason"},
	)

	familyRevocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refresh_family_revocations_total",
			Help: "Refresh token families revoked, by cause",
		},
		[]string{"cause"},
	)

	issuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refresh_families_issued_total",
		Help: "Refresh token families started by login or registration",
	})
)

func observe(o Outcome) {
	if o.Accepted() {
		rotationsTotal.WithLabelValues("accepted", "").Inc()
		return
	}
	rotationsTotal.WithLabelValues("rejected", string(o.Reason)).Inc()
}
