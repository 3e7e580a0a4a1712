package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CredentialResolutions counts credential lookups by outcome
	// (organization|platform|miss).
	CredentialResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyvault_credential_resolutions_total",
			Help: "Total number of credential resolution attempts",
		},
		[]string{"provider", "outcome"},
	)

	// DecryptFailures counts secrets that could not be decrypted. A non-zero
	// rate usually means the master key changed underneath stored data.
	DecryptFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyvault_decrypt_failures_total",
			Help: "Total number of credential decryption failures",
		},
	)

	// ThrottledRequests counts requests rejected by quota or rate evaluation
	// (limit is tokens_per_day|requests_per_minute).
	ThrottledRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyvault_throttled_requests_total",
			Help: "Total number of requests rejected by credential limits",
		},
		[]string{"limit"},
	)

	// CredentialRotations counts secret rotations.
	CredentialRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyvault_credential_rotations_total",
			Help: "Total number of credential secret rotations",
		},
	)

	// CredentialUpserts counts credential upserts by provider.
	CredentialUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyvault_credential_upserts_total",
			Help: "Total number of credential upserts",
		},
		[]string{"provider"},
	)
)
