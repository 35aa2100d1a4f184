package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DecryptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crypto_decryptions_total",
			Help: "Total room event decryptions by outcome.",
		},
		[]string{"outcome"},
	)

	ReplayDetectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crypto_replay_detections_total",
			Help: "Total replayed megolm message indices detected.",
		},
	)

	KeyClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crypto_key_claims_total",
			Help: "Total one-time key claims by outcome.",
		},
		[]string{"outcome"},
	)

	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crypto_verifications_total",
			Help: "Total SAS verification transactions by terminal state.",
		},
		[]string{"result"},
	)

	BackupOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crypto_backup_operations_total",
			Help: "Total key backup operations by kind.",
		},
		[]string{"kind"},
	)
)

var registerOnce sync.Once

// MustRegister installs the collectors on the default registry. Safe to call
// once per engine instance; later calls are no-ops.
func MustRegister() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		DecryptionsTotal,
		ReplayDetectionsTotal,
		KeyClaimsTotal,
		VerificationsTotal,
		BackupOperationsTotal,
	)
}
