package authcore

import "sync/atomic"

// MetricID names one engine counter.
type MetricID int

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginLocked
	MetricLoginRateLimited
	MetricChallengeIssued
	MetricTwoFactorSuccess
	MetricTwoFactorFailure
	MetricBackupCodeUsed
	MetricRefreshSuccess
	MetricRefreshReuse
	MetricRefreshFailure
	MetricVerifyExpired
	MetricVerifyInvalid
	MetricLogout
	MetricLogoutAll
	MetricBackendError

	metricCount
)

// MetricName returns the stable exposition name for id.
func MetricName(id MetricID) string {
	switch id {
	case MetricLoginSuccess:
		return "authcore_login_success_total"
	case MetricLoginFailure:
		return "authcore_login_failure_total"
	case MetricLoginLocked:
		return "authcore_login_locked_total"
	case MetricLoginRateLimited:
		return "authcore_login_rate_limited_total"
	case MetricChallengeIssued:
		return "authcore_twofactor_challenge_issued_total"
	case MetricTwoFactorSuccess:
		return "authcore_twofactor_success_total"
	case MetricTwoFactorFailure:
		return "authcore_twofactor_failure_total"
	case MetricBackupCodeUsed:
		return "authcore_backup_code_used_total"
	case MetricRefreshSuccess:
		return "authcore_refresh_success_total"
	case MetricRefreshReuse:
		return "authcore_refresh_reuse_total"
	case MetricRefreshFailure:
		return "authcore_refresh_failure_total"
	case MetricVerifyExpired:
		return "authcore_verify_expired_total"
	case MetricVerifyInvalid:
		return "authcore_verify_invalid_total"
	case MetricLogout:
		return "authcore_logout_total"
	case MetricLogoutAll:
		return "authcore_logout_all_total"
	case MetricBackendError:
		return "authcore_backend_error_total"
	default:
		return "authcore_unknown_total"
	}
}

// MetricIDs lists every counter, in exposition order.
func MetricIDs() []MetricID {
	ids := make([]MetricID, metricCount)
	for i := range ids {
		ids[i] = MetricID(i)
	}
	return ids
}

// Metrics is a fixed set of lock-free counters. Incrementing is wait-free and
// safe from any goroutine.
type Metrics struct {
	counters [metricCount]atomic.Uint64
}

func newMetrics() *Metrics {
	return &Metrics{}
}

// Inc adds one to the counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || id < 0 || id >= metricCount {
		return
	}
	m.counters[id].Add(1)
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{Counters: make(map[MetricID]uint64, metricCount)}
	if m == nil {
		return snap
	}
	for i := range m.counters {
		snap.Counters[MetricID(i)] = m.counters[i].Load()
	}
	return snap
}
