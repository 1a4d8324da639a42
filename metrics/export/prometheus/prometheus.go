// Package prometheus bridges authcore's internal counters to a
// prometheus registry without asking callers to know about either side.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stayloop/authcore"
)

// Source yields a point-in-time view of the engine counters.
// *authcore.Engine satisfies it via MetricsSnapshot.
type Source interface {
	MetricsSnapshot() authcore.MetricsSnapshot
}

// Collector implements prometheus.Collector over a counter Source.
// Counters are exposed under their authcore_*_total names.
type Collector struct {
	source Source
	descs  map[authcore.MetricID]*prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds a collector for the given source. Register it
// with a prometheus.Registerer to expose the counters.
func NewCollector(source Source) *Collector {
	ids := authcore.MetricIDs()
	descs := make(map[authcore.MetricID]*prometheus.Desc, len(ids))
	for _, id := range ids {
		descs[id] = prometheus.NewDesc(authcore.MetricName(id), metricHelp(id), nil, nil)
	}
	return &Collector{source: source, descs: descs}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.MetricsSnapshot()
	for id, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(snap.Counters[id]))
	}
}

func metricHelp(id authcore.MetricID) string {
	switch id {
	case authcore.MetricLoginSuccess:
		return "Logins that produced a token pair."
	case authcore.MetricLoginFailure:
		return "Logins rejected for bad credentials or account state."
	case authcore.MetricLoginLocked:
		return "Logins refused while the identifier was locked out."
	case authcore.MetricLoginRateLimited:
		return "Requests refused by the fixed-window limiter."
	case authcore.MetricChallengeIssued:
		return "Logins deferred into a second-factor challenge."
	case authcore.MetricTwoFactorSuccess:
		return "Second-factor challenges completed successfully."
	case authcore.MetricTwoFactorFailure:
		return "Second-factor attempts rejected."
	case authcore.MetricBackupCodeUsed:
		return "Second-factor completions that consumed a backup code."
	case authcore.MetricRefreshSuccess:
		return "Refresh tokens redeemed for a new pair."
	case authcore.MetricRefreshReuse:
		return "Redemption attempts against already-rotated tokens."
	case authcore.MetricRefreshFailure:
		return "Refresh attempts rejected for any other reason."
	case authcore.MetricVerifyExpired:
		return "Access tokens rejected as expired."
	case authcore.MetricVerifyInvalid:
		return "Access tokens rejected as malformed or forged."
	case authcore.MetricLogout:
		return "Single-session logouts."
	case authcore.MetricLogoutAll:
		return "All-session revocations."
	case authcore.MetricBackendError:
		return "Operations that failed against Redis or the account store."
	default:
		return "authcore counter."
	}
}
