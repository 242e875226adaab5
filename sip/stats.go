package sip

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsRecorder records message and transaction statistics.
// All methods are nil-safe so layers can carry an optional recorder.
type StatsRecorder struct {
	requestsReceived  atomic.Uint64
	responsesReceived atomic.Uint64
	requestsSent      atomic.Uint64
	responsesSent     atomic.Uint64

	clientInviteActive    atomic.Int64
	clientNonInviteActive atomic.Int64
	serverInviteActive    atomic.Int64
	serverNonInviteActive atomic.Int64

	clientInviteTotal    atomic.Uint64
	clientNonInviteTotal atomic.Uint64
	serverInviteTotal    atomic.Uint64
	serverNonInviteTotal atomic.Uint64
}

// StatsReport is a point-in-time view of the recorded statistics.
type StatsReport struct {
	RequestsReceived  uint64 `json:"requests_received"`
	ResponsesReceived uint64 `json:"responses_received"`
	RequestsSent      uint64 `json:"requests_sent"`
	ResponsesSent     uint64 `json:"responses_sent"`

	ClientInviteTransactions    int64 `json:"client_invite_transactions"`
	ClientNonInviteTransactions int64 `json:"client_non_invite_transactions"`
	ServerInviteTransactions    int64 `json:"server_invite_transactions"`
	ServerNonInviteTransactions int64 `json:"server_non_invite_transactions"`

	ClientInviteTransactionsTotal    uint64 `json:"client_invite_transactions_total"`
	ClientNonInviteTransactionsTotal uint64 `json:"client_non_invite_transactions_total"`
	ServerInviteTransactionsTotal    uint64 `json:"server_invite_transactions_total"`
	ServerNonInviteTransactionsTotal uint64 `json:"server_non_invite_transactions_total"`
}

// Report returns the current statistics.
func (s *StatsRecorder) Report() StatsReport {
	if s == nil {
		return StatsReport{}
	}
	return StatsReport{
		RequestsReceived:  s.requestsReceived.Load(),
		ResponsesReceived: s.responsesReceived.Load(),
		RequestsSent:      s.requestsSent.Load(),
		ResponsesSent:     s.responsesSent.Load(),

		ClientInviteTransactions:    s.clientInviteActive.Load(),
		ClientNonInviteTransactions: s.clientNonInviteActive.Load(),
		ServerInviteTransactions:    s.serverInviteActive.Load(),
		ServerNonInviteTransactions: s.serverNonInviteActive.Load(),

		ClientInviteTransactionsTotal:    s.clientInviteTotal.Load(),
		ClientNonInviteTransactionsTotal: s.clientNonInviteTotal.Load(),
		ServerInviteTransactionsTotal:    s.serverInviteTotal.Load(),
		ServerNonInviteTransactionsTotal: s.serverNonInviteTotal.Load(),
	}
}

func (s *StatsRecorder) msgReceived(msg Message) {
	if s == nil {
		return
	}
	if msg.IsRequest() {
		s.requestsReceived.Add(1)
	} else {
		s.responsesReceived.Add(1)
	}
}

func (s *StatsRecorder) msgSent(msg Message) {
	if s == nil {
		return
	}
	if msg.IsRequest() {
		s.requestsSent.Add(1)
	} else {
		s.responsesSent.Add(1)
	}
}

func (s *StatsRecorder) clientTxCreated(typ TransactionType) {
	if s == nil {
		return
	}
	if typ == TransactionTypeClientInvite {
		s.clientInviteActive.Add(1)
		s.clientInviteTotal.Add(1)
	} else {
		s.clientNonInviteActive.Add(1)
		s.clientNonInviteTotal.Add(1)
	}
}

func (s *StatsRecorder) clientTxDestroyed(typ TransactionType) {
	if s == nil {
		return
	}
	if typ == TransactionTypeClientInvite {
		s.clientInviteActive.Add(-1)
	} else {
		s.clientNonInviteActive.Add(-1)
	}
}

func (s *StatsRecorder) serverTxCreated(typ TransactionType) {
	if s == nil {
		return
	}
	if typ == TransactionTypeServerInvite {
		s.serverInviteActive.Add(1)
		s.serverInviteTotal.Add(1)
	} else {
		s.serverNonInviteActive.Add(1)
		s.serverNonInviteTotal.Add(1)
	}
}

func (s *StatsRecorder) serverTxDestroyed(typ TransactionType) {
	if s == nil {
		return
	}
	if typ == TransactionTypeServerInvite {
		s.serverInviteActive.Add(-1)
	} else {
		s.serverNonInviteActive.Add(-1)
	}
}

// StatsCollector exports a [StatsRecorder] as Prometheus metrics.
type StatsCollector struct {
	stats *StatsRecorder

	msgsDesc   *prometheus.Desc
	activeDesc *prometheus.Desc
	totalDesc  *prometheus.Desc
}

// NewStatsCollector creates a Prometheus collector over the recorder.
func NewStatsCollector(stats *StatsRecorder) *StatsCollector {
	return &StatsCollector{
		stats: stats,
		msgsDesc: prometheus.NewDesc(
			"sip_messages_total",
			"Number of SIP messages processed.",
			[]string{"kind", "direction"}, nil,
		),
		activeDesc: prometheus.NewDesc(
			"sip_transactions_active",
			"Number of currently active SIP transactions.",
			[]string{"type"}, nil,
		),
		totalDesc: prometheus.NewDesc(
			"sip_transactions_total",
			"Total number of created SIP transactions.",
			[]string{"type"}, nil,
		),
	}
}

// Describe implements [prometheus.Collector].
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.msgsDesc
	ch <- c.activeDesc
	ch <- c.totalDesc
}

// Collect implements [prometheus.Collector].
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	rep := c.stats.Report()

	ch <- prometheus.MustNewConstMetric(c.msgsDesc, prometheus.CounterValue,
		float64(rep.RequestsReceived), "request", "in")
	ch <- prometheus.MustNewConstMetric(c.msgsDesc, prometheus.CounterValue,
		float64(rep.ResponsesReceived), "response", "in")
	ch <- prometheus.MustNewConstMetric(c.msgsDesc, prometheus.CounterValue,
		float64(rep.RequestsSent), "request", "out")
	ch <- prometheus.MustNewConstMetric(c.msgsDesc, prometheus.CounterValue,
		float64(rep.ResponsesSent), "response", "out")

	ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue,
		float64(rep.ClientInviteTransactions), string(TransactionTypeClientInvite))
	ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue,
		float64(rep.ClientNonInviteTransactions), string(TransactionTypeClientNonInvite))
	ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue,
		float64(rep.ServerInviteTransactions), string(TransactionTypeServerInvite))
	ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue,
		float64(rep.ServerNonInviteTransactions), string(TransactionTypeServerNonInvite))

	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.CounterValue,
		float64(rep.ClientInviteTransactionsTotal), string(TransactionTypeClientInvite))
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.CounterValue,
		float64(rep.ClientNonInviteTransactionsTotal), string(TransactionTypeClientNonInvite))
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.CounterValue,
		float64(rep.ServerInviteTransactionsTotal), string(TransactionTypeServerInvite))
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.CounterValue,
		float64(rep.ServerNonInviteTransactionsTotal), string(TransactionTypeServerNonInvite))
}

var _ prometheus.Collector = (*StatsCollector)(nil)
