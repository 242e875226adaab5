package sip

import "time"

// Default values for SIP timers as described in RFC 3261.
const (
	// T1 is the message RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message will remain in the network.
	T4 = 5 * time.Second
	// TimeD is the wait duration for response retransmits via unreliable transport.
	TimeD = 32 * time.Second
	// Time100 is the timeout for automatic 100 Trying response on INVITE.
	Time100 = 200 * time.Millisecond
)

// TimingConfig represents SIP timing config.
// Zero value uses default base values [T1], [T2], [T4], [TimeD], [Time100];
// all other timings are calculated from these.
type TimingConfig struct {
	t1, t2, t4,
	timeD,
	time100 time.Duration
}

var defTimingCfg TimingConfig

// NewTimings creates a new SIP timing config with specified base values.
func NewTimings(t1, t2, t4, timeD, time100 time.Duration) TimingConfig {
	return TimingConfig{t1, t2, t4, timeD, time100}
}

// T1 is the message RTT estimate.
func (c TimingConfig) T1() time.Duration {
	if c.t1 == 0 {
		return T1
	}
	return c.t1
}

// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
func (c TimingConfig) T2() time.Duration {
	if c.t2 == 0 {
		return T2
	}
	return c.t2
}

// T4 is the maximum duration a message will remain in the network.
func (c TimingConfig) T4() time.Duration {
	if c.t4 == 0 {
		return T4
	}
	return c.t4
}

// Time100 is the timeout for the automatic 100 Trying response on INVITE.
func (c TimingConfig) Time100() time.Duration {
	if c.time100 == 0 {
		return Time100
	}
	return c.time100
}

// TimeA is the initial INVITE retransmit interval on unreliable transport.
func (c TimingConfig) TimeA() time.Duration { return c.T1() }

// TimeB is the INVITE client transaction timeout.
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeD is the wait for response retransmits on unreliable transport.
func (c TimingConfig) TimeD() time.Duration {
	if c.timeD == 0 {
		return TimeD
	}
	return c.timeD
}

// TimeE is the initial non-INVITE retransmit interval on unreliable transport.
func (c TimingConfig) TimeE() time.Duration { return c.T1() }

// TimeF is the non-INVITE transaction timeout.
func (c TimingConfig) TimeF() time.Duration { return 64 * c.T1() }

// TimeG is the initial INVITE final-response retransmit interval.
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH is the wait for ACK receipt.
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI is the wait for ACK retransmits.
func (c TimingConfig) TimeI() time.Duration { return c.T4() }

// TimeJ is the wait for non-INVITE request retransmits.
func (c TimingConfig) TimeJ() time.Duration { return 64 * c.T1() }

// TimeK is the wait for non-INVITE response retransmits.
func (c TimingConfig) TimeK() time.Duration { return c.T4() }

// TimeL is the wait for accepted INVITE 2xx retransmits (RFC 6026).
func (c TimingConfig) TimeL() time.Duration { return 64 * c.T1() }

// TimeM is the wait for 2xx retransmits on an accepted client INVITE (RFC 6026).
func (c TimingConfig) TimeM() time.Duration { return 64 * c.T1() }
