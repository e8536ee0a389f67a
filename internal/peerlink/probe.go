package peerlink

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

type statsConn interface {
	GetStats() webrtc.StatsReport
}

// Probe periodically samples a link's transport statistics and reports the
// round-trip time of the active candidate pair. It never blocks the link:
// a sample with no succeeded pair reports ok=false and latency display
// degrades to "unknown".
type Probe struct {
	conn     statsConn
	interval time.Duration
	report   func(rtt time.Duration, ok bool)

	stopOnce sync.Once
	stop     chan struct{}
}

func NewProbe(conn statsConn, interval time.Duration, report func(rtt time.Duration, ok bool)) *Probe {
	return &Probe{
		conn:     conn,
		interval: interval,
		report:   report,
		stop:     make(chan struct{}),
	}
}

// Run samples until Stop is called. Call it on its own goroutine.
func (p *Probe) Run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			rtt, ok := currentRTT(p.conn.GetStats())
			p.report(rtt, ok)
		}
	}
}

// Stop is idempotent.
func (p *Probe) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// currentRTT extracts the round-trip time of the nominated, succeeded ICE
// candidate pair, if any.
func currentRTT(report webrtc.StatsReport) (time.Duration, bool) {
	for _, s := range report {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok {
			continue
		}
		if pair.State != webrtc.StatsICECandidatePairStateSucceeded || !pair.Nominated {
			continue
		}
		return time.Duration(pair.CurrentRoundTripTime * float64(time.Second)), true
	}
	return 0, false
}
