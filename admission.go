package brokercore

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Admission implements spec.md §4.12: a hard connection cap plus an
// additive CONNECT-rate limiter. The rate limiter never overrides the
// hard cap — it only ever makes admission stricter, shedding bursts of
// CONNECTs that would otherwise all land under the cap in the same
// instant (grounded in the axmq-ax and chenquan-lighthouse manifests'
// use of golang.org/x/time/rate for inbound admission control).
type Admission struct {
	cfg *ClusterConfigStore

	current atomic.Uint64
	limiter *rate.Limiter
}

// NewAdmission builds an Admission gate. burst bounds how many CONNECTs
// can be accepted in the same instant before the per-second limit
// starts shedding; ratePerSec == 0 disables rate limiting (only the
// hard cap applies).
func NewAdmission(cfg *ClusterConfigStore, ratePerSec float64, burst int) *Admission {
	a := &Admission{cfg: cfg}
	if ratePerSec > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return a
}

// TryAdmit reports whether a new CONNECT may proceed. On success the
// caller must eventually call Release once the connection is torn down
// so the slot is returned to the pool (spec.md §4.12, §4.9 step 1).
func (a *Admission) TryAdmit() (admitted bool, reason ReasonCode) {
	max := a.cfg.Get().BrokerConnectionsMax
	for {
		cur := a.current.Load()
		if max != 0 && cur >= max {
			return false, ReasonCodeServerBusy
		}
		if a.current.CompareAndSwap(cur, cur+1) {
			break
		}
	}

	if a.limiter != nil && !a.limiter.Allow() {
		a.current.Add(^uint64(0)) // undo the reservation above
		return false, ReasonCodeConnectionRateExceed
	}
	return true, ReasonCodeSuccess
}

// Release returns one admitted slot to the pool (spec.md §4.9 disconnect
// choreography, step 1: the Connection is gone, so its admission slot
// is free).
func (a *Admission) Release() {
	for {
		cur := a.current.Load()
		if cur == 0 {
			return
		}
		if a.current.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Current reports the number of admitted, not-yet-released connections.
func (a *Admission) Current() uint64 {
	return a.current.Load()
}
