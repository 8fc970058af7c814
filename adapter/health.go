package adapter

import (
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/shmstore/api"
)

// DefaultCheckTimeout bounds a single storage health check.
const DefaultCheckTimeout = time.Second

// RegisterHealthChecks adds checks for every store to h. Readiness fails
// while a store is closed, destroyed or corrupted; liveness fails when one
// of its locks is held by a process that no longer exists.
func RegisterHealthChecks(h healthcheck.Handler, timeout time.Duration, stores ...api.Health) {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	for _, st := range stores {
		h.AddReadinessCheck(st.Name()+"-usable", healthcheck.Timeout(st.Ping, timeout))
		h.AddLivenessCheck(st.Name()+"-lock-holder", healthcheck.Timeout(st.CheckLiveness, timeout))
	}
}
