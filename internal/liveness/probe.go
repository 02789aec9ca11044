// Package liveness decides whether an import that claims to be running still
// has a worker attached.
package liveness

import (
	"context"
	"strconv"
	"time"

	"import-status-tracker/internal/lock"
)

// ProbeTTL bounds how long a probe can accidentally block a starting worker.
const ProbeTTL = 3 * time.Second

// Probe reports whether a worker is actively processing a site's import.
type Probe interface {
	IsAlive(ctx context.Context, siteID int64) (bool, error)
}

// Locker is the subset of the lock service the probe relies on.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, bool, error)
}

// LockProbe infers liveness from the per-site lock workers hold while running.
// If the lock can be taken nobody holds it, so the probe releases it at once
// and reports the import as not alive.
type LockProbe struct {
	locker Locker
}

func NewLockProbe(locker Locker) *LockProbe {
	return &LockProbe{locker: locker}
}

func (p *LockProbe) IsAlive(ctx context.Context, siteID int64) (bool, error) {
	lease, ok, err := p.locker.TryAcquire(ctx, LockName(siteID), ProbeTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	// ignore release errors, the lease expires after ProbeTTL anyway
	_ = lease.Release(ctx)
	return false, nil
}

// LockName is the lock workers must hold for the duration of a site's run.
func LockName(siteID int64) string {
	return strconv.FormatInt(siteID, 10)
}
