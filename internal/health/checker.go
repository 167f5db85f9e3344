// Package health runs the background probe loop that keeps identity status
// current: demoting identities whose refresh fails and recovering
// quarantined ones whose refresh works again.
package health

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/NevinXuHui/KiroGate/internal/auth"
	"github.com/NevinXuHui/KiroGate/internal/constants"
	"github.com/NevinXuHui/KiroGate/internal/runtime"
	"github.com/NevinXuHui/KiroGate/internal/store"
)

const taskName = "health-checker"

// Summary is the outcome of one full check cycle.
type Summary struct {
	Checked   int `json:"checked"`
	Valid     int `json:"valid"`
	Invalid   int `json:"invalid"`
	Recovered int `json:"recovered"`
}

// Checker sweeps active and quarantined identities on an interval, probing
// each with a transient credential manager. Probes are paced to one per
// second to stay under upstream rate limits.
type Checker struct {
	st       store.Store
	tm       *runtime.TaskManager
	interval time.Duration
	limiter  *rate.Limiter
	mgrOpts  []auth.Option

	mu      sync.Mutex
	running bool
}

// NewChecker creates a checker sweeping every interval. mgrOpts are applied
// to the transient managers used for probing (tests inject stub endpoints
// through them).
func NewChecker(st store.Store, tm *runtime.TaskManager, interval time.Duration, mgrOpts ...auth.Option) *Checker {
	return &Checker{
		st:       st,
		tm:       tm,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(constants.HealthProbeSpacing), 1),
		mgrOpts:  mgrOpts,
	}
}

// Start launches the background loop. Idempotent: a second call logs a
// warning and does nothing.
func (c *Checker) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		log.Warn("Health checker already running")
		return
	}
	if err := c.tm.Start(taskName, "periodic identity health sweep", c.loop); err != nil {
		log.WithError(err).Warn("Health checker task could not start")
		return
	}
	c.running = true
	log.WithField("interval", c.interval.String()).Info("Health checker started")
}

// Stop cancels the loop. Safe to call when not running.
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	if err := c.tm.Stop(taskName); err != nil {
		log.WithError(err).Debug("Health checker stop")
	}
	c.running = false
	log.Info("Health checker stopped")
}

// loop runs cycles until canceled. A cycle-level error (store unreachable)
// is logged and followed by a fixed backoff; the loop itself survives.
func (c *Checker) loop(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := c.CheckAll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Error("Health check cycle failed")
			select {
			case <-time.After(constants.HealthLoopErrorBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CheckAll probes every active and quarantined identity once and applies
// status transitions. Each identity's records are written independently, so
// a cancellation mid-cycle leaves consistent partial results.
func (c *Checker) CheckAll(ctx context.Context) (Summary, error) {
	var sum Summary

	active, err := c.st.GetTokensByStatus(ctx, store.StatusActive)
	if err != nil {
		return sum, err
	}
	invalid, err := c.st.GetTokensByStatus(ctx, store.StatusInvalid)
	if err != nil {
		return sum, err
	}

	for _, tok := range append(active, invalid...) {
		if err := c.limiter.Wait(ctx); err != nil {
			return sum, err
		}
		c.checkOne(ctx, tok, &sum)
	}

	log.WithFields(log.Fields{
		"checked":   sum.Checked,
		"valid":     sum.Valid,
		"invalid":   sum.Invalid,
		"recovered": sum.Recovered,
	}).Info("Health check cycle complete")
	return sum, nil
}

// checkOne probes a single identity and applies the outcome policy.
func (c *Checker) checkOne(ctx context.Context, tok *store.Token, sum *Summary) {
	sum.Checked++

	probeErr := c.probe(ctx, tok)
	ok := probeErr == nil
	errMsg := ""
	if probeErr != nil {
		errMsg = probeErr.Error()
	}
	if err := c.st.RecordHealthCheck(ctx, tok.ID, ok, errMsg); err != nil {
		log.WithFields(log.Fields{"identity": tok.ID, "error": err}).
			Warn("Failed to record health check result")
	}

	switch {
	case ok && tok.Status == store.StatusInvalid:
		sum.Valid++
		sum.Recovered++
		if err := c.st.SetTokenStatus(ctx, tok.ID, store.StatusActive); err != nil {
			log.WithFields(log.Fields{"identity": tok.ID, "error": err}).
				Warn("Failed to reactivate identity")
			return
		}
		log.WithField("identity", tok.ID).Info("Identity recovered, back to active")
	case ok:
		sum.Valid++
	case tok.Status == store.StatusActive:
		sum.Invalid++
		if err := c.st.SetTokenStatus(ctx, tok.ID, store.StatusInvalid); err != nil {
			log.WithFields(log.Fields{"identity": tok.ID, "error": err}).
				Warn("Failed to quarantine identity")
			return
		}
		log.WithFields(log.Fields{"identity": tok.ID, "error": errMsg}).
			Warn("Identity failed health check, quarantined")
	default:
		sum.Invalid++
	}
}

// probe attempts a refresh through a transient manager built from stored
// credentials. Rotations produced by the probe are persisted like any
// other refresh.
func (c *Checker) probe(ctx context.Context, tok *store.Token) error {
	creds, err := c.st.GetTokenCredentials(ctx, tok.ID)
	if err != nil {
		return err
	}
	persist := func(ctx context.Context, rot store.Rotation) error {
		return c.st.UpdateTokenCredentials(ctx, tok.ID, rot)
	}
	mgr := auth.NewManager(tok.ID, tok.Region, tok.ProfileARN, *creds, persist, c.mgrOpts...)
	_, err = mgr.ForceRefresh(ctx)
	return err
}
