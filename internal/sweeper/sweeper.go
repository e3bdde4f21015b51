// Package sweeper repairs offers the request path left behind: expired
// pending offers whose escrow must go home, cancelled offers with a
// failed return, and escrowed offers stuck mid-release.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/midswap/midswap/internal/escrow"
	"github.com/midswap/midswap/internal/logging"
	"github.com/midswap/midswap/internal/offerlock"
	"github.com/midswap/midswap/internal/store"
)

// Lifecycle is the slice of the offer service the sweeper drives.
type Lifecycle interface {
	// ResumePhases re-runs unfinished release phases under lease.
	ResumePhases(ctx context.Context, lease *offerlock.Lease, offer *store.Offer)
	// ReturnEscrow sends a deposit back to its depositor, fee free.
	ReturnEscrow(ctx context.Context, bundle escrow.Bundle, recipient string) (string, error)
}

// Config holds the sweep cadence and give-up thresholds.
type Config struct {
	// Interval between timer-driven sweeps.
	Interval time.Duration
	// EscrowStuckAfter is how long an offer may sit escrowed before the
	// sweeper intervenes.
	EscrowStuckAfter time.Duration
	// ForceReturnAfter is the escrowed age past which both deposits go
	// back to their owners and the offer fails.
	ForceReturnAfter time.Duration
	// MaxCleanupRetries bounds repair attempts per offer.
	MaxCleanupRetries int
	// BatchSize caps offers examined per category per sweep.
	BatchSize int
}

// DefaultConfig mirrors production cadence.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Minute,
		EscrowStuckAfter:  5 * time.Minute,
		ForceReturnAfter:  2 * time.Hour,
		MaxCleanupRetries: 10,
		BatchSize:         100,
	}
}

// failureReason is recorded when the sweeper gives up on an offer.
const failureReason = "Exceeded 10 cleanup retries"

// Result summarizes one sweep.
type Result struct {
	Processed       int      `json:"processed"`
	Expired         int      `json:"expired"`
	EscrowReturned  int      `json:"escrowReturned"`
	EscrowRetried   int      `json:"escrowRetried"`
	EscrowCompleted int      `json:"escrowCompleted"`
	EscrowFailed    int      `json:"escrowFailed"`
	Errors          []string `json:"errors,omitempty"`
}

// Sweeper scans the store and repairs offers. Every mutation goes
// through the same lock the request path uses, so a sweep can never
// race an in-flight accept or cancel; locked offers are simply skipped
// until the next pass.
type Sweeper struct {
	store     store.Store
	locks     *offerlock.Manager
	lifecycle Lifecycle
	cfg       Config
	now       func() time.Time
}

func New(st store.Store, locks *offerlock.Manager, lifecycle Lifecycle, cfg Config) *Sweeper {
	return &Sweeper{store: st, locks: locks, lifecycle: lifecycle, cfg: cfg, now: time.Now}
}

// WithClock overrides the time source for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep runs one full pass over all repair categories.
func (s *Sweeper) Sweep(ctx context.Context) *Result {
	start := s.now()
	res := &Result{}

	s.sweepExpired(ctx, res)
	s.sweepCancelled(ctx, res)
	s.sweepEscrowed(ctx, res)

	observeSweep(time.Since(start), res)
	logging.L(ctx).Info("sweep finished",
		"processed", res.Processed, "expired", res.Expired,
		"escrow_returned", res.EscrowReturned, "escrow_retried", res.EscrowRetried,
		"escrow_completed", res.EscrowCompleted, "escrow_failed", res.EscrowFailed,
		"errors", len(res.Errors))
	return res
}

// sweepExpired returns escrow for pending offers past their deadline.
func (s *Sweeper) sweepExpired(ctx context.Context, res *Result) {
	pending, err := s.store.ListByStatus(ctx, store.StatusPending, s.cfg.BatchSize)
	if err != nil {
		res.fail("list pending: %v", err)
		return
	}

	now := s.now()
	for _, offer := range pending {
		if !offer.ExpiredAt(now) {
			continue
		}
		s.withLock(ctx, res, offer.ID, func(lease *offerlock.Lease, o *store.Offer) {
			if !o.ExpiredAt(s.now()) {
				return
			}
			res.Processed++

			sig, err := s.lifecycle.ReturnEscrow(ctx, escrow.Bundle{
				Assets:   o.InitiatorAssets,
				Lamports: o.InitiatorLamports,
			}, o.Initiator)
			if err != nil {
				o.ExpiryRetryCount++
				if o.ExpiryRetryCount >= s.cfg.MaxCleanupRetries {
					o.Status = store.StatusFailed
					o.FailureReason = failureReason
					res.EscrowFailed++
				}
				res.fail("expire %s: %v", o.ID, err)
				s.log(ctx, o.ID, store.TxLogEntry{Action: "expire_return_failed", Error: err.Error()})
			} else {
				o.Status = store.StatusExpired
				res.Expired++
				res.EscrowReturned++
				s.log(ctx, o.ID, store.TxLogEntry{Action: "expired", TxSignature: sig})
			}

			if perr := s.store.Update(ctx, lease, o); perr != nil {
				res.fail("persist expiry %s: %v", o.ID, perr)
			}
		})
	}
}

// sweepCancelled retries the escrow return for cancelled offers that
// still owe one.
func (s *Sweeper) sweepCancelled(ctx context.Context, res *Result) {
	owed, err := s.store.ListCancelRequested(ctx, s.cfg.BatchSize)
	if err != nil {
		res.fail("list cancel-requested: %v", err)
		return
	}

	for _, offer := range owed {
		s.withLock(ctx, res, offer.ID, func(lease *offerlock.Lease, o *store.Offer) {
			if !o.CancelRequested {
				return
			}
			res.Processed++

			sig, err := s.lifecycle.ReturnEscrow(ctx, escrow.Bundle{
				Assets:   o.InitiatorAssets,
				Lamports: o.InitiatorLamports,
			}, o.Initiator)
			if err != nil {
				o.CleanupRetryCount++
				if o.CleanupRetryCount >= s.cfg.MaxCleanupRetries {
					o.CancelRequested = false
					o.FailureReason = failureReason
					res.EscrowFailed++
				}
				res.fail("cancel return %s: %v", o.ID, err)
			} else {
				o.CancelRequested = false
				o.CancelledByCleanup = true
				res.EscrowReturned++
				s.log(ctx, o.ID, store.TxLogEntry{Action: "cancel_return_completed", TxSignature: sig})
			}

			if perr := s.store.Update(ctx, lease, o); perr != nil {
				res.fail("persist cancel return %s: %v", o.ID, perr)
			}
		})
	}
}

// sweepEscrowed finishes or unwinds offers stuck between the escrowed
// checkpoint and completion.
func (s *Sweeper) sweepEscrowed(ctx context.Context, res *Result) {
	stuck, err := s.store.ListByStatus(ctx, store.StatusEscrowed, s.cfg.BatchSize)
	if err != nil {
		res.fail("list escrowed: %v", err)
		return
	}

	for _, offer := range stuck {
		if offer.EscrowedAt == nil || s.now().Sub(*offer.EscrowedAt) < s.cfg.EscrowStuckAfter {
			continue
		}
		s.withLock(ctx, res, offer.ID, func(lease *offerlock.Lease, o *store.Offer) {
			if o.Status != store.StatusEscrowed {
				return
			}
			res.Processed++

			age := s.now().Sub(*o.EscrowedAt)
			if age >= s.cfg.ForceReturnAfter || o.CleanupRetryCount >= s.cfg.MaxCleanupRetries {
				s.forceReturn(ctx, res, lease, o)
				return
			}

			s.lifecycle.ResumePhases(ctx, lease, o)
			if o.Status == store.StatusCompleted {
				res.EscrowCompleted++
				return
			}

			o.CleanupRetryCount++
			res.EscrowRetried++
			if perr := s.store.Update(ctx, lease, o); perr != nil {
				res.fail("persist escrow retry %s: %v", o.ID, perr)
			}
		})
	}
}

// forceReturn unwinds a hopeless escrowed offer. Each deposit goes back
// to its owner unless its outgoing leg already released; a released leg
// cannot be clawed back.
func (s *Sweeper) forceReturn(ctx context.Context, res *Result, lease *offerlock.Lease, o *store.Offer) {
	returned := true

	if !o.ReleasedToReceiver {
		sig, err := s.lifecycle.ReturnEscrow(ctx, escrow.Bundle{
			Assets:   o.InitiatorAssets,
			Lamports: o.InitiatorLamports,
		}, o.Initiator)
		if err != nil {
			returned = false
			res.fail("force return to initiator %s: %v", o.ID, err)
		} else {
			s.log(ctx, o.ID, store.TxLogEntry{Action: "force_return_to_initiator", TxSignature: sig})
		}
	}
	if !o.ReleasedToInitiator {
		sig, err := s.lifecycle.ReturnEscrow(ctx, escrow.Bundle{
			Assets:   o.ReceiverAssets,
			Lamports: o.ReceiverLamports,
		}, o.Receiver)
		if err != nil {
			returned = false
			res.fail("force return to receiver %s: %v", o.ID, err)
		} else {
			s.log(ctx, o.ID, store.TxLogEntry{Action: "force_return_to_receiver", TxSignature: sig})
		}
	}

	if !returned {
		// Leave escrowed so the next sweep tries again.
		o.CleanupRetryCount++
		if perr := s.store.Update(ctx, lease, o); perr != nil {
			res.fail("persist force-return retry %s: %v", o.ID, perr)
		}
		return
	}

	o.Status = store.StatusFailed
	o.FailureReason = failureReason
	res.EscrowFailed++
	s.log(ctx, o.ID, store.TxLogEntry{Action: "force_returned"})
	if perr := s.store.Update(ctx, lease, o); perr != nil {
		res.fail("persist force return %s: %v", o.ID, perr)
	}
}

// withLock runs fn with the offer lock held on a fresh read of the
// offer. Locked offers are skipped, not waited on.
func (s *Sweeper) withLock(ctx context.Context, res *Result, offerID string, fn func(*offerlock.Lease, *store.Offer)) {
	lease, err := s.locks.Acquire(ctx, offerID)
	if err != nil {
		if !errors.Is(err, offerlock.ErrLockHeld) {
			res.fail("lock %s: %v", offerID, err)
		}
		return
	}
	defer func() {
		if err := s.locks.Release(ctx, lease); err != nil {
			logging.L(ctx).Warn("sweep lock release failed", "offer", offerID, "error", err)
		}
	}()

	offer, err := s.store.Get(ctx, offerID)
	if err != nil {
		res.fail("load %s: %v", offerID, err)
		return
	}
	fn(lease, offer)
}

func (s *Sweeper) log(ctx context.Context, offerID string, entry store.TxLogEntry) {
	if err := s.store.AppendTxLog(ctx, offerID, entry); err != nil {
		logging.L(ctx).Warn("sweep tx log append failed", "offer", offerID, "error", err)
	}
}

func (r *Result) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}
