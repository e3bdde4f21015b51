// Package offers coordinates the swap offer lifecycle: create, accept
// with two-phase release, cancel/decline, and release retries.
//
// Every mutation follows the same shape: acquire the offer lock, check
// the state machine, do the chain work, persist through the lease, and
// release the lock. The escrowed checkpoint is always persisted before
// the first release transfer so a crash can never lose the fact that
// the receiver's deposit was accepted.
package offers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/midswap/midswap/internal/escrow"
	"github.com/midswap/midswap/internal/idgen"
	"github.com/midswap/midswap/internal/logging"
	"github.com/midswap/midswap/internal/metrics"
	"github.com/midswap/midswap/internal/offerlock"
	"github.com/midswap/midswap/internal/store"
)

// Typed errors surfaced to handlers.
var (
	ErrSelfTrade      = errors.New("initiator and receiver must differ")
	ErrEmptyTrade     = errors.New("both sides must put something in the trade")
	ErrTooManyAssets  = errors.New("too many NFTs on one side")
	ErrTooMuchSol     = errors.New("too much SOL on one side")
	ErrTooManyActive  = errors.New("too many active offers for this wallet")
	ErrNotPending     = errors.New("offer is not pending")
	ErrNotEscrowed    = errors.New("offer is not escrowed")
	ErrNotParticipant = errors.New("wallet is not part of this offer")
	ErrNotReceiver    = errors.New("only the receiver may do this")
	ErrNotInitiator   = errors.New("only the initiator may do this")
	ErrOfferExpired   = errors.New("offer has expired")
)

// Executor is the escrow surface the coordinator needs.
type Executor interface {
	Release(ctx context.Context, b escrow.Bundle, recipient string) (string, error)
	VerifyDeposit(ctx context.Context, signature, depositor string, assets []store.Asset, lamports, feeLamports uint64) ([]store.Asset, error)
}

// HolderChecker answers fee-exemption lookups.
type HolderChecker interface {
	OwnsCollectionItem(ctx context.Context, owner, collection string) (bool, error)
}

// Limits are the per-offer guardrails.
type Limits struct {
	MaxNftsPerSide     int
	MaxLamportsPerSide uint64
	OfferExpiry        time.Duration
	MaxActiveOffers    int
	PlatformFeeRate    float64
	HolderCollection   string
}

// Service implements the offer lifecycle.
type Service struct {
	store  store.Store
	locks  *offerlock.Manager
	claims *escrow.TxClaims
	exec   Executor
	holder HolderChecker
	limits Limits
	feeBps uint64
	now    func() time.Time
}

// NewService wires the coordinator. holder may be nil when no fee
// exemption collection is configured.
func NewService(st store.Store, locks *offerlock.Manager, claims *escrow.TxClaims, exec Executor, holder HolderChecker, limits Limits) *Service {
	return &Service{
		store:  st,
		locks:  locks,
		claims: claims,
		exec:   exec,
		holder: holder,
		limits: limits,
		feeBps: uint64(limits.PlatformFeeRate*10000 + 0.5),
		now:    time.Now,
	}
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// feeOn computes the platform fee for a SOL leg. Basis points keep the
// arithmetic integral.
func (s *Service) feeOn(lamports uint64, exempt bool) uint64 {
	if exempt {
		return 0
	}
	return lamports * s.feeBps / 10000
}

// CreateRequest declares a new offer. Asset slices carry mints only;
// kinds and metadata are filled in by deposit verification.
type CreateRequest struct {
	Initiator         string
	Receiver          string
	InitiatorAssets   []store.Asset
	ReceiverAssets    []store.Asset
	InitiatorLamports uint64
	ReceiverLamports  uint64
	// DepositSignature is the initiator's escrow deposit transaction.
	DepositSignature string
}

// Create validates the request, verifies the initiator's deposit, and
// persists a pending offer. The deposit signature is claimed before
// verification so two offers can never share one deposit; the claim is
// released again when verification rejects it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Offer, error) {
	if req.Initiator == req.Receiver {
		return nil, ErrSelfTrade
	}
	if (len(req.InitiatorAssets) == 0 && req.InitiatorLamports == 0) ||
		(len(req.ReceiverAssets) == 0 && req.ReceiverLamports == 0) {
		return nil, ErrEmptyTrade
	}
	if len(req.InitiatorAssets) > s.limits.MaxNftsPerSide || len(req.ReceiverAssets) > s.limits.MaxNftsPerSide {
		return nil, ErrTooManyAssets
	}
	if req.InitiatorLamports > s.limits.MaxLamportsPerSide || req.ReceiverLamports > s.limits.MaxLamportsPerSide {
		return nil, ErrTooMuchSol
	}

	active, err := s.store.CountActiveByWallet(ctx, req.Initiator)
	if err != nil {
		return nil, fmt.Errorf("count active offers: %w", err)
	}
	if active >= s.limits.MaxActiveOffers {
		return nil, ErrTooManyActive
	}

	feeExempt := s.holderExempt(ctx, req.Initiator)

	id := idgen.Offer()
	if err := s.claims.Claim(ctx, req.DepositSignature, id); err != nil {
		return nil, err
	}

	enriched, err := s.exec.VerifyDeposit(ctx, req.DepositSignature, req.Initiator,
		req.InitiatorAssets, req.InitiatorLamports, 0)
	if err != nil {
		metrics.DepositVerificationsTotal.WithLabelValues("rejected").Inc()
		// Free the deposit for a corrected retry.
		if relErr := s.claims.Release(ctx, req.DepositSignature); relErr != nil {
			logging.L(ctx).Error("failed to release deposit claim",
				"signature", req.DepositSignature, "error", relErr)
		}
		return nil, err
	}
	metrics.DepositVerificationsTotal.WithLabelValues("verified").Inc()

	now := s.now()
	offer := &store.Offer{
		ID:                id,
		Initiator:         req.Initiator,
		Receiver:          req.Receiver,
		Status:            store.StatusPending,
		InitiatorAssets:   enriched,
		ReceiverAssets:    req.ReceiverAssets,
		InitiatorLamports: req.InitiatorLamports,
		ReceiverLamports:  req.ReceiverLamports,
		FeeExempt:         feeExempt,
		FeeLamports:       s.feeOn(req.InitiatorLamports, feeExempt) + s.feeOn(req.ReceiverLamports, feeExempt),
		EscrowTxSignature: req.DepositSignature,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(s.limits.OfferExpiry),
	}

	if err := s.store.Create(ctx, offer); err != nil {
		return nil, fmt.Errorf("persist offer: %w", err)
	}
	s.log(ctx, id, store.TxLogEntry{Action: "create", Wallet: req.Initiator, TxSignature: req.DepositSignature})
	metrics.OffersTotal.WithLabelValues("created").Inc()

	logging.L(ctx).Info("offer created",
		"offer", id, "initiator", req.Initiator, "receiver", req.Receiver,
		"fee_exempt", feeExempt)
	return offer, nil
}

// holderExempt checks the fee exemption collection. Lookup failures
// mean no exemption; fees err on the side of being charged.
func (s *Service) holderExempt(ctx context.Context, wallet string) bool {
	if s.holder == nil || s.limits.HolderCollection == "" {
		return false
	}
	owns, err := s.holder.OwnsCollectionItem(ctx, wallet, s.limits.HolderCollection)
	if err != nil {
		logging.L(ctx).Warn("holder exemption lookup failed", "wallet", wallet, "error", err)
		return false
	}
	return owns
}

// Accept verifies the receiver's deposit and runs the two-phase
// release. The escrowed checkpoint is persisted before phase one; each
// phase persists its own outcome so a crash between phases loses
// nothing. Accept succeeds once the checkpoint is durable; release
// failures ride along in the returned offer for the sweeper and
// retry-release to finish.
func (s *Service) Accept(ctx context.Context, offerID, receiver, depositSignature string) (*store.Offer, error) {
	lease, err := s.locks.Acquire(ctx, offerID)
	if err != nil {
		return nil, err
	}
	defer s.unlock(ctx, lease)

	offer, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.Receiver != receiver {
		return nil, ErrNotReceiver
	}
	if offer.Status != store.StatusPending {
		return nil, ErrNotPending
	}
	if offer.ExpiredAt(s.now()) {
		if err := s.store.MarkExpired(ctx, offerID); err != nil {
			logging.L(ctx).Error("lazy expiry failed", "offer", offerID, "error", err)
		}
		return nil, ErrOfferExpired
	}

	if err := s.claims.Claim(ctx, depositSignature, offerID); err != nil {
		return nil, err
	}

	enriched, err := s.exec.VerifyDeposit(ctx, depositSignature, receiver,
		offer.ReceiverAssets, offer.ReceiverLamports, 0)
	if err != nil {
		metrics.DepositVerificationsTotal.WithLabelValues("rejected").Inc()
		if relErr := s.claims.Release(ctx, depositSignature); relErr != nil {
			logging.L(ctx).Error("failed to release deposit claim",
				"signature", depositSignature, "error", relErr)
		}
		s.log(ctx, offerID, store.TxLogEntry{Action: "accept_rejected", Wallet: receiver, TxSignature: depositSignature, Error: err.Error()})
		return nil, err
	}
	metrics.DepositVerificationsTotal.WithLabelValues("verified").Inc()

	// Durability boundary: both deposits are in escrow. Persist before
	// anything leaves the wallet.
	now := s.now()
	offer.Status = store.StatusEscrowed
	offer.EscrowedAt = &now
	offer.ReceiverEscrowTxSignature = depositSignature
	offer.ReceiverAssets = enriched
	if err := s.store.Update(ctx, lease, offer); err != nil {
		return nil, fmt.Errorf("persist escrowed checkpoint: %w", err)
	}
	s.log(ctx, offerID, store.TxLogEntry{Action: "escrowed", Wallet: receiver, TxSignature: depositSignature})
	metrics.OffersTotal.WithLabelValues("escrowed").Inc()

	s.runReleasePhases(ctx, lease, offer)
	return offer, nil
}

// runReleasePhases drives the two release phases that are still owed,
// persisting after each. Already-released legs are never re-sent. When
// both legs are done the offer is completed.
func (s *Service) runReleasePhases(ctx context.Context, lease *offerlock.Lease, offer *store.Offer) {
	if !offer.ReleasedToReceiver {
		sig, err := s.exec.Release(ctx, escrow.Bundle{
			Assets:      offer.InitiatorAssets,
			Lamports:    offer.InitiatorLamports,
			FeeLamports: s.feeOn(offer.InitiatorLamports, offer.FeeExempt),
		}, offer.Receiver)
		s.recordPhase(ctx, lease, offer, phaseToReceiver, sig, err)
	}

	if !offer.ReleasedToInitiator {
		sig, err := s.exec.Release(ctx, escrow.Bundle{
			Assets:      offer.ReceiverAssets,
			Lamports:    offer.ReceiverLamports,
			FeeLamports: s.feeOn(offer.ReceiverLamports, offer.FeeExempt),
		}, offer.Initiator)
		s.recordPhase(ctx, lease, offer, phaseToInitiator, sig, err)
	}

	if offer.ReleasedToReceiver && offer.ReleasedToInitiator && offer.Status == store.StatusEscrowed {
		now := s.now()
		offer.Status = store.StatusCompleted
		offer.CompletedAt = &now
		if err := s.store.Update(ctx, lease, offer); err != nil {
			logging.L(ctx).Error("CRITICAL: both legs released but completion not persisted",
				"offer", offer.ID, "error", err)
			return
		}
		s.log(ctx, offer.ID, store.TxLogEntry{Action: "completed"})
		metrics.OffersTotal.WithLabelValues("completed").Inc()
		metrics.OfferCompletionDuration.Observe(now.Sub(offer.CreatedAt).Seconds())
	}
}

type releasePhase int

const (
	phaseToReceiver releasePhase = iota
	phaseToInitiator
)

// recordPhase persists one release phase outcome.
func (s *Service) recordPhase(ctx context.Context, lease *offerlock.Lease, offer *store.Offer, phase releasePhase, sig string, err error) {
	action := "release_to_receiver"
	wallet := offer.Receiver
	if phase == phaseToInitiator {
		action = "release_to_initiator"
		wallet = offer.Initiator
	}

	if err != nil {
		metrics.ReleasesTotal.WithLabelValues("failed").Inc()
		if phase == phaseToReceiver {
			offer.ReleaseToReceiverError = err.Error()
		} else {
			offer.ReleaseToInitiatorError = err.Error()
		}
		s.log(ctx, offer.ID, store.TxLogEntry{Action: action + "_failed", Wallet: wallet, TxSignature: sig, Error: err.Error()})
		logging.L(ctx).Error("release phase failed", "offer", offer.ID, "phase", action, "error", err)
	} else {
		metrics.ReleasesTotal.WithLabelValues("sent").Inc()
		if phase == phaseToReceiver {
			offer.ReleasedToReceiver = true
			offer.ReleaseToReceiverTx = sig
			offer.ReleaseToReceiverError = ""
		} else {
			offer.ReleasedToInitiator = true
			offer.ReleaseToInitiatorTx = sig
			offer.ReleaseToInitiatorError = ""
		}
		s.log(ctx, offer.ID, store.TxLogEntry{Action: action, Wallet: wallet, TxSignature: sig})
	}

	if perr := s.store.Update(ctx, lease, offer); perr != nil {
		logging.L(ctx).Error("CRITICAL: release phase outcome not persisted",
			"offer", offer.ID, "phase", action, "error", perr)
	}
}

// ResumePhases re-drives the unfinished release phases of an escrowed
// offer under the caller's lease. Background cleanup uses this so the
// fee and bookkeeping logic lives in exactly one place.
func (s *Service) ResumePhases(ctx context.Context, lease *offerlock.Lease, offer *store.Offer) {
	s.runReleasePhases(ctx, lease, offer)
}

// ReturnEscrow sends a deposit back to its depositor. Returns are
// always fee free.
func (s *Service) ReturnEscrow(ctx context.Context, bundle escrow.Bundle, recipient string) (string, error) {
	return s.exec.Release(ctx, bundle, recipient)
}

// Cancel finalizes a pending offer as cancelled (initiator) or declined
// (receiver) and returns the initiator's escrow. A failed return does
// not block the cancellation: the offer finalizes cancelled with
// CancelRequested set and the sweeper keeps retrying the return.
func (s *Service) Cancel(ctx context.Context, offerID, wallet string, decline bool) (*store.Offer, error) {
	lease, err := s.locks.Acquire(ctx, offerID)
	if err != nil {
		return nil, err
	}
	defer s.unlock(ctx, lease)

	offer, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if decline && offer.Receiver != wallet {
		return nil, ErrNotReceiver
	}
	if !decline && offer.Initiator != wallet {
		return nil, ErrNotInitiator
	}
	if offer.Status != store.StatusPending {
		return nil, ErrNotPending
	}

	action := "cancel"
	if decline {
		action = "decline"
	}

	sig, relErr := s.exec.Release(ctx, escrow.Bundle{
		Assets:   offer.InitiatorAssets,
		Lamports: offer.InitiatorLamports,
	}, offer.Initiator)

	offer.Status = store.StatusCancelled
	if relErr != nil {
		offer.CancelRequested = true
		s.log(ctx, offerID, store.TxLogEntry{Action: action + "_return_failed", Wallet: wallet, TxSignature: sig, Error: relErr.Error()})
		logging.L(ctx).Error("escrow return failed during cancel; sweeper will retry",
			"offer", offerID, "error", relErr)
	} else {
		s.log(ctx, offerID, store.TxLogEntry{Action: action, Wallet: wallet, TxSignature: sig})
	}

	if err := s.store.Update(ctx, lease, offer); err != nil {
		return nil, fmt.Errorf("persist cancellation: %w", err)
	}
	metrics.OffersTotal.WithLabelValues("cancelled").Inc()
	return offer, nil
}

// RetryRelease re-drives the unfinished phases of an escrowed offer.
// Either participant may call it; completed legs are skipped, so it is
// idempotent against double submission.
func (s *Service) RetryRelease(ctx context.Context, offerID, wallet string) (*store.Offer, error) {
	lease, err := s.locks.Acquire(ctx, offerID)
	if err != nil {
		return nil, err
	}
	defer s.unlock(ctx, lease)

	offer, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.Initiator != wallet && offer.Receiver != wallet {
		return nil, ErrNotParticipant
	}
	if offer.Status != store.StatusEscrowed {
		return nil, ErrNotEscrowed
	}

	s.log(ctx, offerID, store.TxLogEntry{Action: "retry_release", Wallet: wallet})
	s.runReleasePhases(ctx, lease, offer)
	return offer, nil
}

// Get returns one offer, lazily expiring it when a pending deadline has
// passed.
func (s *Service) Get(ctx context.Context, offerID string) (*store.Offer, error) {
	offer, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	s.lazyExpire(ctx, offer)
	return offer, nil
}

// ListByWallet returns a wallet's offers newest first, lazily expiring
// stale pending ones.
func (s *Service) ListByWallet(ctx context.Context, wallet string, limit int) ([]*store.Offer, error) {
	offers, err := s.store.ListByWallet(ctx, wallet, limit)
	if err != nil {
		return nil, err
	}
	for _, o := range offers {
		s.lazyExpire(ctx, o)
	}
	return offers, nil
}

func (s *Service) lazyExpire(ctx context.Context, offer *store.Offer) {
	if !offer.ExpiredAt(s.now()) {
		return
	}
	if err := s.store.MarkExpired(ctx, offer.ID); err != nil {
		// Lost the race with an accept or the sweeper; report as stored.
		logging.L(ctx).Debug("lazy expiry skipped", "offer", offer.ID, "error", err)
		return
	}
	offer.Status = store.StatusExpired
}

func (s *Service) unlock(ctx context.Context, lease *offerlock.Lease) {
	if err := s.locks.Release(ctx, lease); err != nil {
		logging.L(ctx).Warn("lock release failed", "offer", lease.OfferID, "error", err)
	}
}

func (s *Service) log(ctx context.Context, offerID string, entry store.TxLogEntry) {
	if err := s.store.AppendTxLog(ctx, offerID, entry); err != nil {
		logging.L(ctx).Warn("tx log append failed", "offer", offerID, "action", entry.Action, "error", err)
	}
}
