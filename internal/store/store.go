// Package store persists swap offers and their transaction logs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/midswap/midswap/internal/offerlock"
)

// Status is the lifecycle state of an offer.
type Status string

const (
	// StatusPending: initiator's side is escrowed, waiting on the receiver.
	StatusPending Status = "pending"
	// StatusEscrowed: both sides deposited; the durable checkpoint
	// written before any release is attempted.
	StatusEscrowed Status = "escrowed"
	// StatusCompleted: both release phases done.
	StatusCompleted Status = "completed"
	// StatusCancelled: initiator cancelled or receiver declined.
	StatusCancelled Status = "cancelled"
	// StatusExpired: pending past its deadline, escrow returned.
	StatusExpired Status = "expired"
	// StatusFailed: gave up after release retries; assets force-returned.
	StatusFailed Status = "failed"
)

// validNext enumerates the allowed status transitions.
var validNext = map[Status][]Status{
	StatusPending:  {StatusEscrowed, StatusCancelled, StatusExpired, StatusFailed},
	StatusEscrowed: {StatusCompleted, StatusFailed},
}

// ValidTransition reports whether from -> to is a legal move.
func ValidTransition(from, to Status) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return len(validNext[s]) == 0
}

// AssetKind tags how an NFT must be moved on chain.
type AssetKind string

const (
	// AssetCore: account-based MPL Core asset, one transfer instruction.
	AssetCore AssetKind = "core"
	// AssetCompressed: Bubblegum leaf, needs a fresh merkle proof per attempt.
	AssetCompressed AssetKind = "compressed"
	// AssetStandard: classic SPL token, destination ATA created on demand.
	AssetStandard AssetKind = "standard"
)

// Asset is one NFT on either side of an offer. Kind is resolved from
// chain metadata when the deposit is verified and never re-classified
// afterwards, so releases use exactly what verification saw.
type Asset struct {
	Mint       string    `json:"mint"`
	Kind       AssetKind `json:"kind"`
	Name       string    `json:"name,omitempty"`
	Collection string    `json:"collection,omitempty"`
}

// TxLogEntry is one append-only audit record for an offer.
type TxLogEntry struct {
	Action      string    `json:"action"`
	Wallet      string    `json:"wallet,omitempty"`
	TxSignature string    `json:"txSignature,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Offer is a swap between an initiator and a receiver. Lamport amounts
// face each other: InitiatorLamports is what the initiator deposited,
// ReceiverLamports what the receiver owes.
type Offer struct {
	ID        string `json:"id"`
	Initiator string `json:"initiator"`
	Receiver  string `json:"receiver"`
	Status    Status `json:"status"`

	InitiatorAssets   []Asset `json:"initiatorAssets"`
	ReceiverAssets    []Asset `json:"receiverAssets"`
	InitiatorLamports uint64  `json:"initiatorLamports"`
	ReceiverLamports  uint64  `json:"receiverLamports"`

	FeeLamports uint64 `json:"feeLamports"`
	FeeExempt   bool   `json:"feeExempt"`

	EscrowTxSignature         string `json:"escrowTxSignature,omitempty"`
	ReceiverEscrowTxSignature string `json:"receiverEscrowTxSignature,omitempty"`

	// Two-phase release bookkeeping. Each phase is independently
	// retryable; a set flag means that leg's assets have left escrow
	// and must never be sent again.
	ReleasedToReceiver      bool   `json:"releasedToReceiver"`
	ReleasedToInitiator     bool   `json:"releasedToInitiator"`
	ReleaseToReceiverTx     string `json:"releaseToReceiverTx,omitempty"`
	ReleaseToInitiatorTx    string `json:"releaseToInitiatorTx,omitempty"`
	ReleaseToReceiverError  string `json:"releaseToReceiverError,omitempty"`
	ReleaseToInitiatorError string `json:"releaseToInitiatorError,omitempty"`

	// Sweeper bookkeeping.
	ExpiryRetryCount   int    `json:"expiryRetryCount,omitempty"`
	CleanupRetryCount  int    `json:"cleanupRetryCount,omitempty"`
	CancelRequested    bool   `json:"cancelRequested,omitempty"`
	CancelledByCleanup bool   `json:"cancelledByCleanup,omitempty"`
	FailureReason      string `json:"failureReason,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	EscrowedAt  *time.Time `json:"escrowedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// ExpiredAt reports whether a pending offer is past its deadline.
func (o *Offer) ExpiredAt(now time.Time) bool {
	return o.Status == StatusPending && now.After(o.ExpiresAt)
}

// Clone returns a deep copy so store internals never alias caller state.
func (o *Offer) Clone() *Offer {
	c := *o
	c.InitiatorAssets = append([]Asset(nil), o.InitiatorAssets...)
	c.ReceiverAssets = append([]Asset(nil), o.ReceiverAssets...)
	if o.EscrowedAt != nil {
		t := *o.EscrowedAt
		c.EscrowedAt = &t
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Typed errors for store operations.
var (
	ErrOfferNotFound = errors.New("offer not found")
	ErrOfferExists   = errors.New("offer already exists")
	ErrNotLocked     = errors.New("offer mutation requires a lock lease")
	ErrBadTransition = errors.New("invalid status transition")
)

// Store is the persistence contract for offers.
//
// Update demands the caller's lock lease for the offer being written,
// so the type system keeps unserialized mutations out. The lease is
// checked for identity, not liveness; a lease that outlived its TTL
// still writes (known gap, mirrored from the lock design).
type Store interface {
	Create(ctx context.Context, offer *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	Update(ctx context.Context, lease *offerlock.Lease, offer *Offer) error

	// MarkExpired flips a still-pending offer to expired without a
	// lease. Used for lazy expiry on read paths; the store guards the
	// transition itself so a concurrent accept cannot be clobbered.
	MarkExpired(ctx context.Context, id string) error

	ListByWallet(ctx context.Context, wallet string, limit int) ([]*Offer, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Offer, error)
	// ListCancelRequested returns cancelled offers whose escrow return
	// is still owed.
	ListCancelRequested(ctx context.Context, limit int) ([]*Offer, error)
	CountActiveByWallet(ctx context.Context, wallet string) (int, error)

	AppendTxLog(ctx context.Context, offerID string, entry TxLogEntry) error
	TxLog(ctx context.Context, offerID string, limit int) ([]TxLogEntry, error)
	// RecentOfferIDs returns the most recently updated offer IDs.
	RecentOfferIDs(ctx context.Context, limit int) ([]string, error)
}

// CheckLease validates that lease authorizes writing offerID. Shared by
// store implementations.
func CheckLease(lease *offerlock.Lease, offerID string) error {
	if lease == nil || lease.OfferID != offerID || lease.Token == "" {
		return ErrNotLocked
	}
	return nil
}
