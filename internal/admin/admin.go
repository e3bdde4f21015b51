// Package admin provides secret-protected endpoints for resolving stuck
// escrow states: forcing releases, returning orphaned assets, and
// inspecting offer transaction logs.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/midswap/midswap/internal/chain"
	"github.com/midswap/midswap/internal/escrow"
	"github.com/midswap/midswap/internal/logging"
	"github.com/midswap/midswap/internal/offerlock"
	"github.com/midswap/midswap/internal/store"
)

var (
	ErrReleaseNotAllowed = errors.New("offer status does not allow a forced release")
	ErrNotOrphan         = errors.New("asset belongs to a live offer")
	ErrNotInEscrow       = errors.New("asset is not held by the escrow wallet")
	ErrUnsupportedKind   = errors.New("only core assets can be returned this way")
)

// Lifecycle is the slice of the offer service admin operations drive.
type Lifecycle interface {
	ResumePhases(ctx context.Context, lease *offerlock.Lease, offer *store.Offer)
	ReturnEscrow(ctx context.Context, bundle escrow.Bundle, recipient string) (string, error)
}

// EscrowInspector verifies on-chain custody for orphan returns.
type EscrowInspector interface {
	VerifyInEscrow(ctx context.Context, mint string) (*chain.Asset, error)
}

// Service implements the admin operations.
type Service struct {
	store     store.Store
	locks     *offerlock.Manager
	lifecycle Lifecycle
	inspector EscrowInspector
}

func NewService(st store.Store, locks *offerlock.Manager, lifecycle Lifecycle, inspector EscrowInspector) *Service {
	return &Service{store: st, locks: locks, lifecycle: lifecycle, inspector: inspector}
}

// ForceRelease re-drives the release phases of an offer an operator has
// judged safe to push through. Already-released legs are skipped. This
// bypasses the normal state machine for failed offers, so it is an
// operator override, not a user-facing path.
func (s *Service) ForceRelease(ctx context.Context, offerID string) (*store.Offer, error) {
	lease, err := s.locks.Acquire(ctx, offerID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.locks.Release(ctx, lease); err != nil {
			logging.L(ctx).Warn("admin lock release failed", "offer", offerID, "error", err)
		}
	}()

	offer, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	switch offer.Status {
	case store.StatusPending, store.StatusEscrowed, store.StatusFailed:
	default:
		return nil, ErrReleaseNotAllowed
	}

	if err := s.store.AppendTxLog(ctx, offerID, store.TxLogEntry{Action: "admin_force_release"}); err != nil {
		logging.L(ctx).Warn("tx log append failed", "offer", offerID, "error", err)
	}

	s.lifecycle.ResumePhases(ctx, lease, offer)

	if offer.ReleasedToReceiver && offer.ReleasedToInitiator && offer.Status != store.StatusCompleted {
		offer.Status = store.StatusCompleted
		offer.FailureReason = ""
		if err := s.store.Update(ctx, lease, offer); err != nil {
			return nil, fmt.Errorf("persist forced completion: %w", err)
		}
	}
	return offer, nil
}

// ReturnOrphan sends a core asset sitting in the escrow wallet but
// referenced by no live offer back to its owner. Custody is verified on
// chain first; compressed and standard assets need manual handling.
func (s *Service) ReturnOrphan(ctx context.Context, mint, recipient string) (string, error) {
	asset, err := s.inspector.VerifyInEscrow(ctx, mint)
	if err != nil {
		if errors.Is(err, escrow.ErrAssetNotInEscrow) {
			return "", ErrNotInEscrow
		}
		return "", err
	}
	if asset.Compressed {
		return "", ErrUnsupportedKind
	}

	live, err := s.assetInLiveOffer(ctx, mint)
	if err != nil {
		return "", err
	}
	if live {
		return "", ErrNotOrphan
	}

	return s.lifecycle.ReturnEscrow(ctx, escrow.Bundle{
		Assets: []store.Asset{{Mint: mint, Kind: store.AssetCore, Name: asset.Name}},
	}, recipient)
}

// assetInLiveOffer scans pending and escrowed offers for the mint.
func (s *Service) assetInLiveOffer(ctx context.Context, mint string) (bool, error) {
	for _, status := range []store.Status{store.StatusPending, store.StatusEscrowed} {
		offers, err := s.store.ListByStatus(ctx, status, 0)
		if err != nil {
			return false, fmt.Errorf("list %s offers: %w", status, err)
		}
		for _, o := range offers {
			for _, a := range append(append([]store.Asset{}, o.InitiatorAssets...), o.ReceiverAssets...) {
				if a.Mint == mint {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// OfferLog is one offer's transaction log.
type OfferLog struct {
	OfferID string             `json:"offerId"`
	Entries []store.TxLogEntry `json:"entries"`
}

// TxLogs returns one offer's log, or the logs of the ten most recently
// updated offers when offerID is empty.
func (s *Service) TxLogs(ctx context.Context, offerID string) ([]OfferLog, error) {
	ids := []string{offerID}
	if offerID == "" {
		var err error
		ids, err = s.store.RecentOfferIDs(ctx, 10)
		if err != nil {
			return nil, err
		}
	}

	logs := make([]OfferLog, 0, len(ids))
	for _, id := range ids {
		entries, err := s.store.TxLog(ctx, id, 50)
		if err != nil {
			return nil, err
		}
		logs = append(logs, OfferLog{OfferID: id, Entries: entries})
	}
	return logs, nil
}

// SecretMiddleware rejects requests whose X-Admin-Secret header does not
// match. A constant-time compare keeps the secret unguessable through
// timing.
func SecretMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin interface disabled"})
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
