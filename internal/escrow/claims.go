package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/midswap/midswap/internal/kv"
)

// ClaimTTL keeps a deposit signature claimed well past offer expiry, so
// a signature cannot fund a second offer after the first one dies.
const ClaimTTL = 48 * time.Hour

// TxClaims reserves deposit transaction signatures so each funds at
// most one offer. A claim is taken before verification and released
// only when verification rejects the transaction; a verified claim
// stays until its TTL lapses.
type TxClaims struct {
	store kv.Store
}

// NewTxClaims creates a claim registry over the kv store.
func NewTxClaims(store kv.Store) *TxClaims {
	return &TxClaims{store: store}
}

func claimKey(signature string) string {
	return "used_escrow_tx:" + signature
}

// Claim reserves signature for offerID. Returns ErrTxClaimed when the
// signature is already reserved, and fails closed on store errors.
func (c *TxClaims) Claim(ctx context.Context, signature, offerID string) error {
	ok, err := c.store.SetNX(ctx, claimKey(signature), offerID, ClaimTTL)
	if err != nil {
		return fmt.Errorf("claim deposit tx: %w", err)
	}
	if !ok {
		return ErrTxClaimed
	}
	return nil
}

// Release frees a claim after a failed verification so the depositor
// can retry with the same transaction.
func (c *TxClaims) Release(ctx context.Context, signature string) error {
	return c.store.Delete(ctx, claimKey(signature))
}
