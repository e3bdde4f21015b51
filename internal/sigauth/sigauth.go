// Package sigauth authenticates swap operations with wallet signatures.
//
// A caller signs a canonical message with the ed25519 key behind their
// wallet address and sends the base58 signature plus the millisecond
// timestamp embedded in the message. The guard verifies the signature,
// bounds the timestamp to a freshness window, and rejects signatures
// it has already consumed. Replay state lives in the kv store under
// used_sig:<signature> and the check fails closed on store errors.
package sigauth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"

	"github.com/midswap/midswap/internal/kv"
)

// Typed errors for signature verification.
var (
	ErrBadSignature  = errors.New("signature verification failed")
	ErrBadWallet     = errors.New("wallet is not a valid public key")
	ErrStaleMessage  = errors.New("signed message is too old")
	ErrFutureMessage = errors.New("signed message timestamp is in the future")
	ErrReplayed      = errors.New("signature has already been used")
)

// Window defaults.
const (
	DefaultMaxAge     = 5 * time.Minute
	DefaultFutureSkew = 60 * time.Second

	// usedTTL keeps consumed signatures around for twice the freshness
	// window; beyond that the timestamp check alone rejects them.
	usedTTL = 10 * time.Minute
)

// Guard verifies wallet signatures and tracks consumed ones.
type Guard struct {
	store      kv.Store
	maxAge     time.Duration
	futureSkew time.Duration
	now        func() time.Time
}

// NewGuard creates a guard with the default freshness window.
func NewGuard(store kv.Store) *Guard {
	return &Guard{
		store:      store,
		maxAge:     DefaultMaxAge,
		futureSkew: DefaultFutureSkew,
		now:        time.Now,
	}
}

// WithMaxAge overrides the maximum message age.
func (g *Guard) WithMaxAge(d time.Duration) *Guard {
	g.maxAge = d
	return g
}

// WithClock overrides the time source for tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

func usedKey(signature string) string {
	return "used_sig:" + signature
}

// Verify checks signature over message by wallet, and that the embedded
// millisecond timestamp is inside the freshness window. It does not
// consume the signature; call MarkUsed after the guarded operation
// succeeds, so a failed operation can be retried with the same message.
func (g *Guard) Verify(ctx context.Context, wallet, signature, message string, timestampMs int64) error {
	pub, err := base58.Decode(wallet)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrBadWallet
	}

	sig, err := base58.Decode(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}

	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(message), sig) {
		return ErrBadSignature
	}

	now := g.now()
	ts := time.UnixMilli(timestampMs)
	if now.Sub(ts) > g.maxAge {
		return ErrStaleMessage
	}
	if ts.Sub(now) > g.futureSkew {
		return ErrFutureMessage
	}

	used, err := g.isUsed(ctx, signature)
	if err != nil {
		// Fail closed: an unreadable replay set must not admit replays.
		return fmt.Errorf("replay check: %w", err)
	}
	if used {
		return ErrReplayed
	}
	return nil
}

// MarkUsed records signature as consumed.
func (g *Guard) MarkUsed(ctx context.Context, signature string) error {
	return g.store.Set(ctx, usedKey(signature), "1", usedTTL)
}

func (g *Guard) isUsed(ctx context.Context, signature string) (bool, error) {
	_, found, err := g.store.Get(ctx, usedKey(signature))
	return found, err
}

// Canonical message builders. The timestamp is supplied by the client
// and echoed back in the request so both sides sign identical bytes.

// CreateOfferMessage is signed by the initiator when creating an offer.
func CreateOfferMessage(initiator, receiver string, timestampMs int64) string {
	return fmt.Sprintf("Midswap create offer from %s to %s at %d", initiator, receiver, timestampMs)
}

// AcceptOfferMessage is signed by the receiver when accepting.
func AcceptOfferMessage(offerID string, timestampMs int64) string {
	return fmt.Sprintf("Midswap accept offer %s at %d", offerID, timestampMs)
}

// CancelOfferMessage is signed by the initiator when cancelling.
func CancelOfferMessage(offerID string, timestampMs int64) string {
	return fmt.Sprintf("Midswap cancel offer %s at %d", offerID, timestampMs)
}

// DeclineOfferMessage is signed by the receiver when declining.
func DeclineOfferMessage(offerID string, timestampMs int64) string {
	return fmt.Sprintf("Midswap decline offer %s at %d", offerID, timestampMs)
}

// RetryReleaseMessage is signed by either party to re-drive releases.
func RetryReleaseMessage(offerID string, timestampMs int64) string {
	return fmt.Sprintf("Midswap retry-release offer %s at %d", offerID, timestampMs)
}
