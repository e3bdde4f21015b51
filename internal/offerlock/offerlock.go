// Package offerlock serializes mutations to a single offer.
//
// A lock is an expiring kv entry acquired with an atomic set-if-absent.
// The holder gets back a Lease carrying a random token; release only
// succeeds while the stored token still matches, so a slow holder
// whose lease expired cannot delete a lock acquired by someone else.
// Expiry is passive: an expired entry simply loses to the next Acquire.
package offerlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/midswap/midswap/internal/idgen"
	"github.com/midswap/midswap/internal/kv"
)

// DefaultTTL bounds how long a crashed holder can block an offer.
const DefaultTTL = 900 * time.Second

// ErrLockHeld is returned when another holder owns the offer lock.
var ErrLockHeld = errors.New("offer is locked by another operation")

// Lease proves lock ownership for one offer. Store mutations require a
// lease so that no code path can write an offer it has not locked.
type Lease struct {
	OfferID    string
	Token      string
	AcquiredAt time.Time
}

// Manager acquires and releases offer locks against a kv store.
type Manager struct {
	store kv.Store
	ttl   time.Duration
}

// NewManager creates a lock manager with DefaultTTL.
func NewManager(store kv.Store) *Manager {
	return &Manager{store: store, ttl: DefaultTTL}
}

// WithTTL overrides the lease TTL.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

func lockKey(offerID string) string {
	return "lock:offer:" + offerID
}

// Acquire takes the lock for offerID. It returns ErrLockHeld when the
// lock is live under another token. Known gap: the lease is not fenced,
// so an operation that outlives its TTL can still write through a lease
// whose kv entry has already lapsed.
func (m *Manager) Acquire(ctx context.Context, offerID string) (*Lease, error) {
	token := idgen.Hex(16)

	ok, err := m.store.SetNX(ctx, lockKey(offerID), token, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock for %s: %w", offerID, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return &Lease{
		OfferID:    offerID,
		Token:      token,
		AcquiredAt: time.Now(),
	}, nil
}

// Release frees the lock if the stored token still matches the lease.
// A mismatch means the lease expired and someone else holds the lock;
// that is not an error, the lock is simply left alone.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}

	stored, found, err := m.store.Get(ctx, lockKey(lease.OfferID))
	if err != nil {
		return fmt.Errorf("release lock for %s: %w", lease.OfferID, err)
	}
	if !found || stored != lease.Token {
		return nil
	}
	return m.store.Delete(ctx, lockKey(lease.OfferID))
}

// Held reports whether a live lock exists for offerID. The sweeper uses
// this to skip offers with an operation in flight.
func (m *Manager) Held(ctx context.Context, offerID string) (bool, error) {
	_, found, err := m.store.Get(ctx, lockKey(offerID))
	if err != nil {
		return false, fmt.Errorf("check lock for %s: %w", offerID, err)
	}
	return found, nil
}
