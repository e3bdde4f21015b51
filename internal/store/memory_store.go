package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/midswap/midswap/internal/offerlock"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	offers map[string]*Offer
	logs   map[string][]TxLogEntry
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers: make(map[string]*Offer),
		logs:   make(map[string][]TxLogEntry),
		now:    time.Now,
	}
}

// WithClock overrides the time source for tests.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Create(ctx context.Context, offer *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.offers[offer.ID]; ok {
		return ErrOfferExists
	}
	m.offers[offer.ID] = offer.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, lease *offerlock.Lease, offer *Offer) error {
	if err := CheckLease(lease, offer.ID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.offers[offer.ID]; !ok {
		return ErrOfferNotFound
	}
	offer.UpdatedAt = m.now()
	m.offers[offer.ID] = offer.Clone()
	return nil
}

func (m *MemoryStore) MarkExpired(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return ErrOfferNotFound
	}
	if o.Status != StatusPending {
		return ErrBadTransition
	}
	o.Status = StatusExpired
	o.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ListByWallet(ctx context.Context, wallet string, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Offer
	for _, o := range m.offers {
		if o.Initiator == wallet || o.Receiver == wallet {
			out = append(out, o.Clone())
		}
	}
	sortNewestFirst(out)
	return clip(out, limit), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Offer
	for _, o := range m.offers {
		if o.Status == status {
			out = append(out, o.Clone())
		}
	}
	sortNewestFirst(out)
	return clip(out, limit), nil
}

func (m *MemoryStore) ListCancelRequested(ctx context.Context, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Offer
	for _, o := range m.offers {
		if o.Status == StatusCancelled && o.CancelRequested {
			out = append(out, o.Clone())
		}
	}
	sortNewestFirst(out)
	return clip(out, limit), nil
}

func (m *MemoryStore) CountActiveByWallet(ctx context.Context, wallet string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, o := range m.offers {
		if o.Status != StatusPending && o.Status != StatusEscrowed {
			continue
		}
		if o.Initiator == wallet || o.Receiver == wallet {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AppendTxLog(ctx context.Context, offerID string, entry TxLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now()
	}
	m.logs[offerID] = append(m.logs[offerID], entry)
	return nil
}

func (m *MemoryStore) TxLog(ctx context.Context, offerID string, limit int) ([]TxLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.logs[offerID]
	out := append([]TxLogEntry(nil), log...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStore) RecentOfferIDs(ctx context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Offer, 0, len(m.offers))
	for _, o := range m.offers {
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })

	ids := make([]string, 0, len(all))
	for _, o := range all {
		ids = append(ids, o.ID)
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func sortNewestFirst(offers []*Offer) {
	sort.Slice(offers, func(i, j int) bool {
		return offers[i].CreatedAt.After(offers[j].CreatedAt)
	})
}

func clip(offers []*Offer, limit int) []*Offer {
	if limit > 0 && len(offers) > limit {
		return offers[:limit]
	}
	return offers
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
