// Package health provides a registry of named subsystem health checkers
// plus the built-in checks for the store, the RPC node, and the escrow
// wallet.
package health

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/midswap/midswap/internal/chain"
	"github.com/midswap/midswap/internal/store"
)

// MinEscrowLamports is the SOL floor below which the escrow wallet can
// no longer pay transaction and ATA rent fees.
const MinEscrowLamports = 50_000_000 // 0.05 SOL

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// StoreCheck probes offer persistence with a cheap read.
func StoreCheck(st store.Store) Checker {
	return func(ctx context.Context) Status {
		if _, err := st.RecentOfferIDs(ctx, 1); err != nil {
			return Status{Name: "store", Detail: err.Error()}
		}
		return Status{Name: "store", Healthy: true}
	}
}

// RPCCheck probes the Solana node with a blockhash fetch.
func RPCCheck(client chain.Client) Checker {
	return func(ctx context.Context) Status {
		if _, err := client.LatestBlockhash(ctx); err != nil {
			return Status{Name: "rpc", Detail: err.Error()}
		}
		return Status{Name: "rpc", Healthy: true}
	}
}

// EscrowBalanceCheck verifies the escrow wallet can still fund fees.
func EscrowBalanceCheck(client chain.Client, escrow solana.PublicKey, minLamports uint64) Checker {
	return func(ctx context.Context) Status {
		balance, err := client.Balance(ctx, escrow)
		if err != nil {
			return Status{Name: "escrow_wallet", Detail: err.Error()}
		}
		detail := fmt.Sprintf("%d lamports", balance)
		if balance < minLamports {
			return Status{Name: "escrow_wallet", Detail: detail + " (below minimum)"}
		}
		return Status{Name: "escrow_wallet", Healthy: true, Detail: detail}
	}
}
