package health

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midswap/midswap/internal/chain"
	"github.com/midswap/midswap/internal/store"
)

func TestRegistryAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func(context.Context) Status { return Status{Name: "a", Healthy: true} })
	r.Register("b", func(context.Context) Status { return Status{Name: "b", Detail: "broken"} })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Healthy)
	assert.False(t, statuses[1].Healthy)
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func(context.Context) Status { return Status{Name: "a", Healthy: true} })

	healthy, _ := r.CheckAll(context.Background())
	assert.True(t, healthy)
}

func TestStoreCheck(t *testing.T) {
	check := StoreCheck(store.NewMemoryStore())
	status := check(context.Background())
	assert.True(t, status.Healthy)
	assert.Equal(t, "store", status.Name)
}

type balanceClient struct {
	chain.Client
	balance uint64
	err     error
}

func (c *balanceClient) Balance(context.Context, solana.PublicKey) (uint64, error) {
	return c.balance, c.err
}

func TestEscrowBalanceCheck(t *testing.T) {
	escrow := solana.NewWallet().PublicKey()

	check := EscrowBalanceCheck(&balanceClient{balance: MinEscrowLamports}, escrow, MinEscrowLamports)
	assert.True(t, check(context.Background()).Healthy)

	check = EscrowBalanceCheck(&balanceClient{balance: MinEscrowLamports - 1}, escrow, MinEscrowLamports)
	status := check(context.Background())
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Detail, "below minimum")

	check = EscrowBalanceCheck(&balanceClient{err: errors.New("rpc down")}, escrow, MinEscrowLamports)
	assert.False(t, check(context.Background()).Healthy)
}
