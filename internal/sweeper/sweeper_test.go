package sweeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midswap/midswap/internal/escrow"
	"github.com/midswap/midswap/internal/kv"
	"github.com/midswap/midswap/internal/offerlock"
	"github.com/midswap/midswap/internal/store"
)

const (
	initiatorWallet = "4Nd1mYvNQvGdHPqLqSvpuVTyNpvQXTcAEmMCjGKmPfEV"
	receiverWallet  = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
)

type returnCall struct {
	bundle    escrow.Bundle
	recipient string
}

// fakeLifecycle stubs the offer service surface the sweeper drives.
type fakeLifecycle struct {
	st         store.Store
	returns    []returnCall
	returnErrs []error
	// resumeCompletes makes ResumePhases finish the offer; otherwise it
	// leaves the offer escrowed, emulating another failed release.
	resumeCompletes bool
	resumed         int
}

func (f *fakeLifecycle) ReturnEscrow(_ context.Context, b escrow.Bundle, recipient string) (string, error) {
	f.returns = append(f.returns, returnCall{bundle: b, recipient: recipient})
	if len(f.returnErrs) > 0 {
		err := f.returnErrs[0]
		f.returnErrs = f.returnErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "return_sig", nil
}

func (f *fakeLifecycle) ResumePhases(ctx context.Context, lease *offerlock.Lease, o *store.Offer) {
	f.resumed++
	if !f.resumeCompletes {
		return
	}
	now := time.Now()
	o.ReleasedToReceiver = true
	o.ReleasedToInitiator = true
	o.Status = store.StatusCompleted
	o.CompletedAt = &now
	_ = f.st.Update(ctx, lease, o)
}

type fixture struct {
	sweeper   *Sweeper
	store     *store.MemoryStore
	locks     *offerlock.Manager
	lifecycle *fakeLifecycle
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		locks: offerlock.NewManager(kv.NewMemoryStore()),
		now:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	f.lifecycle = &fakeLifecycle{st: f.store, resumeCompletes: true}
	f.sweeper = New(f.store, f.locks, f.lifecycle, DefaultConfig()).
		WithClock(func() time.Time { return f.now })
	return f
}

var offerSeq int

func (f *fixture) seed(t *testing.T, status store.Status, mutate func(*store.Offer)) *store.Offer {
	t.Helper()
	offerSeq++
	o := &store.Offer{
		ID:                fmt.Sprintf("offer_%032d", offerSeq),
		Initiator:         initiatorWallet,
		Receiver:          receiverWallet,
		Status:            status,
		InitiatorAssets:   []store.Asset{{Mint: "MintA", Kind: store.AssetCore}},
		ReceiverAssets:    []store.Asset{{Mint: "MintB", Kind: store.AssetCore}},
		InitiatorLamports: 1_000_000_000,
		ReceiverLamports:  500_000_000,
		CreatedAt:         f.now.Add(-time.Hour),
		UpdatedAt:         f.now.Add(-time.Hour),
		ExpiresAt:         f.now.Add(23 * time.Hour),
	}
	if mutate != nil {
		mutate(o)
	}
	require.NoError(t, f.store.Create(context.Background(), o))
	return o
}

func TestSweepExpiredReturnsEscrow(t *testing.T) {
	f := newFixture(t)
	o := f.seed(t, store.StatusPending, func(o *store.Offer) {
		o.ExpiresAt = f.now.Add(-time.Minute)
	})
	fresh := f.seed(t, store.StatusPending, nil)

	res := f.sweeper.Sweep(context.Background())

	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.EscrowReturned)
	assert.Empty(t, res.Errors)

	require.Len(t, f.lifecycle.returns, 1)
	call := f.lifecycle.returns[0]
	assert.Equal(t, initiatorWallet, call.recipient)
	assert.Equal(t, uint64(1_000_000_000), call.bundle.Lamports)
	assert.Zero(t, call.bundle.FeeLamports)

	stored, err := f.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, stored.Status)

	untouched, err := f.store.Get(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, untouched.Status)
}

func TestSweepExpiredReturnFailureCountsRetry(t *testing.T) {
	f := newFixture(t)
	o := f.seed(t, store.StatusPending, func(o *store.Offer) {
		o.ExpiresAt = f.now.Add(-time.Minute)
	})
	f.lifecycle.returnErrs = []error{errors.New("rpc down")}

	res := f.sweeper.Sweep(context.Background())

	assert.Zero(t, res.Expired)
	assert.NotEmpty(t, res.Errors)

	stored, err := f.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	// Still pending so the next sweep retries.
	assert.Equal(t, store.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.ExpiryRetryCount)
}

func TestSweepExpiredGivesUpAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	o := f.seed(t, store.StatusPending, func(o *store.Offer) {
		o.ExpiresAt = f.now.Add(-time.Minute)
		o.ExpiryRetryCount = 9
	})
	f.lifecycle.returnErrs = []error{errors.New("rpc down")}

	res := f.sweeper.Sweep(context.Background())
	assert.Equal(t, 1, res.EscrowFailed)

	stored, err := f.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, stored.Status)
	assert.Equal(t, "Exceeded 10 cleanup retries", stored.FailureReason)
}

func TestSweepRetriesCancelledReturn(t *testing.T) {
	f := newFixture(t)
	o := f.seed(t, store.StatusCancelled, func(o *store.Offer) {
		o.CancelRequested = true
	})

	res := f.sweeper.Sweep(context.Background())
	assert.Equal(t, 1, res.EscrowReturned)

	stored, err := f.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, stored.Status)
	assert.False(t, stored.CancelRequested)
	assert.True(t, stored.CancelledByCleanup)
}

func TestSweepCancelledGivesUpAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	o := f.seed(t, store.StatusCancelled, func(o *store.Offer) {
		o.CancelRequested = true
		o.CleanupRetryCount = 9
	})
	f.lifecycle.returnErrs = []error{errors.New("rpc down")}

	res := f.sweeper.Sweep(context.Background())
	assert.Equal(t, 1, res.EscrowFailed)

	stored, err := f.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.False(t, stored.CancelRequested)
	assert.Equal(t, "Exceeded 10 cleanup retries", stored.FailureReason)
}

func TestSweepResumesStuckEscrow(t *testing.T) {
	f := newFixture(t)
	escrowedAt := f.now.Add(-10 * time.Minute)
	o := f.seed(t, store.StatusEscrowed, func(o *store.Offer) {
		o.EscrowedAt = &escrowedAt
	})

	res := f.sweeper.Sweep(context.Background())
	assert.Equal(t, 1, res.EscrowCompleted)
	assert.Equal(t, 1, f.lifecycle.resumed)

	stored, err := f.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, stored.Status)
}

func TestSweepSkipsFreshEscrow(t *testing.T) {
	f := newFixture(t)
	escrowedAt := f.now.Add(-time.Minute)
	f.seed(t, store.StatusEscrowed, func(o *store.Offer) {
		o.EscrowedAt = &escrowedAt
	})

	res := f.sweeper.Sweep(context.Background())
	assert.Zero(t, res.Processed)
	assert.Zero(t, f.lifecycle.resumed)
}

func TestSweepCountsFailedResume(t *testing.T) {
	f := newFixture(t)
	f.lifecycle.resumeCompletes = false
	escrowedAt := f.now.Add(-10 * time.Minute)
	o := f.seed(t, store.StatusEscrowed, func(o *store.Offer) {
		o.EscrowedAt = &escrowedAt
	})

	res := f.sweeper.Sweep(context.Background())
	assert.Equal(t, 1, res.EscrowRetried)

	stored, err := f.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusEscrowed, stored.Status)
	assert.Equal(t, 1, stored.CleanupRetryCount)
}

func TestSweepForceReturnsOldEscrow(t *testing.T) {
	f := newFixture(t)
	escrowedAt := f.now.Add(-3 * time.Hour)
	o := f.seed(t, store.StatusEscrowed, func(o *store.Offer) {
		o.EscrowedAt = &escrowedAt
	})

	res := f.sweeper.Sweep(context.Background())
	assert.Equal(t, 1, res.EscrowFailed)
	assert.Zero(t, f.lifecycle.resumed)

	// Both deposits went home.
	require.Len(t, f.lifecycle.returns, 2)
	assert.Equal(t, initiatorWallet, f.lifecycle.returns[0].recipient)
	assert.Equal(t, receiverWallet, f.lifecycle.returns[1].recipient)

	stored, err := f.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, stored.Status)
	assert.Equal(t, "Exceeded 10 cleanup retries", stored.FailureReason)
}

func TestSweepForceReturnSkipsReleasedLeg(t *testing.T) {
	f := newFixture(t)
	escrowedAt := f.now.Add(-3 * time.Hour)
	f.seed(t, store.StatusEscrowed, func(o *store.Offer) {
		o.EscrowedAt = &escrowedAt
		// Phase 1 already paid the receiver; only the receiver's own
		// deposit can still be unwound.
		o.ReleasedToReceiver = true
	})

	f.sweeper.Sweep(context.Background())

	require.Len(t, f.lifecycle.returns, 1)
	assert.Equal(t, receiverWallet, f.lifecycle.returns[0].recipient)
	assert.Equal(t, uint64(500_000_000), f.lifecycle.returns[0].bundle.Lamports)
}

func TestSweepForceReturnRetriesOnFailure(t *testing.T) {
	f := newFixture(t)
	escrowedAt := f.now.Add(-3 * time.Hour)
	o := f.seed(t, store.StatusEscrowed, func(o *store.Offer) {
		o.EscrowedAt = &escrowedAt
	})
	f.lifecycle.returnErrs = []error{errors.New("rpc down")}

	res := f.sweeper.Sweep(context.Background())
	assert.Zero(t, res.EscrowFailed)
	assert.NotEmpty(t, res.Errors)

	stored, err := f.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	// Still escrowed so the next sweep has another go.
	assert.Equal(t, store.StatusEscrowed, stored.Status)
	assert.Equal(t, 1, stored.CleanupRetryCount)
}

func TestSweepForceReturnAfterRetryCeiling(t *testing.T) {
	f := newFixture(t)
	escrowedAt := f.now.Add(-10 * time.Minute)
	o := f.seed(t, store.StatusEscrowed, func(o *store.Offer) {
		o.EscrowedAt = &escrowedAt
		o.CleanupRetryCount = 10
	})

	f.sweeper.Sweep(context.Background())
	// Retry ceiling forces the unwind even before the age threshold.
	assert.Zero(t, f.lifecycle.resumed)

	stored, err := f.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, stored.Status)
}

func TestSweepSkipsLockedOffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.seed(t, store.StatusPending, func(o *store.Offer) {
		o.ExpiresAt = f.now.Add(-time.Minute)
	})

	lease, err := f.locks.Acquire(ctx, o.ID)
	require.NoError(t, err)
	defer f.locks.Release(ctx, lease)

	res := f.sweeper.Sweep(ctx)
	assert.Zero(t, res.Processed)
	assert.Empty(t, res.Errors)

	stored, err := f.store.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, stored.Status)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTimerStop(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.sweeper, discardLogger())
	timer.interval = 10 * time.Millisecond

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	timer.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
