package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midswap/midswap/internal/chain"
	"github.com/midswap/midswap/internal/escrow"
	"github.com/midswap/midswap/internal/health"
	"github.com/midswap/midswap/internal/kv"
	"github.com/midswap/midswap/internal/offerlock"
	"github.com/midswap/midswap/internal/store"
)

const (
	initiatorWallet = "4Nd1mYvNQvGdHPqLqSvpuVTyNpvQXTcAEmMCjGKmPfEV"
	receiverWallet  = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	orphanMint      = "So11111111111111111111111111111111111111112"
	adminSecret     = "topsecret"
)

type fakeLifecycle struct {
	st       store.Store
	resumed  int
	returned []escrow.Bundle
}

func (f *fakeLifecycle) ResumePhases(ctx context.Context, lease *offerlock.Lease, o *store.Offer) {
	f.resumed++
	o.ReleasedToReceiver = true
	o.ReleasedToInitiator = true
	if o.Status == store.StatusEscrowed {
		o.Status = store.StatusCompleted
	}
	_ = f.st.Update(ctx, lease, o)
}

func (f *fakeLifecycle) ReturnEscrow(_ context.Context, b escrow.Bundle, _ string) (string, error) {
	f.returned = append(f.returned, b)
	return "orphan_sig", nil
}

type fakeInspector struct {
	asset *chain.Asset
	err   error
}

func (f *fakeInspector) VerifyInEscrow(context.Context, string) (*chain.Asset, error) {
	return f.asset, f.err
}

type fixture struct {
	router    *gin.Engine
	store     *store.MemoryStore
	locks     *offerlock.Manager
	lifecycle *fakeLifecycle
	inspector *fakeInspector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		store:     store.NewMemoryStore(),
		locks:     offerlock.NewManager(kv.NewMemoryStore()),
		inspector: &fakeInspector{asset: &chain.Asset{Mint: orphanMint, Name: "Orphan"}},
	}
	f.lifecycle = &fakeLifecycle{st: f.store}

	checks := health.NewRegistry()
	checks.Register("store", health.StoreCheck(f.store))

	svc := NewService(f.store, f.locks, f.lifecycle, f.inspector)

	f.router = gin.New()
	grp := f.router.Group("/admin", SecretMiddleware(adminSecret))
	NewHandler(svc, checks).RegisterRoutes(grp)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Admin-Secret", adminSecret)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) seed(t *testing.T, id string, status store.Status) *store.Offer {
	t.Helper()
	o := &store.Offer{
		ID:              id,
		Initiator:       initiatorWallet,
		Receiver:        receiverWallet,
		Status:          status,
		InitiatorAssets: []store.Asset{{Mint: "MintA", Kind: store.AssetCore}},
		ReceiverAssets:  []store.Asset{{Mint: "MintB", Kind: store.AssetCore}},
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
		ExpiresAt:       time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, f.store.Create(context.Background(), o))
	return o
}

func TestSecretMiddleware(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	req.Header.Set("X-Admin-Secret", "wrong")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecretMiddlewareDisabledWithoutSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/x", SecretMiddleware(""), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Admin-Secret", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestForceReleaseEscrowed(t *testing.T) {
	f := newFixture(t)
	o := f.seed(t, "offer_00000000000000000000000000000001", store.StatusEscrowed)

	rec := f.do(t, http.MethodPost, "/admin/offers/"+o.ID+"/release", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, f.lifecycle.resumed)

	stored, err := f.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, stored.Status)
}

func TestForceReleaseFailedOfferOverridesStatus(t *testing.T) {
	f := newFixture(t)
	o := f.seed(t, "offer_00000000000000000000000000000002", store.StatusFailed)

	rec := f.do(t, http.MethodPost, "/admin/offers/"+o.ID+"/release", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := f.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, stored.Status)
	assert.Empty(t, stored.FailureReason)
}

func TestForceReleaseRejectsCompleted(t *testing.T) {
	f := newFixture(t)
	o := f.seed(t, "offer_00000000000000000000000000000003", store.StatusCompleted)

	rec := f.do(t, http.MethodPost, "/admin/offers/"+o.ID+"/release", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Zero(t, f.lifecycle.resumed)
}

func TestReturnOrphan(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/admin/orphans/return", gin.H{
		"mint":      orphanMint,
		"recipient": initiatorWallet,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, f.lifecycle.returned, 1)
	require.Len(t, f.lifecycle.returned[0].Assets, 1)
	assert.Equal(t, orphanMint, f.lifecycle.returned[0].Assets[0].Mint)
	assert.Equal(t, store.AssetCore, f.lifecycle.returned[0].Assets[0].Kind)
}

func TestReturnOrphanRejectsLiveOfferAsset(t *testing.T) {
	f := newFixture(t)
	o := f.seed(t, "offer_00000000000000000000000000000004", store.StatusPending)
	o.InitiatorAssets[0].Mint = orphanMint
	lease, err := f.locks.Acquire(context.Background(), o.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.Update(context.Background(), lease, o))
	require.NoError(t, f.locks.Release(context.Background(), lease))

	rec := f.do(t, http.MethodPost, "/admin/orphans/return", gin.H{
		"mint":      orphanMint,
		"recipient": initiatorWallet,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, f.lifecycle.returned)
}

func TestReturnOrphanRejectsCompressed(t *testing.T) {
	f := newFixture(t)
	f.inspector.asset = &chain.Asset{Mint: orphanMint, Compressed: true}

	rec := f.do(t, http.MethodPost, "/admin/orphans/return", gin.H{
		"mint":      orphanMint,
		"recipient": initiatorWallet,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReturnOrphanNotInEscrow(t *testing.T) {
	f := newFixture(t)
	f.inspector.asset = nil
	f.inspector.err = escrow.ErrAssetNotInEscrow

	rec := f.do(t, http.MethodPost, "/admin/orphans/return", gin.H{
		"mint":      orphanMint,
		"recipient": initiatorWallet,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTxLogs(t *testing.T) {
	f := newFixture(t)
	o := f.seed(t, "offer_00000000000000000000000000000005", store.StatusPending)
	require.NoError(t, f.store.AppendTxLog(context.Background(), o.ID, store.TxLogEntry{Action: "create"}))

	rec := f.do(t, http.MethodGet, "/admin/txlog?offer="+o.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Logs []OfferLog `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Logs, 1)
	assert.Equal(t, o.ID, resp.Logs[0].OfferID)
	require.Len(t, resp.Logs[0].Entries, 1)
	assert.Equal(t, "create", resp.Logs[0].Entries[0].Action)

	// No offer filter: most recent offers.
	rec = f.do(t, http.MethodGet, "/admin/txlog", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
