package offers

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midswap/midswap/internal/escrow"
	"github.com/midswap/midswap/internal/kv"
	"github.com/midswap/midswap/internal/offerlock"
	"github.com/midswap/midswap/internal/sigauth"
	"github.com/midswap/midswap/internal/store"
)

// wallet is an ed25519 keypair posing as a Solana wallet.
type wallet struct {
	address string
	priv    ed25519.PrivateKey
}

func newWallet(t *testing.T) *wallet {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &wallet{address: base58.Encode(pub), priv: priv}
}

func (w *wallet) sign(message string) string {
	return base58.Encode(ed25519.Sign(w.priv, []byte(message)))
}

type httpFixture struct {
	router *gin.Engine
	exec   *fakeExec
	store  *store.MemoryStore
	nowMs  int64
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	f := &httpFixture{
		exec:  &fakeExec{},
		store: store.NewMemoryStore(),
		nowMs: now.UnixMilli(),
	}

	svc := NewService(f.store, offerlock.NewManager(kv.NewMemoryStore()),
		escrow.NewTxClaims(kv.NewMemoryStore()), f.exec, &fakeHolder{}, testLimits()).
		WithClock(func() time.Time { return now })
	guard := sigauth.NewGuard(kv.NewMemoryStore()).WithClock(func() time.Time { return now })

	f.router = gin.New()
	api := f.router.Group("/api")
	NewHandler(svc, guard).RegisterRoutes(api)
	return f
}

func (f *httpFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func depositSig(fill byte) string {
	b := bytes.Repeat([]byte{fill}, 64)
	return base58.Encode(b)
}

func (f *httpFixture) createOffer(t *testing.T, initiator, receiver *wallet) string {
	t.Helper()
	msg := sigauth.CreateOfferMessage(initiator.address, receiver.address, f.nowMs)
	rec := f.do(t, http.MethodPost, "/api/offers", gin.H{
		"initiator":         initiator.address,
		"receiver":          receiver.address,
		"initiatorAssets":   []string{mintX},
		"receiverAssets":    []string{mintY},
		"initiatorLamports": 1_000_000_000,
		"receiverLamports":  500_000_000,
		"depositSignature":  depositSig(1),
		"signature":         initiator.sign(msg),
		"timestamp":         f.nowMs,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Offer store.Offer `json:"offer"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Offer.ID
}

func TestHTTPCreateOffer(t *testing.T) {
	f := newHTTPFixture(t)
	initiator, receiver := newWallet(t), newWallet(t)

	id := f.createOffer(t, initiator, receiver)
	assert.NotEmpty(t, id)

	rec := f.do(t, http.MethodGet, "/api/offers/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Offer store.Offer `json:"offer"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, store.StatusPending, resp.Offer.Status)
	assert.Equal(t, initiator.address, resp.Offer.Initiator)
}

func TestHTTPCreateRejectsWrongSigner(t *testing.T) {
	f := newHTTPFixture(t)
	initiator, receiver, imposter := newWallet(t), newWallet(t), newWallet(t)

	msg := sigauth.CreateOfferMessage(initiator.address, receiver.address, f.nowMs)
	rec := f.do(t, http.MethodPost, "/api/offers", gin.H{
		"initiator":         initiator.address,
		"receiver":          receiver.address,
		"initiatorAssets":   []string{mintX},
		"receiverAssets":    []string{mintY},
		"initiatorLamports": 1_000_000_000,
		"receiverLamports":  500_000_000,
		"depositSignature":  depositSig(1),
		"signature":         imposter.sign(msg),
		"timestamp":         f.nowMs,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHTTPSignatureReplayRejected(t *testing.T) {
	f := newHTTPFixture(t)
	initiator, receiver := newWallet(t), newWallet(t)

	msg := sigauth.CreateOfferMessage(initiator.address, receiver.address, f.nowMs)
	body := gin.H{
		"initiator":         initiator.address,
		"receiver":          receiver.address,
		"initiatorAssets":   []string{mintX},
		"receiverAssets":    []string{mintY},
		"initiatorLamports": 1_000_000_000,
		"receiverLamports":  500_000_000,
		"depositSignature":  depositSig(1),
		"signature":         initiator.sign(msg),
		"timestamp":         f.nowMs,
	}
	rec := f.do(t, http.MethodPost, "/api/offers", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Same signed message again, fresh deposit: replay guard trips.
	body["depositSignature"] = depositSig(2)
	rec = f.do(t, http.MethodPost, "/api/offers", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHTTPAcceptFlow(t *testing.T) {
	f := newHTTPFixture(t)
	initiator, receiver := newWallet(t), newWallet(t)
	id := f.createOffer(t, initiator, receiver)

	msg := sigauth.AcceptOfferMessage(id, f.nowMs)
	rec := f.do(t, http.MethodPost, "/api/offers/"+id+"/accept", gin.H{
		"wallet":           receiver.address,
		"depositSignature": depositSig(3),
		"signature":        receiver.sign(msg),
		"timestamp":        f.nowMs,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Offer store.Offer `json:"offer"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, store.StatusCompleted, resp.Offer.Status)
	assert.Len(t, f.exec.releases, 2)
}

func TestHTTPCancelRequiresInitiator(t *testing.T) {
	f := newHTTPFixture(t)
	initiator, receiver := newWallet(t), newWallet(t)
	id := f.createOffer(t, initiator, receiver)

	msg := sigauth.CancelOfferMessage(id, f.nowMs)
	rec := f.do(t, http.MethodPost, "/api/offers/"+id+"/cancel", gin.H{
		"wallet":    receiver.address,
		"signature": receiver.sign(msg),
		"timestamp": f.nowMs,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/offers/"+id+"/cancel", gin.H{
		"wallet":    initiator.address,
		"signature": initiator.sign(msg),
		"timestamp": f.nowMs,
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPDeclineByReceiver(t *testing.T) {
	f := newHTTPFixture(t)
	initiator, receiver := newWallet(t), newWallet(t)
	id := f.createOffer(t, initiator, receiver)

	msg := sigauth.DeclineOfferMessage(id, f.nowMs)
	rec := f.do(t, http.MethodPost, "/api/offers/"+id+"/decline", gin.H{
		"wallet":    receiver.address,
		"signature": receiver.sign(msg),
		"timestamp": f.nowMs,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Offer store.Offer `json:"offer"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, store.StatusCancelled, resp.Offer.Status)
}

func TestHTTPMalformedOfferID(t *testing.T) {
	f := newHTTPFixture(t)
	rec := f.do(t, http.MethodGet, "/api/offers/not-an-offer", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPOfferNotFound(t *testing.T) {
	f := newHTTPFixture(t)
	rec := f.do(t, http.MethodGet, "/api/offers/offer_00000000000000000000000000000000", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPListByWallet(t *testing.T) {
	f := newHTTPFixture(t)
	initiator, receiver := newWallet(t), newWallet(t)
	f.createOffer(t, initiator, receiver)

	rec := f.do(t, http.MethodGet, "/api/offers?wallet="+initiator.address, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Offers []store.Offer `json:"offers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Offers, 1)

	rec = f.do(t, http.MethodGet, "/api/offers?wallet=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
