package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midswap/midswap/internal/circuitbreaker"
)

// rpcStub answers JSON-RPC methods with canned results and records calls.
type rpcStub struct {
	t       *testing.T
	results map[string]string
	calls   []string
}

func (s *rpcStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		require.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
		s.calls = append(s.calls, req.Method)

		result, ok := s.results[req.Method]
		if !ok {
			http.Error(w, "unexpected method "+req.Method, http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + result + `}`))
	}
}

func TestHTTPClient_LatestBlockhash(t *testing.T) {
	stub := &rpcStub{t: t, results: map[string]string{
		"getLatestBlockhash": `{"value":{"blockhash":"GHtXQBsoZHVnNFa9YevAzFr17DJjgHXk3ycTKD5xD3Zi"}}`,
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := NewHTTPClient(srv.URL, srv.URL)
	hash, err := c.LatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "GHtXQBsoZHVnNFa9YevAzFr17DJjgHXk3ycTKD5xD3Zi", hash.String())
}

func TestHTTPClient_SignatureStatus(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  SignatureStatus
	}{
		{
			name:  "not landed yet",
			value: `{"value":[null]}`,
			want:  SignatureStatus{},
		},
		{
			name:  "confirmed but not finalized",
			value: `{"value":[{"confirmationStatus":"confirmed","err":null}]}`,
			want:  SignatureStatus{Found: true},
		},
		{
			name:  "finalized",
			value: `{"value":[{"confirmationStatus":"finalized","err":null}]}`,
			want:  SignatureStatus{Found: true, Finalized: true},
		},
		{
			name:  "failed on chain",
			value: `{"value":[{"confirmationStatus":"finalized","err":{"InstructionError":[0,"Custom"]}}]}`,
			want:  SignatureStatus{Found: true, Finalized: true, Err: `{"InstructionError":[0,"Custom"]}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &rpcStub{t: t, results: map[string]string{"getSignatureStatuses": tt.value}}
			srv := httptest.NewServer(stub.handler())
			defer srv.Close()

			c := NewHTTPClient(srv.URL, srv.URL)
			got, err := c.SignatureStatus(context.Background(), solana.Signature{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestHTTPClient_Asset(t *testing.T) {
	stub := &rpcStub{t: t, results: map[string]string{
		"getAsset": `{
			"id":"MintAAA",
			"interface":"MplCoreAsset",
			"burnt":false,
			"content":{"metadata":{"name":"Orc #12"}},
			"ownership":{"owner":"EscrowWallet111"},
			"grouping":[{"group_key":"collection","group_value":"OrcCollection"}],
			"compression":{"compressed":false}
		}`,
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := NewHTTPClient(srv.URL, srv.URL)
	asset, err := c.Asset(context.Background(), "MintAAA")
	require.NoError(t, err)
	assert.Equal(t, "Orc #12", asset.Name)
	assert.Equal(t, "EscrowWallet111", asset.Owner)
	assert.Equal(t, "OrcCollection", asset.Collection)
	assert.Equal(t, "MplCoreAsset", asset.Interface)
	assert.False(t, asset.Compressed)
}

func TestHTTPClient_AssetCompressed(t *testing.T) {
	stub := &rpcStub{t: t, results: map[string]string{
		"getAsset": `{
			"id":"MintBBB",
			"interface":"V1_NFT",
			"content":{"metadata":{"name":"Leaf"}},
			"ownership":{"owner":"SomeWallet"},
			"compression":{"compressed":true,"tree":"Tree111","leaf_id":42,"data_hash":"DH","creator_hash":"CH"}
		}`,
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := NewHTTPClient(srv.URL, srv.URL)
	asset, err := c.Asset(context.Background(), "MintBBB")
	require.NoError(t, err)
	assert.True(t, asset.Compressed)
	assert.Equal(t, "Tree111", asset.Tree)
	assert.Equal(t, uint64(42), asset.LeafID)
}

func TestHTTPClient_RPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid params"}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, srv.URL)
	_, err := c.Balance(context.Background(), solana.PublicKey{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid params")
}

func TestHTTPClient_TransactionDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/v0/transactions"))
		_, _ = w.Write([]byte(`[{
			"signature":"sig123",
			"transactionError":null,
			"nativeTransfers":[{"fromUserAccount":"walletA","toUserAccount":"EscrowWallet111","amount":1000000000}],
			"tokenTransfers":[{"fromUserAccount":"walletA","toUserAccount":"EscrowWallet111","mint":"MintAAA"}]
		}]`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, srv.URL)
	detail, err := c.TransactionDetail(context.Background(), "sig123")
	require.NoError(t, err)
	assert.False(t, detail.Failed)
	require.Len(t, detail.NativeTransfers, 1)
	assert.Equal(t, uint64(1000000000), detail.NativeTransfers[0].Lamports)
	require.Len(t, detail.TokenTransfers, 1)
	assert.Equal(t, "MintAAA", detail.TokenTransfers[0].Mint)
}

func TestHTTPClient_TransactionDetailNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, srv.URL)
	_, err := c.TransactionDetail(context.Background(), "sigmissing")
	assert.ErrorIs(t, err, ErrTxNotFound)
}

func TestHTTPClient_OwnsCollectionItem(t *testing.T) {
	stub := &rpcStub{t: t, results: map[string]string{
		"searchAssets": `{"total":1,"items":[{"id":"MintAAA"}]}`,
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := NewHTTPClient(srv.URL, srv.URL)
	ok, err := c.OwnsCollectionItem(context.Background(), "walletA", "OrcCollection")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHTTPClient_BreakerOpensOnRepeatedFailures(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, srv.URL)
	for i := 0; i < 5; i++ {
		_, err := c.LatestBlockhash(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, 5, hits)

	// Circuit is open now; the provider sees no further traffic.
	_, err := c.LatestBlockhash(context.Background())
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 5, hits)
}
