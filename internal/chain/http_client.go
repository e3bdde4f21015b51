package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/midswap/midswap/internal/circuitbreaker"
)

// HTTPClient implements Client over JSON-RPC plus the enhanced
// transaction endpoint exposed by DAS-capable RPC providers.
type HTTPClient struct {
	rpcURL      string
	enhancedURL string
	http        *http.Client
	breaker     *circuitbreaker.Breaker
}

// NewHTTPClient creates a chain client. enhancedURL hosts the DAS
// methods and /v0/transactions; pass the rpcURL again when the provider
// serves both from one endpoint.
func NewHTTPClient(rpcURL, enhancedURL string) *HTTPClient {
	return &HTTPClient{
		rpcURL:      rpcURL,
		enhancedURL: enhancedURL,
		http:        &http.Client{Timeout: 30 * time.Second},
		breaker:     circuitbreaker.New(5, 30*time.Second),
	}
}

// endpointKey classifies a URL for circuit breaking. The RPC node and
// the DAS provider fail independently.
func (c *HTTPClient) endpointKey(url string) string {
	if url == c.rpcURL {
		return "rpc"
	}
	return "das"
}

// post sends body to url through the circuit breaker and returns the
// response bytes. Transport errors and non-200 statuses count against
// the endpoint's circuit.
func (c *HTTPClient) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	var respBody []byte
	err := c.breaker.Do(c.endpointKey(url), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status %d", resp.StatusCode)
		}

		respBody, err = io.ReadAll(resp.Body)
		return err
	})
	return respBody, err
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call posts one JSON-RPC request to url and decodes result into out.
func (c *HTTPClient) call(ctx context.Context, url, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", method, err)
	}

	respBody, err := c.post(ctx, url, body)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	var envelope rpcResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, envelope.Error.Code, envelope.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *HTTPClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	params := []any{map[string]string{"commitment": "finalized"}}
	if err := c.call(ctx, c.rpcURL, "getLatestBlockhash", params, &result); err != nil {
		return solana.Hash{}, err
	}
	return solana.HashFromBase58(result.Value.Blockhash)
}

func (c *HTTPClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("serialize transaction: %w", err)
	}

	var sig string
	params := []any{
		base64.StdEncoding.EncodeToString(raw),
		map[string]any{"encoding": "base64", "maxRetries": 3},
	}
	if err := c.call(ctx, c.rpcURL, "sendTransaction", params, &sig); err != nil {
		return solana.Signature{}, err
	}
	return solana.SignatureFromBase58(sig)
}

func (c *HTTPClient) SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	var result struct {
		Value []*struct {
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}
	params := []any{
		[]string{sig.String()},
		map[string]bool{"searchTransactionHistory": true},
	}
	if err := c.call(ctx, c.rpcURL, "getSignatureStatuses", params, &result); err != nil {
		return nil, err
	}

	if len(result.Value) == 0 || result.Value[0] == nil {
		return &SignatureStatus{}, nil
	}
	status := &SignatureStatus{
		Found:     true,
		Finalized: result.Value[0].ConfirmationStatus == "finalized",
	}
	if e := result.Value[0].Err; len(e) > 0 && string(e) != "null" {
		status.Err = string(e)
	}
	return status, nil
}

func (c *HTTPClient) Balance(ctx context.Context, addr solana.PublicKey) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	params := []any{addr.String(), map[string]string{"commitment": "finalized"}}
	if err := c.call(ctx, c.rpcURL, "getBalance", params, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// dasAsset mirrors the wire shape of getAsset.
type dasAsset struct {
	ID      string `json:"id"`
	Burnt   bool   `json:"burnt"`
	Iface   string `json:"interface"`
	Content struct {
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
	} `json:"content"`
	Ownership struct {
		Owner string `json:"owner"`
	} `json:"ownership"`
	Grouping []struct {
		GroupKey   string `json:"group_key"`
		GroupValue string `json:"group_value"`
	} `json:"grouping"`
	Compression struct {
		Compressed  bool   `json:"compressed"`
		Tree        string `json:"tree"`
		LeafID      uint64 `json:"leaf_id"`
		DataHash    string `json:"data_hash"`
		CreatorHash string `json:"creator_hash"`
	} `json:"compression"`
}

func (c *HTTPClient) Asset(ctx context.Context, mint string) (*Asset, error) {
	var raw dasAsset
	params := map[string]string{"id": mint}
	if err := c.call(ctx, c.enhancedURL, "getAsset", params, &raw); err != nil {
		return nil, err
	}
	if raw.ID == "" {
		return nil, ErrAssetNotFound
	}

	asset := &Asset{
		Mint:        raw.ID,
		Name:        raw.Content.Metadata.Name,
		Owner:       raw.Ownership.Owner,
		Interface:   raw.Iface,
		Compressed:  raw.Compression.Compressed,
		Burnt:       raw.Burnt,
		Tree:        raw.Compression.Tree,
		LeafID:      raw.Compression.LeafID,
		DataHash:    raw.Compression.DataHash,
		CreatorHash: raw.Compression.CreatorHash,
	}
	for _, g := range raw.Grouping {
		if g.GroupKey == "collection" {
			asset.Collection = g.GroupValue
		}
	}
	return asset, nil
}

func (c *HTTPClient) AssetProof(ctx context.Context, mint string) (*AssetProof, error) {
	var raw struct {
		Root   string   `json:"root"`
		Proof  []string `json:"proof"`
		TreeID string   `json:"tree_id"`
	}
	params := map[string]string{"id": mint}
	if err := c.call(ctx, c.enhancedURL, "getAssetProof", params, &raw); err != nil {
		return nil, err
	}
	if raw.Root == "" {
		return nil, ErrAssetNotFound
	}
	return &AssetProof{Root: raw.Root, Proof: raw.Proof, TreeID: raw.TreeID}, nil
}

func (c *HTTPClient) TokenAccount(ctx context.Context, owner, mint solana.PublicKey) (solana.PublicKey, error) {
	var result struct {
		Value []struct {
			Pubkey string `json:"pubkey"`
		} `json:"value"`
	}
	params := []any{
		owner.String(),
		map[string]string{"mint": mint.String()},
		map[string]string{"encoding": "jsonParsed"},
	}
	if err := c.call(ctx, c.rpcURL, "getTokenAccountsByOwner", params, &result); err != nil {
		return solana.PublicKey{}, err
	}
	if len(result.Value) == 0 {
		return solana.PublicKey{}, ErrAssetNotFound
	}
	return solana.PublicKeyFromBase58(result.Value[0].Pubkey)
}

func (c *HTTPClient) TransactionDetail(ctx context.Context, signature string) (*TransactionDetail, error) {
	body, err := json.Marshal(map[string]any{"transactions": []string{signature}})
	if err != nil {
		return nil, fmt.Errorf("encode transactions request: %w", err)
	}

	respBody, err := c.post(ctx, c.enhancedURL+"/v0/transactions", body)
	if err != nil {
		return nil, fmt.Errorf("fetch transaction detail: %w", err)
	}

	var raw []struct {
		Signature        string          `json:"signature"`
		TransactionError json.RawMessage `json:"transactionError"`
		NativeTransfers  []struct {
			FromUserAccount string `json:"fromUserAccount"`
			ToUserAccount   string `json:"toUserAccount"`
			Amount          uint64 `json:"amount"`
		} `json:"nativeTransfers"`
		TokenTransfers []struct {
			FromUserAccount string `json:"fromUserAccount"`
			ToUserAccount   string `json:"toUserAccount"`
			Mint            string `json:"mint"`
		} `json:"tokenTransfers"`
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("decode transaction detail: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrTxNotFound
	}

	detail := &TransactionDetail{
		Signature: raw[0].Signature,
		Failed:    len(raw[0].TransactionError) > 0 && string(raw[0].TransactionError) != "null",
	}
	for _, t := range raw[0].NativeTransfers {
		detail.NativeTransfers = append(detail.NativeTransfers, NativeTransfer{
			From: t.FromUserAccount, To: t.ToUserAccount, Lamports: t.Amount,
		})
	}
	for _, t := range raw[0].TokenTransfers {
		detail.TokenTransfers = append(detail.TokenTransfers, TokenTransfer{
			From: t.FromUserAccount, To: t.ToUserAccount, Mint: t.Mint,
		})
	}
	return detail, nil
}

func (c *HTTPClient) OwnsCollectionItem(ctx context.Context, owner, collection string) (bool, error) {
	var result struct {
		Total int `json:"total"`
	}
	params := map[string]any{
		"ownerAddress": owner,
		"grouping":     []string{"collection", collection},
		"page":         1,
		"limit":        1,
	}
	if err := c.call(ctx, c.enhancedURL, "searchAssets", params, &result); err != nil {
		return false, err
	}
	return result.Total > 0, nil
}

// Compile-time assertion that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
