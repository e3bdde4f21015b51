// Package chain talks to Solana RPC and the DAS (digital asset
// standard) API. Everything the rest of the service needs from the
// chain goes through the Client interface so tests can substitute a
// fake node.
package chain

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

// Typed errors for chain lookups.
var (
	ErrAssetNotFound = errors.New("asset not found")
	ErrTxNotFound    = errors.New("transaction not found")
)

// SignatureStatus is the confirmation state of a submitted transaction.
type SignatureStatus struct {
	Found     bool
	Finalized bool
	// Err holds the on-chain error when the transaction landed but
	// failed; empty when it succeeded or is still in flight.
	Err string
}

// Asset is the DAS view of an NFT, enough to classify and move it.
type Asset struct {
	Mint       string
	Name       string
	Owner      string
	Collection string
	// Interface is the DAS interface tag, e.g. "MplCoreAsset" or "V1_NFT".
	Interface  string
	Compressed bool
	Burnt      bool

	// Compression fields, populated only for compressed assets.
	Tree        string
	LeafID      uint64
	DataHash    string
	CreatorHash string
}

// AssetProof is a merkle proof for a compressed asset. Proofs go stale
// as the tree changes, so callers fetch a fresh one per transfer attempt.
type AssetProof struct {
	Root   string
	Proof  []string
	TreeID string
}

// NativeTransfer is one SOL movement inside a transaction.
type NativeTransfer struct {
	From     string
	To       string
	Lamports uint64
}

// TokenTransfer is one token or NFT movement inside a transaction.
type TokenTransfer struct {
	From string
	To   string
	Mint string
}

// TransactionDetail is a parsed view of a landed transaction.
type TransactionDetail struct {
	Signature       string
	Failed          bool
	NativeTransfers []NativeTransfer
	TokenTransfers  []TokenTransfer
}

// Client is the chain access contract.
type Client interface {
	// LatestBlockhash returns a recent blockhash for transaction assembly.
	LatestBlockhash(ctx context.Context) (solana.Hash, error)

	// SendTransaction submits a signed transaction and returns its signature.
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)

	// SignatureStatus reports confirmation state at finalized commitment.
	SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error)

	// Balance returns the lamport balance of an account.
	Balance(ctx context.Context, addr solana.PublicKey) (uint64, error)

	// Asset fetches DAS metadata for a mint.
	Asset(ctx context.Context, mint string) (*Asset, error)

	// AssetProof fetches a fresh merkle proof for a compressed asset.
	AssetProof(ctx context.Context, mint string) (*AssetProof, error)

	// TokenAccount resolves the token account holding mint for owner.
	TokenAccount(ctx context.Context, owner, mint solana.PublicKey) (solana.PublicKey, error)

	// TransactionDetail fetches the parsed transfers of a landed transaction.
	TransactionDetail(ctx context.Context, signature string) (*TransactionDetail, error)

	// OwnsCollectionItem reports whether owner holds any asset in collection.
	OwnsCollectionItem(ctx context.Context, owner, collection string) (bool, error)
}
