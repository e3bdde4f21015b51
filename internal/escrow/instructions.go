package escrow

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/midswap/midswap/internal/chain"
	"github.com/midswap/midswap/internal/store"
)

// On-chain programs involved in NFT transfers.
var (
	mplCoreProgramID     = solana.MustPublicKeyFromBase58("CoREENxT6tW1HoK8ypY1SxRMZTcVPm7R94rH4PZNhX7d")
	bubblegumProgramID   = solana.MustPublicKeyFromBase58("BGUMAp9Gq7iTEuizy4pqaxsTyUCBK68MDfK752saRPUY")
	splNoopProgramID     = solana.MustPublicKeyFromBase58("noopb9bkMVfRPU8AsbpTUg8AQkHtKwMYZiFUjNRtMmV")
	accountCompressionID = solana.MustPublicKeyFromBase58("cmtDvXumGCrqC1Age74AVPhSRVXJMd8PJS91L8KbNCK")
)

// bubblegumTransferDiscriminator is the anchor discriminator of the
// Bubblegum transfer instruction.
var bubblegumTransferDiscriminator = []byte{163, 52, 200, 231, 140, 3, 69, 186}

// buildAssetTransfer dispatches on the asset kind recorded at deposit
// verification. Kinds are closed; anything else is a stored-data bug.
func (e *Executor) buildAssetTransfer(ctx context.Context, asset store.Asset, to solana.PublicKey) ([]solana.Instruction, error) {
	switch asset.Kind {
	case store.AssetCore:
		ix, err := e.buildCoreTransfer(asset, to)
		if err != nil {
			return nil, err
		}
		return []solana.Instruction{ix}, nil
	case store.AssetCompressed:
		ix, err := e.buildCompressedTransfer(ctx, asset, to)
		if err != nil {
			return nil, err
		}
		return []solana.Instruction{ix}, nil
	case store.AssetStandard:
		return e.buildStandardTransfer(ctx, asset, to)
	default:
		return nil, fmt.Errorf("unknown asset kind %q", asset.Kind)
	}
}

// buildCoreTransfer builds an MPL Core TransferV1 instruction. The data
// is the discriminator (14) plus a None compression proof; optional
// accounts are filled with the program ID per the MPL convention.
func (e *Executor) buildCoreTransfer(asset store.Asset, to solana.PublicKey) (solana.Instruction, error) {
	assetKey, err := solana.PublicKeyFromBase58(asset.Mint)
	if err != nil {
		return nil, fmt.Errorf("bad asset address: %w", err)
	}

	collection := mplCoreProgramID
	if asset.Collection != "" {
		collection, err = solana.PublicKeyFromBase58(asset.Collection)
		if err != nil {
			return nil, fmt.Errorf("bad collection address: %w", err)
		}
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(assetKey, true, false),
		solana.NewAccountMeta(collection, false, false),
		solana.NewAccountMeta(e.escrow, true, true),  // payer
		solana.NewAccountMeta(e.escrow, false, true), // authority
		solana.NewAccountMeta(to, false, false),      // new owner
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(mplCoreProgramID, false, false), // log wrapper: none
	}

	return solana.NewInstruction(mplCoreProgramID, accounts, []byte{14, 0}), nil
}

// buildCompressedTransfer builds a Bubblegum transfer. Merkle proofs go
// stale as the tree changes, so the proof is fetched fresh here, on
// every attempt, never cached from verification time.
func (e *Executor) buildCompressedTransfer(ctx context.Context, asset store.Asset, to solana.PublicKey) (solana.Instruction, error) {
	details, err := e.client.Asset(ctx, asset.Mint)
	if err != nil {
		return nil, fmt.Errorf("fetch compressed asset: %w", err)
	}
	if !details.Compressed || details.Tree == "" {
		return nil, errors.New("asset is not compressed")
	}

	proof, err := e.client.AssetProof(ctx, asset.Mint)
	if err != nil {
		return nil, fmt.Errorf("fetch asset proof: %w", err)
	}

	merkleTree, err := solana.PublicKeyFromBase58(details.Tree)
	if err != nil {
		return nil, fmt.Errorf("bad merkle tree address: %w", err)
	}
	treeAuthority, _, err := solana.FindProgramAddress(
		[][]byte{merkleTree.Bytes()}, bubblegumProgramID)
	if err != nil {
		return nil, fmt.Errorf("derive tree authority: %w", err)
	}

	root, err := hash32(proof.Root)
	if err != nil {
		return nil, fmt.Errorf("bad proof root: %w", err)
	}
	dataHash, err := hash32(details.DataHash)
	if err != nil {
		return nil, fmt.Errorf("bad data hash: %w", err)
	}
	creatorHash, err := hash32(details.CreatorHash)
	if err != nil {
		return nil, fmt.Errorf("bad creator hash: %w", err)
	}

	data := make([]byte, 0, 8+32+32+32+8+4)
	data = append(data, bubblegumTransferDiscriminator...)
	data = append(data, root...)
	data = append(data, dataHash...)
	data = append(data, creatorHash...)
	data = binary.LittleEndian.AppendUint64(data, details.LeafID) // nonce
	data = binary.LittleEndian.AppendUint32(data, uint32(details.LeafID))

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(treeAuthority, false, false),
		solana.NewAccountMeta(e.escrow, false, true), // leaf owner
		solana.NewAccountMeta(e.escrow, false, false), // leaf delegate
		solana.NewAccountMeta(to, false, false),       // new leaf owner
		solana.NewAccountMeta(merkleTree, true, false),
		solana.NewAccountMeta(splNoopProgramID, false, false),
		solana.NewAccountMeta(accountCompressionID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	for _, node := range proof.Proof {
		key, err := solana.PublicKeyFromBase58(node)
		if err != nil {
			return nil, fmt.Errorf("bad proof node: %w", err)
		}
		accounts = append(accounts, solana.NewAccountMeta(key, false, false))
	}

	return solana.NewInstruction(bubblegumProgramID, accounts, data), nil
}

// buildStandardTransfer moves one SPL token. The destination associated
// token account is created when missing, paid by the escrow wallet.
func (e *Executor) buildStandardTransfer(ctx context.Context, asset store.Asset, to solana.PublicKey) ([]solana.Instruction, error) {
	mint, err := solana.PublicKeyFromBase58(asset.Mint)
	if err != nil {
		return nil, fmt.Errorf("bad mint address: %w", err)
	}

	source, err := e.client.TokenAccount(ctx, e.escrow, mint)
	if err != nil {
		if errors.Is(err, chain.ErrAssetNotFound) {
			return nil, ErrAssetNotInEscrow
		}
		return nil, fmt.Errorf("resolve escrow token account: %w", err)
	}

	dest, _, err := solana.FindAssociatedTokenAddress(to, mint)
	if err != nil {
		return nil, fmt.Errorf("derive destination token account: %w", err)
	}

	var instructions []solana.Instruction
	if _, err := e.client.TokenAccount(ctx, to, mint); errors.Is(err, chain.ErrAssetNotFound) {
		instructions = append(instructions,
			associatedtokenaccount.NewCreateInstruction(e.escrow, to, mint).Build())
	} else if err != nil {
		return nil, fmt.Errorf("check destination token account: %w", err)
	}

	instructions = append(instructions,
		token.NewTransferInstruction(1, source, dest, e.escrow, nil).Build())
	return instructions, nil
}

// buildSolTransfer pays lamports minus fee to the recipient and the fee
// to the fee wallet.
func (e *Executor) buildSolTransfer(lamports, feeLamports uint64, to solana.PublicKey) ([]solana.Instruction, error) {
	if feeLamports >= lamports {
		return nil, fmt.Errorf("fee %d exceeds amount %d", feeLamports, lamports)
	}

	instructions := []solana.Instruction{
		system.NewTransferInstruction(lamports-feeLamports, e.escrow, to).Build(),
	}
	if feeLamports > 0 && !e.fee.IsZero() {
		instructions = append(instructions,
			system.NewTransferInstruction(feeLamports, e.escrow, e.fee).Build())
	}
	return instructions, nil
}

// hash32 decodes a base58 32-byte hash (root, data hash, creator hash).
func hash32(s string) ([]byte, error) {
	key, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return nil, err
	}
	return key.Bytes(), nil
}
