package escrow

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/midswap/midswap/internal/chain"
	"github.com/midswap/midswap/internal/logging"
	"github.com/midswap/midswap/internal/store"
)

// LamportTolerance absorbs wallet rounding on SOL legs. Verification
// accepts amounts short by up to this many lamports.
const LamportTolerance = 5000

// Classify maps DAS metadata to the transfer mechanism an asset needs.
func Classify(a *chain.Asset) store.AssetKind {
	switch {
	case a.Interface == "MplCoreAsset":
		return store.AssetCore
	case a.Compressed:
		return store.AssetCompressed
	default:
		return store.AssetStandard
	}
}

// VerifyDeposit checks that the deposit transaction finalized, succeeded,
// and moved everything the offer declared from depositor into escrow.
// It returns the declared assets enriched with kind, name, and
// collection from chain metadata; releases later rely on the stored
// kind and never re-classify.
func (e *Executor) VerifyDeposit(ctx context.Context, signature, depositor string, assets []store.Asset, lamports, feeLamports uint64) ([]store.Asset, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature", ErrDepositMismatch)
	}

	if err := e.WaitForFinalized(ctx, sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDepositNotFound, err)
	}

	detail, err := e.client.TransactionDetail(ctx, signature)
	if err != nil {
		return nil, fmt.Errorf("fetch deposit transaction: %w", err)
	}
	if detail.Failed {
		return nil, ErrDepositFailed
	}

	escrow := e.escrow.String()

	enriched := make([]store.Asset, 0, len(assets))
	for _, declared := range assets {
		onChain, err := e.client.Asset(ctx, declared.Mint)
		if err != nil {
			return nil, fmt.Errorf("fetch asset %s: %w", declared.Mint, err)
		}
		if onChain.Burnt {
			return nil, fmt.Errorf("%w: asset %s is burnt", ErrDepositMismatch, declared.Mint)
		}

		if !movedToEscrow(detail, declared.Mint, escrow) {
			// Parsed transfers miss some core and compressed moves;
			// current ownership is the authoritative fallback.
			if onChain.Owner != escrow {
				return nil, fmt.Errorf("%w: asset %s did not reach escrow", ErrDepositMismatch, declared.Mint)
			}
			logging.L(ctx).Debug("deposit verified by ownership fallback",
				"mint", declared.Mint, "signature", signature)
		}

		enriched = append(enriched, store.Asset{
			Mint:       declared.Mint,
			Kind:       Classify(onChain),
			Name:       onChain.Name,
			Collection: onChain.Collection,
		})
	}

	total := lamports + feeLamports
	if total > 0 {
		received := receivedLamports(detail, depositor, escrow)
		if received+LamportTolerance < total {
			return nil, fmt.Errorf("%w: expected %d lamports in escrow, saw %d",
				ErrDepositMismatch, total, received)
		}
	}

	return enriched, nil
}

// movedToEscrow reports whether the parsed transfers show mint landing
// in the escrow wallet.
func movedToEscrow(detail *chain.TransactionDetail, mint, escrow string) bool {
	for _, t := range detail.TokenTransfers {
		if t.Mint == mint && t.To == escrow {
			return true
		}
	}
	return false
}

// receivedLamports sums SOL moved from the depositor into escrow.
func receivedLamports(detail *chain.TransactionDetail, depositor, escrow string) uint64 {
	var sum uint64
	for _, t := range detail.NativeTransfers {
		if t.From == depositor && t.To == escrow {
			sum += t.Lamports
		}
	}
	return sum
}
