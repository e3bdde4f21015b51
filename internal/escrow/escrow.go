// Package escrow moves swap assets in and out of the service escrow
// wallet. It builds, signs, and submits the on-chain transactions that
// release or return a bundle (NFTs plus lamports) and verifies deposit
// transactions against what an offer declared.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/midswap/midswap/internal/chain"
	"github.com/midswap/midswap/internal/logging"
	"github.com/midswap/midswap/internal/retry"
	"github.com/midswap/midswap/internal/store"
)

// Typed errors for escrow operations.
var (
	ErrDepositNotFound   = errors.New("deposit transaction not found")
	ErrDepositFailed     = errors.New("deposit transaction failed on chain")
	ErrDepositMismatch   = errors.New("deposit transaction does not match the offer")
	ErrTxClaimed         = errors.New("deposit transaction already used by another offer")
	ErrConfirmTimeout    = errors.New("transaction not finalized in time")
	ErrTransactionFailed = errors.New("transaction failed on chain")
	ErrAssetNotInEscrow  = errors.New("asset is not held by the escrow wallet")
)

// TransferError gives context about a failed escrow transfer.
type TransferError struct {
	Op   string // "build", "release", "confirm"
	Mint string // asset involved, empty for SOL-only failures
	Sig  string // transaction signature if one was submitted
	Err  error
}

func (e *TransferError) Error() string {
	if e.Mint != "" {
		return fmt.Sprintf("escrow %s %s: %v", e.Op, e.Mint, e.Err)
	}
	return fmt.Sprintf("escrow %s: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Confirmation polling: finalization typically lands inside a minute.
const (
	ConfirmAttempts = 12
	ConfirmInterval = 5 * time.Second
)

// Bundle is one side of a swap to be moved out of escrow.
type Bundle struct {
	Assets []store.Asset
	// Lamports is the SOL owed to the recipient, before fee.
	Lamports uint64
	// FeeLamports is deducted from Lamports and paid to the fee wallet
	// in the same transaction. Zero for fee-exempt offers and returns.
	FeeLamports uint64
}

// Empty reports whether the bundle moves nothing.
func (b Bundle) Empty() bool {
	return len(b.Assets) == 0 && b.Lamports == 0
}

// Executor releases escrow bundles on chain.
type Executor struct {
	client chain.Client
	signer solana.PrivateKey
	escrow solana.PublicKey
	fee    solana.PublicKey

	confirmAttempts int
	confirmInterval time.Duration
}

// NewExecutor creates an executor for the escrow wallet behind signer.
// feeWallet may be the zero key when the deployment charges no fees.
func NewExecutor(client chain.Client, signer solana.PrivateKey, feeWallet solana.PublicKey) *Executor {
	return &Executor{
		client:          client,
		signer:          signer,
		escrow:          signer.PublicKey(),
		fee:             feeWallet,
		confirmAttempts: ConfirmAttempts,
		confirmInterval: ConfirmInterval,
	}
}

// WithConfirmPolicy overrides confirmation polling. Tests shrink it.
func (e *Executor) WithConfirmPolicy(attempts int, interval time.Duration) *Executor {
	e.confirmAttempts = attempts
	e.confirmInterval = interval
	return e
}

// EscrowWallet returns the escrow wallet public key.
func (e *Executor) EscrowWallet() solana.PublicKey {
	return e.escrow
}

// Release moves a bundle from the escrow wallet to recipient and waits
// for finalization. An empty bundle is a success with no transaction;
// the returned signature is empty in that case. A finalized but failed
// transaction comes back as ErrTransactionFailed; a confirmation
// timeout is retryable.
func (e *Executor) Release(ctx context.Context, b Bundle, recipient string) (string, error) {
	to, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return "", &TransferError{Op: "build", Err: fmt.Errorf("bad recipient %q: %w", recipient, err)}
	}

	instructions, err := e.buildBundleInstructions(ctx, b, to)
	if err != nil {
		return "", err
	}
	// Nothing to move: released vacuously.
	if len(instructions) == 0 {
		return "", nil
	}

	blockhash, err := e.client.LatestBlockhash(ctx)
	if err != nil {
		return "", &TransferError{Op: "build", Err: err}
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(e.escrow))
	if err != nil {
		return "", &TransferError{Op: "build", Err: err}
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(e.escrow) {
			return &e.signer
		}
		return nil
	}); err != nil {
		return "", &TransferError{Op: "build", Err: err}
	}

	sig, err := e.client.SendTransaction(ctx, tx)
	if err != nil {
		return "", &TransferError{Op: "release", Err: err}
	}

	if err := e.WaitForFinalized(ctx, sig); err != nil {
		return sig.String(), &TransferError{Op: "confirm", Sig: sig.String(), Err: err}
	}

	logging.L(ctx).Info("escrow release finalized",
		"recipient", recipient,
		"assets", len(b.Assets),
		"lamports", b.Lamports,
		"signature", sig.String())
	return sig.String(), nil
}

// WaitForFinalized polls until sig reaches finalized commitment. An
// on-chain failure stops the poll immediately.
func (e *Executor) WaitForFinalized(ctx context.Context, sig solana.Signature) error {
	return retry.DoEvery(ctx, e.confirmAttempts, e.confirmInterval, func() error {
		status, err := e.client.SignatureStatus(ctx, sig)
		if err != nil {
			return err
		}
		if status.Found && status.Err != "" {
			return retry.Permanent(fmt.Errorf("%w: %s", ErrTransactionFailed, status.Err))
		}
		if !status.Finalized {
			return ErrConfirmTimeout
		}
		return nil
	})
}

// buildBundleInstructions assembles the transfer instructions for every
// asset plus the SOL and fee legs.
func (e *Executor) buildBundleInstructions(ctx context.Context, b Bundle, to solana.PublicKey) ([]solana.Instruction, error) {
	var instructions []solana.Instruction

	for _, asset := range b.Assets {
		ix, err := e.buildAssetTransfer(ctx, asset, to)
		if err != nil {
			return nil, &TransferError{Op: "build", Mint: asset.Mint, Err: err}
		}
		instructions = append(instructions, ix...)
	}

	if b.Lamports > 0 {
		sol, err := e.buildSolTransfer(b.Lamports, b.FeeLamports, to)
		if err != nil {
			return nil, &TransferError{Op: "build", Err: err}
		}
		instructions = append(instructions, sol...)
	}

	return instructions, nil
}

// VerifyInEscrow checks that the asset currently sits in the escrow
// wallet. Used before orphan returns and as an ownership fallback when
// a deposit's parsed transfers are incomplete.
func (e *Executor) VerifyInEscrow(ctx context.Context, mint string) (*chain.Asset, error) {
	asset, err := e.client.Asset(ctx, mint)
	if err != nil {
		return nil, err
	}
	if asset.Burnt || asset.Owner != e.escrow.String() {
		return nil, ErrAssetNotInEscrow
	}
	return asset, nil
}
