package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/midswap/midswap/internal/offerlock"
)

// PostgresStore persists offers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	initiatorAssets, receiverAssets := marshalAssets(o)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (
			id, initiator, receiver, status,
			initiator_assets, receiver_assets, initiator_lamports, receiver_lamports,
			fee_lamports, fee_exempt,
			escrow_tx_signature, receiver_escrow_tx_signature,
			released_to_receiver, released_to_initiator,
			release_to_receiver_tx, release_to_initiator_tx,
			release_to_receiver_error, release_to_initiator_error,
			expiry_retry_count, cleanup_retry_count,
			cancel_requested, cancelled_by_cleanup, failure_reason,
			created_at, updated_at, expires_at, escrowed_at, completed_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10,
			$11, $12,
			$13, $14,
			$15, $16,
			$17, $18,
			$19, $20,
			$21, $22, $23,
			$24, $25, $26, $27, $28
		)`,
		o.ID, o.Initiator, o.Receiver, string(o.Status),
		initiatorAssets, receiverAssets, int64(o.InitiatorLamports), int64(o.ReceiverLamports),
		int64(o.FeeLamports), o.FeeExempt,
		nullString(o.EscrowTxSignature), nullString(o.ReceiverEscrowTxSignature),
		o.ReleasedToReceiver, o.ReleasedToInitiator,
		nullString(o.ReleaseToReceiverTx), nullString(o.ReleaseToInitiatorTx),
		nullString(o.ReleaseToReceiverError), nullString(o.ReleaseToInitiatorError),
		o.ExpiryRetryCount, o.CleanupRetryCount,
		o.CancelRequested, o.CancelledByCleanup, nullString(o.FailureReason),
		o.CreatedAt, o.UpdatedAt, o.ExpiresAt, nullTime(o.EscrowedAt), nullTime(o.CompletedAt),
	)
	if isUniqueViolation(err) {
		return ErrOfferExists
	}
	return err
}

const offerColumns = `id, initiator, receiver, status,
	       initiator_assets, receiver_assets, initiator_lamports, receiver_lamports,
	       fee_lamports, fee_exempt,
	       escrow_tx_signature, receiver_escrow_tx_signature,
	       released_to_receiver, released_to_initiator,
	       release_to_receiver_tx, release_to_initiator_tx,
	       release_to_receiver_error, release_to_initiator_error,
	       expiry_retry_count, cleanup_retry_count,
	       cancel_requested, cancelled_by_cleanup, failure_reason,
	       created_at, updated_at, expires_at, escrowed_at, completed_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)

	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, lease *offerlock.Lease, o *Offer) error {
	if err := CheckLease(lease, o.ID); err != nil {
		return err
	}

	initiatorAssets, receiverAssets := marshalAssets(o)
	o.UpdatedAt = time.Now()
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET
			status = $1,
			initiator_assets = $2, receiver_assets = $3,
			fee_lamports = $4, fee_exempt = $5,
			escrow_tx_signature = $6, receiver_escrow_tx_signature = $7,
			released_to_receiver = $8, released_to_initiator = $9,
			release_to_receiver_tx = $10, release_to_initiator_tx = $11,
			release_to_receiver_error = $12, release_to_initiator_error = $13,
			expiry_retry_count = $14, cleanup_retry_count = $15,
			cancel_requested = $16, cancelled_by_cleanup = $17, failure_reason = $18,
			updated_at = $19, escrowed_at = $20, completed_at = $21
		WHERE id = $22`,
		string(o.Status),
		initiatorAssets, receiverAssets,
		int64(o.FeeLamports), o.FeeExempt,
		nullString(o.EscrowTxSignature), nullString(o.ReceiverEscrowTxSignature),
		o.ReleasedToReceiver, o.ReleasedToInitiator,
		nullString(o.ReleaseToReceiverTx), nullString(o.ReleaseToInitiatorTx),
		nullString(o.ReleaseToReceiverError), nullString(o.ReleaseToInitiatorError),
		o.ExpiryRetryCount, o.CleanupRetryCount,
		o.CancelRequested, o.CancelledByCleanup, nullString(o.FailureReason),
		o.UpdatedAt, nullTime(o.EscrowedAt), nullTime(o.CompletedAt),
		o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (p *PostgresStore) MarkExpired(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET status = 'expired', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing offer from one that already moved on.
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrBadTransition
	}
	return nil
}

func (p *PostgresStore) ListByWallet(ctx context.Context, wallet string, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE initiator = $1 OR receiver = $1
		ORDER BY created_at DESC
		LIMIT $2`, wallet, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOffers(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOffers(rows)
}

func (p *PostgresStore) ListCancelRequested(ctx context.Context, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE status = 'cancelled' AND cancel_requested
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOffers(rows)
}

func (p *PostgresStore) CountActiveByWallet(ctx context.Context, wallet string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM offers
		WHERE status IN ('pending', 'escrowed')
		  AND (initiator = $1 OR receiver = $1)`, wallet).Scan(&n)
	return n, err
}

func (p *PostgresStore) AppendTxLog(ctx context.Context, offerID string, entry TxLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offer_tx_log (offer_id, action, wallet, tx_signature, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		offerID, entry.Action, nullString(entry.Wallet),
		nullString(entry.TxSignature), nullString(entry.Error), entry.Timestamp)
	return err
}

func (p *PostgresStore) TxLog(ctx context.Context, offerID string, limit int) ([]TxLogEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT action, wallet, tx_signature, error, created_at
		FROM offer_tx_log
		WHERE offer_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, offerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []TxLogEntry
	for rows.Next() {
		var (
			e       TxLogEntry
			wallet  sql.NullString
			txSig   sql.NullString
			logErr  sql.NullString
			created time.Time
		)
		if err := rows.Scan(&e.Action, &wallet, &txSig, &logErr, &created); err != nil {
			return nil, err
		}
		e.Wallet = wallet.String
		e.TxSignature = txSig.String
		e.Error = logErr.String
		e.Timestamp = created
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecentOfferIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM offers ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(s scanner) (*Offer, error) {
	o := &Offer{}
	var (
		status            string
		initiatorAssets   []byte
		receiverAssets    []byte
		initiatorLamports int64
		receiverLamports  int64
		feeLamports       int64
		escrowTx          sql.NullString
		receiverEscrowTx  sql.NullString
		relRecvTx         sql.NullString
		relInitTx         sql.NullString
		relRecvErr        sql.NullString
		relInitErr        sql.NullString
		failureReason     sql.NullString
		escrowedAt        sql.NullTime
		completedAt       sql.NullTime
	)

	err := s.Scan(
		&o.ID, &o.Initiator, &o.Receiver, &status,
		&initiatorAssets, &receiverAssets, &initiatorLamports, &receiverLamports,
		&feeLamports, &o.FeeExempt,
		&escrowTx, &receiverEscrowTx,
		&o.ReleasedToReceiver, &o.ReleasedToInitiator,
		&relRecvTx, &relInitTx,
		&relRecvErr, &relInitErr,
		&o.ExpiryRetryCount, &o.CleanupRetryCount,
		&o.CancelRequested, &o.CancelledByCleanup, &failureReason,
		&o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt, &escrowedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.InitiatorLamports = uint64(initiatorLamports)
	o.ReceiverLamports = uint64(receiverLamports)
	o.FeeLamports = uint64(feeLamports)
	o.EscrowTxSignature = escrowTx.String
	o.ReceiverEscrowTxSignature = receiverEscrowTx.String
	o.ReleaseToReceiverTx = relRecvTx.String
	o.ReleaseToInitiatorTx = relInitTx.String
	o.ReleaseToReceiverError = relRecvErr.String
	o.ReleaseToInitiatorError = relInitErr.String
	o.FailureReason = failureReason.String
	if escrowedAt.Valid {
		o.EscrowedAt = &escrowedAt.Time
	}
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}
	if len(initiatorAssets) > 0 {
		_ = json.Unmarshal(initiatorAssets, &o.InitiatorAssets)
	}
	if len(receiverAssets) > 0 {
		_ = json.Unmarshal(receiverAssets, &o.ReceiverAssets)
	}

	return o, nil
}

func scanOffers(rows *sql.Rows) ([]*Offer, error) {
	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func marshalAssets(o *Offer) ([]byte, []byte) {
	initiator, _ := json.Marshal(o.InitiatorAssets)
	receiver, _ := json.Marshal(o.ReceiverAssets)
	if o.InitiatorAssets == nil {
		initiator = []byte("[]")
	}
	if o.ReceiverAssets == nil {
		receiver = []byte("[]")
	}
	return initiator, receiver
}

// isUniqueViolation reports whether err is a Postgres duplicate-key error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	type coder interface{ SQLState() string }
	if c, ok := err.(coder); ok {
		return c.SQLState() == "23505"
	}
	return false
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
