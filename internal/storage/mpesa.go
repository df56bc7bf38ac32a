package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"shopd/internal/model"
)

const txColumns = `id, order_id, customer_id, config_name, phone_number, amount, account_reference, description,
	merchant_request_id, checkout_request_id, mpesa_receipt_number, transaction_date, status, result_code,
	result_desc, initiated_at, completed_at, failed_at, updated_at`

func scanTransaction(r rowScanner) (*model.Transaction, error) {
	var t model.Transaction
	var status string
	err := r.Scan(&t.ID, &t.OrderID, &t.CustomerID, &t.ConfigName, &t.PhoneNumber, &t.Amount,
		&t.AccountReference, &t.Description, &t.MerchantRequestID, &t.CheckoutRequestID, &t.ReceiptNumber,
		&t.TransactionDate, &status, &t.ResultCode, &t.ResultDesc, &t.InitiatedAt, &t.CompletedAt,
		&t.FailedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = model.TransactionStatus(status)
	return &t, nil
}

// CreateTransaction inserts t, assigning an id and timestamps when unset.
func (s *DB) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if t.InitiatedAt.IsZero() {
		t.InitiatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = model.TxPending
	}
	_, err := s.exec(ctx, `INSERT INTO mpesa_transactions (`+txColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullInt64(t.OrderID), nullInt64(t.CustomerID), t.ConfigName, t.PhoneNumber, t.Amount,
		t.AccountReference, t.Description, t.MerchantRequestID, t.CheckoutRequestID, t.ReceiptNumber,
		nullTime(t.TransactionDate), string(t.Status), nullInt(t.ResultCode), t.ResultDesc,
		utc(t.InitiatedAt), nullTime(t.CompletedAt), nullTime(t.FailedAt), t.UpdatedAt)
	return mapErr("create transaction", err)
}

// SaveTransaction writes the mutable fields of t, but only if the stored
// status still equals expect. A concurrent writer yields model.ErrConflict.
func (s *DB) SaveTransaction(ctx context.Context, t *model.Transaction, expect model.TransactionStatus) error {
	t.UpdatedAt = s.now().UTC()
	res, err := s.exec(ctx, `UPDATE mpesa_transactions SET
			merchant_request_id = ?, checkout_request_id = ?, mpesa_receipt_number = ?, transaction_date = ?,
			phone_number = ?, amount = ?, status = ?, result_code = ?, result_desc = ?,
			completed_at = ?, failed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		t.MerchantRequestID, t.CheckoutRequestID, t.ReceiptNumber, nullTime(t.TransactionDate),
		t.PhoneNumber, t.Amount, string(t.Status), nullInt(t.ResultCode), t.ResultDesc,
		nullTime(t.CompletedAt), nullTime(t.FailedAt), t.UpdatedAt,
		t.ID, string(expect))
	if err != nil {
		return mapErr("save transaction", err)
	}
	return affectedOne(res, func() (bool, error) { return s.exists(ctx, "mpesa_transactions", t.ID) })
}

func (s *DB) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := scanTransaction(s.queryRow(ctx, `SELECT `+txColumns+` FROM mpesa_transactions WHERE id = ?`, id))
	return t, mapErr("get transaction", err)
}

func (s *DB) GetTransactionByCheckoutID(ctx context.Context, checkoutID string) (*model.Transaction, error) {
	if checkoutID == "" {
		return nil, mapErr("get transaction", errNotFound)
	}
	t, err := scanTransaction(s.queryRow(ctx,
		`SELECT `+txColumns+` FROM mpesa_transactions WHERE checkout_request_id = ?`, checkoutID))
	return t, mapErr("get transaction", err)
}

// ListTransactions returns matches ordered by initiation time, newest first.
func (s *DB) ListTransactions(ctx context.Context, f model.TransactionFilter) (out []model.Transaction, err error) {
	var w where
	whereIn(&w, "status", f.Status)
	if f.OrderID != nil {
		w.add("order_id = ?", *f.OrderID)
	}
	w.addTime("initiated_at >= ?", f.InitiatedFrom)
	w.addTime("initiated_at < ?", f.InitiatedTo)
	if f.HasCheckoutID {
		w.add("checkout_request_id <> ''")
	}
	q := `SELECT ` + txColumns + ` FROM mpesa_transactions` + w.String() + ` ORDER BY initiated_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		w.args = append(w.args, f.Limit)
	}
	rows, err := s.query(ctx, q, w.args...)
	if err != nil {
		return nil, mapErr("list transactions", err)
	}
	defer closeRows(rows, &err)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, mapErr("list transactions", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *DB) exists(ctx context.Context, table, id string) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const callbackColumns = `id, checkout_request_id, payload, ip_address, received_at, is_processed, processed_at, error`

func scanCallback(r rowScanner) (*model.Callback, error) {
	var c model.Callback
	if err := r.Scan(&c.ID, &c.CheckoutRequestID, &c.Payload, &c.IPAddress, &c.ReceivedAt,
		&c.IsProcessed, &c.ProcessedAt, &c.Error); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *DB) CreateCallback(ctx context.Context, c *model.Callback) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO mpesa_callbacks (`+callbackColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.CheckoutRequestID, c.Payload, c.IPAddress, utc(c.ReceivedAt), c.IsProcessed,
		nullTime(c.ProcessedAt), c.Error)
	return mapErr("create callback", err)
}

func (s *DB) GetCallback(ctx context.Context, id string) (*model.Callback, error) {
	c, err := scanCallback(s.queryRow(ctx, `SELECT `+callbackColumns+` FROM mpesa_callbacks WHERE id = ?`, id))
	return c, mapErr("get callback", err)
}

// MarkCallbackProcessed flags a callback as handled. errMsg records a
// non-retryable processing problem, or "" on success.
func (s *DB) MarkCallbackProcessed(ctx context.Context, id string, at time.Time, errMsg string) error {
	res, err := s.exec(ctx, `UPDATE mpesa_callbacks SET is_processed = ?, processed_at = ?, error = ? WHERE id = ?`,
		true, utc(at), errMsg, id)
	if err != nil {
		return mapErr("mark callback", err)
	}
	return affectedOne(res, func() (bool, error) { return false, nil })
}

// RecordCallbackError keeps the callback pending but notes the last error.
func (s *DB) RecordCallbackError(ctx context.Context, id, errMsg string) error {
	_, err := s.exec(ctx, `UPDATE mpesa_callbacks SET error = ? WHERE id = ?`, errMsg, id)
	return mapErr("record callback error", err)
}

// DeleteProcessedCallbacks removes processed callbacks received before t.
func (s *DB) DeleteProcessedCallbacks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM mpesa_callbacks WHERE is_processed = ? AND received_at < ?`, true, utc(before))
	if err != nil {
		return 0, mapErr("delete callbacks", err)
	}
	return res.RowsAffected()
}

const refundColumns = `id, transaction_id, amount, reason, status, initiated_at, completed_at`

func scanRefund(r rowScanner) (*model.Refund, error) {
	var rf model.Refund
	var status string
	if err := r.Scan(&rf.ID, &rf.TransactionID, &rf.Amount, &rf.Reason, &status, &rf.InitiatedAt, &rf.CompletedAt); err != nil {
		return nil, err
	}
	rf.Status = model.RefundStatus(status)
	return &rf, nil
}

// CreateRefund inserts r unless the pending and completed refunds of its
// transaction plus r.Amount would exceed limit, in which case it returns
// model.ErrLimitExceeded. The transaction row is locked first, so
// concurrent refunds for one transaction are checked one at a time.
func (s *DB) CreateRefund(ctx context.Context, r *model.Refund, limit decimal.Decimal) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.InitiatedAt.IsZero() {
		r.InitiatedAt = s.now()
	}
	if r.Status == "" {
		r.Status = model.RefundPending
	}
	err := s.inTx(ctx, func(tx *txn) error {
		res, err := tx.exec(ctx, `UPDATE mpesa_transactions SET updated_at = updated_at WHERE id = ?`, r.TransactionID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return errNotFound
		}

		refunded, err := refundedTx(ctx, tx, r.TransactionID)
		if err != nil {
			return err
		}
		if avail := limit.Sub(refunded); r.Amount.GreaterThan(avail) {
			return fmt.Errorf("%w: %s available", model.ErrLimitExceeded, avail.StringFixed(2))
		}
		_, err = tx.exec(ctx, `INSERT INTO mpesa_refunds (`+refundColumns+`) VALUES (?,?,?,?,?,?,?)`,
			r.ID, r.TransactionID, r.Amount, r.Reason, string(r.Status), utc(r.InitiatedAt), nullTime(r.CompletedAt))
		return err
	})
	return mapErr("create refund", err)
}

// refundedTx sums pending and completed refunds in Go so NUMERIC columns
// stored as REAL by sqlite do not round the total.
func refundedTx(ctx context.Context, tx *txn, txID string) (total decimal.Decimal, err error) {
	rows, err := tx.query(ctx, `SELECT amount FROM mpesa_refunds WHERE transaction_id = ? AND status IN (?,?)`,
		txID, string(model.RefundPending), string(model.RefundCompleted))
	if err != nil {
		return decimal.Zero, err
	}
	defer closeRows(rows, &err)
	for rows.Next() {
		var amt decimal.Decimal
		if err := rows.Scan(&amt); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(amt)
	}
	return total, rows.Err()
}

func (s *DB) GetRefund(ctx context.Context, id string) (*model.Refund, error) {
	r, err := scanRefund(s.queryRow(ctx, `SELECT `+refundColumns+` FROM mpesa_refunds WHERE id = ?`, id))
	return r, mapErr("get refund", err)
}

// SaveRefund updates status and completion time if the stored status is
// still expect.
func (s *DB) SaveRefund(ctx context.Context, r *model.Refund, expect model.RefundStatus) error {
	res, err := s.exec(ctx, `UPDATE mpesa_refunds SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(r.Status), nullTime(r.CompletedAt), r.ID, string(expect))
	if err != nil {
		return mapErr("save refund", err)
	}
	return affectedOne(res, func() (bool, error) { return s.exists(ctx, "mpesa_refunds", r.ID) })
}

func (s *DB) ListRefunds(ctx context.Context, f model.RefundFilter) (out []model.Refund, err error) {
	var w where
	if f.TransactionID != "" {
		w.add("transaction_id = ?", f.TransactionID)
	}
	whereIn(&w, "status", f.Status)
	w.addTime("initiated_at >= ?", f.InitiatedFrom)
	w.addTime("initiated_at < ?", f.InitiatedTo)
	rows, err := s.query(ctx, `SELECT `+refundColumns+` FROM mpesa_refunds`+w.String()+` ORDER BY initiated_at`, w.args...)
	if err != nil {
		return nil, mapErr("list refunds", err)
	}
	defer closeRows(rows, &err)
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, mapErr("list refunds", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
