package storage

import (
	"context"
	"errors"
	"time"

	"shopd/internal/model"
)

const stockAlertColumns = `a.id, a.product_id, p.name, p.sku, a.alert_type, a.priority, a.message, a.current_quantity,
	a.threshold_quantity, a.is_resolved, a.resolution_notes, a.created_at, a.resolved_at`

func scanStockAlert(r rowScanner) (*model.StockAlert, error) {
	var a model.StockAlert
	var typ, prio string
	if err := r.Scan(&a.ID, &a.ProductID, &a.ProductName, &a.ProductSKU, &typ, &prio, &a.Message, &a.CurrentQuantity,
		&a.ThresholdQuantity, &a.IsResolved, &a.ResolutionNotes, &a.CreatedAt, &a.ResolvedAt); err != nil {
		return nil, err
	}
	a.Type = model.StockAlertType(typ)
	a.Priority = model.AlertPriority(prio)
	return &a, nil
}

// OpenStockAlert inserts a unless the product already has an unresolved
// alert of the same type. created reports whether a row was written.
func (s *DB) OpenStockAlert(ctx context.Context, a *model.StockAlert) (created bool, err error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	err = s.queryRow(ctx, `INSERT INTO stock_alerts (product_id, alert_type, priority, message, current_quantity,
			threshold_quantity, is_resolved, resolution_notes, created_at)
		VALUES (?,?,?,?,?,?,?,?,?) RETURNING id`,
		a.ProductID, string(a.Type), string(a.Priority), a.Message, a.CurrentQuantity, a.ThresholdQuantity,
		false, "", utc(a.CreatedAt)).Scan(&a.ID)
	if err = mapErr("open stock alert", err); errors.Is(err, model.ErrDuplicate) {
		return false, nil
	}
	return err == nil, err
}

// ResolveStockAlerts closes the unresolved alerts of productID whose type
// is in types.
func (s *DB) ResolveStockAlerts(ctx context.Context, productID int64, types []model.StockAlertType, at time.Time, notes string) (int64, error) {
	w := where{parts: []string{"product_id = ?", "is_resolved = ?"}, args: []any{productID, false}}
	whereIn(&w, "alert_type", types)
	args := append([]any{true, utc(at), notes}, w.args...)
	res, err := s.exec(ctx, `UPDATE stock_alerts SET is_resolved = ?, resolved_at = ?, resolution_notes = ?`+w.String(), args...)
	if err != nil {
		return 0, mapErr("resolve stock alerts", err)
	}
	return res.RowsAffected()
}

// ListStockAlerts returns alerts newest first.
func (s *DB) ListStockAlerts(ctx context.Context, f model.StockAlertFilter) (out []model.StockAlert, err error) {
	var w where
	if f.Resolved != nil {
		w.add("a.is_resolved = ?", *f.Resolved)
	}
	whereIn(&w, "a.priority", f.Priority)
	q := `SELECT ` + stockAlertColumns + ` FROM stock_alerts a JOIN products p ON p.id = a.product_id` + w.String() +
		` ORDER BY a.created_at DESC, a.id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		w.args = append(w.args, f.Limit)
	}
	rows, err := s.query(ctx, q, w.args...)
	if err != nil {
		return nil, mapErr("list stock alerts", err)
	}
	defer closeRows(rows, &err)
	for rows.Next() {
		a, err := scanStockAlert(rows)
		if err != nil {
			return nil, mapErr("list stock alerts", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DeleteResolvedStockAlerts removes alerts resolved before before.
func (s *DB) DeleteResolvedStockAlerts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM stock_alerts WHERE is_resolved = ? AND resolved_at < ?`, true, utc(before))
	if err != nil {
		return 0, mapErr("delete stock alerts", err)
	}
	return res.RowsAffected()
}
