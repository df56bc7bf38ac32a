package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"shopd/internal/model"
)

const orderColumns = `id, order_number, customer_id, guest_email, status, payment_status, payment_method, total,
	tracking_number, created_at, updated_at, shipped_at, delivered_at, cancelled_at`

func scanOrder(r rowScanner) (*model.Order, error) {
	var o model.Order
	var status, payment string
	if err := r.Scan(&o.ID, &o.OrderNumber, &o.CustomerID, &o.GuestEmail, &status, &payment, &o.PaymentMethod,
		&o.Total, &o.TrackingNumber, &o.CreatedAt, &o.UpdatedAt, &o.ShippedAt, &o.DeliveredAt, &o.CancelledAt); err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	o.PaymentStatus = model.PaymentStatus(payment)
	return &o, nil
}

// CreateOrder inserts an order with its items in one transaction and fills
// in the generated ids.
func (s *DB) CreateOrder(ctx context.Context, o *model.Order, items []model.OrderItem) error {
	now := s.now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	if o.Status == "" {
		o.Status = model.OrderPending
	}
	if o.PaymentStatus == "" {
		o.PaymentStatus = model.PaymentPending
	}
	err := s.inTx(ctx, func(tx *txn) error {
		err := tx.queryRow(ctx, `INSERT INTO orders (order_number, customer_id, guest_email, status, payment_status,
				payment_method, total, tracking_number, created_at, updated_at, shipped_at, delivered_at, cancelled_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?) RETURNING id`,
			o.OrderNumber, nullInt64(o.CustomerID), o.GuestEmail, string(o.Status), string(o.PaymentStatus),
			o.PaymentMethod, o.Total, o.TrackingNumber, utc(o.CreatedAt), utc(o.UpdatedAt),
			nullTime(o.ShippedAt), nullTime(o.DeliveredAt), nullTime(o.CancelledAt)).Scan(&o.ID)
		if err != nil {
			return err
		}
		for i := range items {
			it := &items[i]
			it.OrderID = o.ID
			if err := tx.queryRow(ctx, `INSERT INTO order_items (order_id, product_id, product_name, quantity, price)
				VALUES (?,?,?,?,?) RETURNING id`,
				it.OrderID, nullInt64(it.ProductID), it.ProductName, it.Quantity, it.Price).Scan(&it.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return mapErr("create order", err)
}

func (s *DB) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	o, err := scanOrder(s.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	return o, mapErr("get order", err)
}

func (s *DB) ListOrders(ctx context.Context, f model.OrderFilter) (out []model.Order, err error) {
	var w where
	whereIn(&w, "status", f.Status)
	whereIn(&w, "payment_status", f.PaymentStatus)
	w.addTime("created_at >= ?", f.CreatedFrom)
	w.addTime("created_at < ?", f.CreatedTo)
	w.addTime("shipped_at < ?", f.ShippedBefore)
	w.addTime("updated_at < ?", f.UpdatedBefore)
	if f.Undelivered {
		w.add("delivered_at IS NULL")
	}
	if f.MinTotal.Valid {
		w.add("total >= ?", f.MinTotal.Decimal)
	}
	q := `SELECT ` + orderColumns + ` FROM orders` + w.String() + ` ORDER BY created_at`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		w.args = append(w.args, f.Limit)
	}
	rows, err := s.query(ctx, q, w.args...)
	if err != nil {
		return nil, mapErr("list orders", err)
	}
	defer closeRows(rows, &err)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, mapErr("list orders", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// ListOrderItems returns the items of the given orders.
func (s *DB) ListOrderItems(ctx context.Context, orderIDs ...int64) (out []model.OrderItem, err error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	var w where
	whereInIDs(&w, "order_id", orderIDs)
	rows, err := s.query(ctx, `SELECT id, order_id, product_id, product_name, quantity, price FROM order_items`+
		w.String()+` ORDER BY order_id, id`, w.args...)
	if err != nil {
		return nil, mapErr("list order items", err)
	}
	defer closeRows(rows, &err)
	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.Quantity, &it.Price); err != nil {
			return nil, mapErr("list order items", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *DB) ListOrderHistory(ctx context.Context, orderID int64) (out []model.OrderStatusHistory, err error) {
	rows, err := s.query(ctx, `SELECT id, order_id, old_status, new_status, notes, created_at
		FROM order_status_history WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, mapErr("list order history", err)
	}
	defer closeRows(rows, &err)
	for rows.Next() {
		var h model.OrderStatusHistory
		var oldS, newS string
		if err := rows.Scan(&h.ID, &h.OrderID, &oldS, &newS, &h.Notes, &h.CreatedAt); err != nil {
			return nil, mapErr("list order history", err)
		}
		h.OldStatus, h.NewStatus = model.OrderStatus(oldS), model.OrderStatus(newS)
		out = append(out, h)
	}
	return out, rows.Err()
}

// SetOrderPayment records the payment outcome on an order.
func (s *DB) SetOrderPayment(ctx context.Context, orderID int64, status model.PaymentStatus, method string) error {
	q := `UPDATE orders SET payment_status = ?, updated_at = ? WHERE id = ?`
	args := []any{string(status), s.now().UTC(), orderID}
	if method != "" {
		q = `UPDATE orders SET payment_status = ?, payment_method = ?, updated_at = ? WHERE id = ?`
		args = []any{string(status), method, s.now().UTC(), orderID}
	}
	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return mapErr("set order payment", err)
	}
	return affectedOne(res, func() (bool, error) { return false, nil })
}

// TransitionOrder moves an order from one status to another and appends a
// history row, atomically. It returns model.ErrConflict if the order is no
// longer in from.
func (s *DB) TransitionOrder(ctx context.Context, id int64, from, to model.OrderStatus, at time.Time, note string) error {
	err := s.inTx(ctx, func(tx *txn) error {
		if err := transitionOrderTx(ctx, tx, id, from, nil, to, at); err != nil {
			return err
		}
		return insertHistoryTx(ctx, tx, id, from, to, at, note)
	})
	if errors.Is(err, errConflict) || errors.Is(err, errNotFound) {
		return err
	}
	return mapErr("transition order", err)
}

// CancelOrder cancels an order, returns its items to stock and appends a
// history row, atomically. When payment is non-empty the order's payment
// status must also be one of them, otherwise model.ErrConflict is returned
// and nothing changes.
func (s *DB) CancelOrder(ctx context.Context, id int64, from model.OrderStatus, payment []model.PaymentStatus, at time.Time, note string) error {
	err := s.inTx(ctx, func(tx *txn) error {
		if err := transitionOrderTx(ctx, tx, id, from, payment, model.OrderCancelled, at); err != nil {
			return err
		}
		rows, err := tx.query(ctx, `SELECT product_id, quantity FROM order_items WHERE order_id = ? AND product_id IS NOT NULL`, id)
		if err != nil {
			return err
		}
		type line struct {
			productID int64
			qty       int
		}
		var lines []line
		for rows.Next() {
			var l line
			if err := rows.Scan(&l.productID, &l.qty); err != nil {
				_ = rows.Close()
				return err
			}
			lines = append(lines, l)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for _, l := range lines {
			if l.qty <= 0 {
				continue
			}
			if _, err := tx.exec(ctx, `UPDATE products SET stock_quantity = stock_quantity + ?, updated_at = ? WHERE id = ?`,
				l.qty, utc(at), l.productID); err != nil {
				return err
			}
		}
		return insertHistoryTx(ctx, tx, id, from, model.OrderCancelled, at, note)
	})
	if errors.Is(err, errConflict) || errors.Is(err, errNotFound) {
		return err
	}
	return mapErr("cancel order", err)
}

func transitionOrderTx(ctx context.Context, tx *txn, id int64, from model.OrderStatus, payment []model.PaymentStatus,
	to model.OrderStatus, at time.Time) error {
	set := `status = ?, updated_at = ?`
	args := []any{string(to), utc(at)}
	switch to {
	case model.OrderCancelled:
		set += `, cancelled_at = ?`
		args = append(args, utc(at))
	case model.OrderShipped:
		set += `, shipped_at = ?`
		args = append(args, utc(at))
	case model.OrderDelivered:
		set += `, delivered_at = ?`
		args = append(args, utc(at))
	}
	w := where{parts: []string{"id = ?", "status = ?"}, args: []any{id, string(from)}}
	whereIn(&w, "payment_status", payment)
	res, err := tx.exec(ctx, `UPDATE orders SET `+set+w.String(), append(args, w.args...)...)
	if err != nil {
		return err
	}
	return affectedOne(res, func() (bool, error) {
		var one int
		err := tx.queryRow(ctx, `SELECT 1 FROM orders WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return err == nil, err
	})
}

func insertHistoryTx(ctx context.Context, tx *txn, id int64, from, to model.OrderStatus, at time.Time, note string) error {
	_, err := tx.exec(ctx, `INSERT INTO order_status_history (order_id, old_status, new_status, notes, created_at)
		VALUES (?,?,?,?,?)`, id, string(from), string(to), note, utc(at))
	return err
}
