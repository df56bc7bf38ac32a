package storage

import (
	"context"
	"time"

	"shopd/internal/model"
)

const productColumns = `id, sku, name, price, discount_percentage, sale_price, sale_start, sale_end, cost_price,
	stock_quantity, low_stock_threshold, reorder_point, reorder_quantity, allow_backorder, is_preorder, restock_date,
	is_active, created_at, updated_at`

func scanProduct(r rowScanner) (*model.Product, error) {
	var p model.Product
	if err := r.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.DiscountPercentage, &p.SalePrice, &p.SaleStart,
		&p.SaleEnd, &p.CostPrice, &p.StockQuantity, &p.LowStockThreshold, &p.ReorderPoint, &p.ReorderQuantity,
		&p.AllowBackorder, &p.IsPreorder, &p.RestockDate, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *DB) CreateProduct(ctx context.Context, p *model.Product) error {
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.LowStockThreshold <= 0 {
		p.LowStockThreshold = model.DefaultLowStockThreshold
	}
	err := s.queryRow(ctx, `INSERT INTO products (sku, name, price, discount_percentage, sale_price, sale_start,
			sale_end, cost_price, stock_quantity, low_stock_threshold, reorder_point, reorder_quantity, allow_backorder,
			is_preorder, restock_date, is_active, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) RETURNING id`,
		p.SKU, p.Name, p.Price, p.DiscountPercentage, nullDecimal(p.SalePrice), nullTime(p.SaleStart),
		nullTime(p.SaleEnd), nullDecimal(p.CostPrice), p.StockQuantity, p.LowStockThreshold, p.ReorderPoint,
		p.ReorderQuantity, p.AllowBackorder, p.IsPreorder, nullTime(p.RestockDate), p.IsActive,
		utc(p.CreatedAt), p.UpdatedAt).Scan(&p.ID)
	return mapErr("create product", err)
}

func (s *DB) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	p, err := scanProduct(s.queryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id))
	return p, mapErr("get product", err)
}

func (s *DB) ListProducts(ctx context.Context, f model.ProductFilter) (out []model.Product, err error) {
	var w where
	whereInIDs(&w, "id", f.IDs)
	if f.Active != nil {
		w.add("is_active = ?", *f.Active)
	}
	if f.OutOfStock {
		w.add("stock_quantity = 0")
	}
	if f.LowStock {
		w.add("stock_quantity > 0 AND stock_quantity <= low_stock_threshold")
	}
	if f.InStock {
		w.add("stock_quantity > 0")
	}
	if f.ReorderDue {
		w.add("reorder_quantity > 0 AND stock_quantity <= reorder_point")
	}
	q := `SELECT ` + productColumns + ` FROM products` + w.String() + ` ORDER BY stock_quantity, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		w.args = append(w.args, f.Limit)
	}
	rows, err := s.query(ctx, q, w.args...)
	if err != nil {
		return nil, mapErr("list products", err)
	}
	defer closeRows(rows, &err)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, mapErr("list products", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ProductsWithOpenOrders returns which of ids appear on orders that still
// need stock (pending, confirmed or processing).
func (s *DB) ProductsWithOpenOrders(ctx context.Context, ids []int64) (map[int64]bool, error) {
	var w where
	whereInIDs(&w, "oi.product_id", ids)
	whereIn(&w, "o.status", model.OpenOrderStatuses)
	return s.productSet(ctx, `SELECT DISTINCT oi.product_id FROM order_items oi JOIN orders o ON o.id = oi.order_id`+w.String(), w.args)
}

// ProductsOrderedSince returns which of ids were ordered at or after since.
func (s *DB) ProductsOrderedSince(ctx context.Context, ids []int64, since time.Time) (map[int64]bool, error) {
	var w where
	whereInIDs(&w, "oi.product_id", ids)
	w.addTime("o.created_at >= ?", since)
	return s.productSet(ctx, `SELECT DISTINCT oi.product_id FROM order_items oi JOIN orders o ON o.id = oi.order_id`+w.String(), w.args)
}

func (s *DB) productSet(ctx context.Context, q string, args []any) (out map[int64]bool, err error) {
	out = map[int64]bool{}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, mapErr("product set", err)
	}
	defer closeRows(rows, &err)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr("product set", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// UnitsSoldSince sums the quantities of ids on orders placed at or after
// since, cancelled orders excluded.
func (s *DB) UnitsSoldSince(ctx context.Context, ids []int64, since time.Time) (out map[int64]int, err error) {
	out = map[int64]int{}
	if len(ids) == 0 {
		return out, nil
	}
	var w where
	whereInIDs(&w, "oi.product_id", ids)
	w.addTime("o.created_at >= ?", since)
	w.add("o.status <> ?", string(model.OrderCancelled))
	rows, err := s.query(ctx, `SELECT oi.product_id, SUM(oi.quantity) FROM order_items oi JOIN orders o ON o.id = oi.order_id`+
		w.String()+` GROUP BY oi.product_id`, w.args...)
	if err != nil {
		return nil, mapErr("units sold", err)
	}
	defer closeRows(rows, &err)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, mapErr("units sold", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// SetProductsActive flips is_active for ids and returns the rows changed.
func (s *DB) SetProductsActive(ctx context.Context, ids []int64, active bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var w where
	whereInIDs(&w, "id", ids)
	w.add("is_active <> ?", active)
	args := append([]any{active, s.now().UTC()}, w.args...)
	res, err := s.exec(ctx, `UPDATE products SET is_active = ?, updated_at = ?`+w.String(), args...)
	if err != nil {
		return 0, mapErr("set products active", err)
	}
	return res.RowsAffected()
}
