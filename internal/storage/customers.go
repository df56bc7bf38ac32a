package storage

import (
	"context"
	"time"

	"shopd/internal/model"
)

func (s *DB) CreateCustomer(ctx context.Context, c *model.Customer) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	err := s.queryRow(ctx, `INSERT INTO customers (email, first_name, last_name, phone, created_at)
		VALUES (?,?,?,?,?) RETURNING id`,
		c.Email, c.FirstName, c.LastName, c.Phone, utc(c.CreatedAt)).Scan(&c.ID)
	return mapErr("create customer", err)
}

func (s *DB) GetCustomer(ctx context.Context, id int64) (*model.Customer, error) {
	var c model.Customer
	err := s.queryRow(ctx, `SELECT id, email, first_name, last_name, phone, created_at FROM customers WHERE id = ?`, id).
		Scan(&c.ID, &c.Email, &c.FirstName, &c.LastName, &c.Phone, &c.CreatedAt)
	if err != nil {
		return nil, mapErr("get customer", err)
	}
	return &c, nil
}

func (s *DB) CreateResetCode(ctx context.Context, r *model.PasswordResetCode) error {
	err := s.queryRow(ctx, `INSERT INTO password_reset_codes (customer_id, code, expires_at, used)
		VALUES (?,?,?,?) RETURNING id`, r.CustomerID, r.Code, utc(r.ExpiresAt), r.Used).Scan(&r.ID)
	return mapErr("create reset code", err)
}

// DeleteExpiredResetCodes removes codes that expired before now or were used.
func (s *DB) DeleteExpiredResetCodes(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM password_reset_codes WHERE expires_at < ? OR used = ?`, utc(now), true)
	if err != nil {
		return 0, mapErr("delete reset codes", err)
	}
	return res.RowsAffected()
}
