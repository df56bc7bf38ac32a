package storage

import (
	"database/sql"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// where accumulates AND-ed conditions with "?" placeholders.
type where struct {
	parts []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.parts = append(w.parts, cond)
	w.args = append(w.args, args...)
}

func (w *where) addTime(cond string, t time.Time) {
	if !t.IsZero() {
		w.add(cond, t.UTC())
	}
}

func whereIn[T ~string](w *where, col string, vals []T) {
	if len(vals) == 0 {
		return
	}
	ph := make([]string, len(vals))
	for i, v := range vals {
		ph[i] = "?"
		w.args = append(w.args, string(v))
	}
	w.parts = append(w.parts, col+" IN ("+strings.Join(ph, ",")+")")
}

func (w *where) String() string {
	if len(w.parts) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.parts, " AND ")
}

func whereInIDs(w *where, col string, ids []int64) {
	if len(ids) == 0 {
		return
	}
	w.parts = append(w.parts, col+" IN ("+placeholders(len(ids))+")")
	for _, id := range ids {
		w.args = append(w.args, id)
	}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func utc(t time.Time) time.Time { return t.UTC() }

// nullTime maps nil to SQL NULL and normalises to UTC.
func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func closeRows(rows *sql.Rows, err *error) {
	if cerr := rows.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}
