package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultTable is the built-in periodic job table, evaluated in UTC unless
// beat.timezone says otherwise.
func DefaultTable() []Entry {
	return []Entry{
		{"check-pending-mpesa-transactions", "payments.check_pending_transactions", "*/5 * * * *"},
		{"auto-timeout-stuck-transactions", "payments.auto_timeout_stuck_transactions", "0 * * * *"},
		{"monitor-failed-payments", "payments.monitor_failed_payments", "30 * * * *"},
		{"reconcile-daily-mpesa-transactions", "payments.reconcile_daily_transactions", "30 23 * * *"},
		{"cleanup-old-mpesa-callbacks", "payments.cleanup_old_callbacks", "0 2 * * 0"},
		{"refresh-mpesa-access-tokens", "payments.refresh_mpesa_access_tokens", "*/50 * * * *"},
		{"auto-confirm-paid-orders", "orders.auto_confirm_paid_orders", "*/5 * * * *"},
		{"auto-cancel-unpaid-orders", "orders.auto_cancel_unpaid_orders", "0 2 * * *"},
		{"check-delayed-orders", "orders.check_delayed_orders", "0 9 * * *"},
		{"check-pending-orders", "orders.check_pending_orders", "0 * * * *"},
		{"generate-daily-order-report", "orders.generate_daily_order_report", "0 23 * * *"},
		{"check-low-stock-products", "products.check_low_stock_products", "0 * * * *"},
		{"check-out-of-stock-products", "products.check_out_of_stock_products", "0 */2 * * *"},
		{"auto-deactivate-out-of-stock", "products.auto_deactivate_out_of_stock_products", "0 3 * * 1"},
		{"check-pricing-anomalies", "products.check_pricing_anomalies", "0 9 * * *"},
		{"monitor-stock-levels", "inventory.monitor_stock_levels", "*/30 * * * *"},
		{"generate-reorder-recommendations", "inventory.generate_reorder_recommendations", "0 9 * * *"},
		{"generate-inventory-valuation-report", "inventory.generate_inventory_valuation_report", "0 23 * * *"},
		{"cleanup-old-resolved-alerts", "inventory.cleanup_old_resolved_alerts", "0 3 1 * *"},
		{"cleanup-expired-reset-codes", "customers.cleanup_expired_reset_codes", "0 0 * * *"},
	}
}

// Merge applies overrides to base by name and validates every resulting
// schedule. The order of base is kept; new entries are appended.
func Merge(base []Entry, overrides []Override) ([]Entry, error) {
	out := make([]Entry, len(base))
	copy(out, base)
	index := make(map[string]int, len(out))
	for i, e := range out {
		index[e.Name] = i
	}

	var errs []error
	removed := map[string]bool{}
	for i, o := range overrides {
		name := strings.TrimSpace(o.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("beat.schedules[%d].name is required", i))
			continue
		}
		disabled := o.Enabled != nil && !*o.Enabled
		if idx, ok := index[name]; ok {
			if disabled {
				removed[name] = true
				continue
			}
			delete(removed, name)
			if v := strings.TrimSpace(o.Task); v != "" {
				out[idx].Task = v
			}
			if v := strings.TrimSpace(o.Schedule); v != "" {
				out[idx].Schedule = v
			}
			continue
		}
		if disabled {
			continue
		}
		e := Entry{Name: name, Task: strings.TrimSpace(o.Task), Schedule: strings.TrimSpace(o.Schedule)}
		if e.Task == "" || e.Schedule == "" {
			errs = append(errs, fmt.Errorf("beat.schedules[%d] (%s): task and schedule are required for new entries", i, name))
			continue
		}
		index[name] = len(out)
		out = append(out, e)
	}

	n := 0
	for _, e := range out {
		if removed[e.Name] {
			continue
		}
		if _, err := ParseSchedule(e.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("beat schedule %s: %w", e.Name, err))
		}
		out[n] = e
		n++
	}
	return out[:n], errors.Join(errs...)
}
