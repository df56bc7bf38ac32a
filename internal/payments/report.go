package payments

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"shopd/internal/model"
	"shopd/pkg/logx"
)

type ReconciliationReport struct {
	Date              string          `json:"date"`
	TotalTransactions int             `json:"total_transactions"`
	Successful        int             `json:"successful"`
	Failed            int             `json:"failed"`
	Pending           int             `json:"pending"`
	Cancelled         int             `json:"cancelled"`
	SuccessRate       float64         `json:"success_rate"`
	GrossAmount       decimal.Decimal `json:"gross_amount"`
	RefundAmount      decimal.Decimal `json:"refund_amount"`
	NetAmount         decimal.Decimal `json:"net_amount"`
}

// Reconcile builds the report for the given day from transactions and
// completed refunds initiated that day.
func Reconcile(day string, txs []model.Transaction, refunds []model.Refund) ReconciliationReport {
	r := ReconciliationReport{
		Date:              day,
		TotalTransactions: len(txs),
		GrossAmount:       decimal.Zero,
		RefundAmount:      decimal.Zero,
	}
	for _, t := range txs {
		switch {
		case t.Succeeded():
			r.Successful++
			r.GrossAmount = r.GrossAmount.Add(t.Amount)
		case t.Status == model.TxFailed:
			r.Failed++
		case t.Status == model.TxPending || t.Status == model.TxProcessing:
			r.Pending++
		case t.Status == model.TxCancelled || t.Status == model.TxTimeout:
			r.Cancelled++
		}
	}
	for _, rf := range refunds {
		r.RefundAmount = r.RefundAmount.Add(rf.Amount)
	}
	r.NetAmount = r.GrossAmount.Sub(r.RefundAmount)
	if r.TotalTransactions > 0 {
		r.SuccessRate = float64(r.Successful) / float64(r.TotalTransactions) * 100
	}
	return r
}

// ReconcileDay reports on today in the configured location and emails the
// report to the admins.
func (s *Service) ReconcileDay(ctx context.Context) (ReconciliationReport, error) {
	now := s.now().In(s.cfg.Location)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.cfg.Location)
	end := start.AddDate(0, 0, 1)

	txs, err := s.store.ListTransactions(ctx, model.TransactionFilter{InitiatedFrom: start, InitiatedTo: end})
	if err != nil {
		return ReconciliationReport{}, err
	}
	refunds, err := s.store.ListRefunds(ctx, model.RefundFilter{
		Status:        []model.RefundStatus{model.RefundCompleted},
		InitiatedFrom: start,
		InitiatedTo:   end,
	})
	if err != nil {
		return ReconciliationReport{}, err
	}
	r := Reconcile(start.Format(time.DateOnly), txs, refunds)
	s.log.Info("daily reconciliation", logx.String("date", r.Date), logx.Int("total", r.TotalTransactions),
		logx.Int("successful", r.Successful), logx.Stringer("net", r.NetAmount))

	if err := s.mail.MailAdminsTemplate(ctx, "reconciliation_report", r); err != nil {
		return r, err
	}
	return r, nil
}
