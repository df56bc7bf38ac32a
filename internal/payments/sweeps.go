package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"shopd/internal/mail"
	"shopd/internal/model"
	"shopd/pkg/logx"
)

const timeoutDesc = "Transaction timed out - no response from M-Pesa"

type SweepResult struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Errors    int `json:"errors"`
}

// CheckPendingTransactions re-queries processing transactions older than
// PendingCheckAfter.
func (s *Service) CheckPendingTransactions(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	txs, err := s.store.ListTransactions(ctx, model.TransactionFilter{
		Status:        []model.TransactionStatus{model.TxProcessing},
		InitiatedTo:   s.now().UTC().Add(-s.cfg.PendingCheckAfter),
		HasCheckoutID: true,
	})
	if err != nil {
		return res, err
	}
	for _, t := range txs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		tx, err := s.CheckStatus(ctx, t.ID)
		if err != nil {
			res.Errors++
			s.log.Warn("pending transaction check failed", logx.String("tx", t.ID), logx.Err(err))
			continue
		}
		switch {
		case tx.Status == model.TxCompleted:
			res.Completed++
		case tx.Status.IsUnsuccessful():
			res.Failed++
		}
	}
	s.log.Info("pending transactions checked", logx.Int("checked", res.Checked),
		logx.Int("completed", res.Completed), logx.Int("failed", res.Failed), logx.Int("errors", res.Errors))
	return res, nil
}

// AutoTimeoutStuckTransactions gives up on processing transactions older
// than TimeoutAfter.
func (s *Service) AutoTimeoutStuckTransactions(ctx context.Context) (int, error) {
	txs, err := s.store.ListTransactions(ctx, model.TransactionFilter{
		Status:      []model.TransactionStatus{model.TxProcessing},
		InitiatedTo: s.now().UTC().Add(-s.cfg.TimeoutAfter),
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range txs {
		tx := &txs[i]
		now := s.now().UTC()
		tx.Status = model.TxTimeout
		tx.ResultDesc = timeoutDesc
		tx.FailedAt = &now
		if err := s.store.SaveTransaction(ctx, tx, model.TxProcessing); err != nil {
			if !errors.Is(err, model.ErrConflict) {
				s.log.Warn("timeout transaction failed", logx.String("tx", tx.ID), logx.Err(err))
			}
			continue
		}
		n++
		s.enqueueCustomerEmail(ctx, tx)
		s.enqueueAdminAlert(ctx, AdminAlertArgs{
			TransactionID: tx.ID,
			AlertType:     "Transaction Timeout",
			Message:       fmt.Sprintf("Transaction %s timed out after %s without a response from M-Pesa.", tx.ID, s.cfg.TimeoutAfter),
		})
	}
	if n > 0 {
		s.log.Info("stuck transactions timed out", logx.Int("count", n))
	}
	return n, nil
}

type FailureStats struct {
	Total  int     `json:"total"`
	Failed int     `json:"failed"`
	Rate   float64 `json:"rate"`
	Alert  bool    `json:"alert"`
}

// MonitorFailedPayments raises an admin alert when the share of failed,
// cancelled and timed out transactions in the window passes the threshold.
func (s *Service) MonitorFailedPayments(ctx context.Context) (FailureStats, error) {
	var st FailureStats
	txs, err := s.store.ListTransactions(ctx, model.TransactionFilter{
		InitiatedFrom: s.now().UTC().Add(-s.cfg.FailureRateWindow),
	})
	if err != nil || len(txs) == 0 {
		return st, err
	}
	st.Total = len(txs)
	for _, t := range txs {
		if t.Status.IsUnsuccessful() {
			st.Failed++
		}
	}
	st.Rate = float64(st.Failed) / float64(st.Total) * 100
	if st.Rate > s.cfg.FailureRateThreshold {
		st.Alert = true
		s.enqueueAdminAlert(ctx, AdminAlertArgs{
			AlertType: "High Payment Failure Rate",
			Message:   fmt.Sprintf("Payment failure rate is %.1f%% (%d/%d transactions failed in the last hour)", st.Rate, st.Failed, st.Total),
		})
	}
	return st, nil
}

type AdminAlertArgs struct {
	TransactionID string `json:"transaction_id,omitempty"`
	AlertType     string `json:"alert_type"`
	Message       string `json:"message"`
}

func (s *Service) enqueueAdminAlert(ctx context.Context, a AdminAlertArgs) {
	if _, err := s.tasks.Delay(ctx, TaskSendAdminPaymentAlert, a); err != nil {
		s.log.Warn("enqueue admin alert failed", logx.String("alert", a.AlertType), logx.Err(err))
	}
}

// SendAdminPaymentAlert emails the admins and fans the alert out to the
// chat channels.
func (s *Service) SendAdminPaymentAlert(ctx context.Context, a AdminAlertArgs) error {
	var tx *model.Transaction
	if a.TransactionID != "" {
		t, err := s.store.GetTransaction(ctx, a.TransactionID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			s.log.Warn("alert references a missing transaction", logx.String("tx", a.TransactionID))
		case err != nil:
			return err
		default:
			tx = t
		}
	}
	err := s.mail.MailAdminsTemplate(ctx, "admin_payment_alert", map[string]any{
		"AlertType": a.AlertType,
		"Message":   a.Message,
		"Tx":        tx,
		"At":        s.now(),
	})
	if err != nil {
		return err
	}
	if s.alerts != nil {
		if aerr := s.alerts.Alert(ctx, 8, "Payment Alert: "+a.AlertType, alertText(a, tx)); aerr != nil {
			s.log.Debug("alert fan-out incomplete", logx.Err(aerr))
		}
	}
	return nil
}

func alertText(a AdminAlertArgs, tx *model.Transaction) string {
	var b strings.Builder
	b.WriteString(a.Message)
	if tx != nil {
		fmt.Fprintf(&b, "\n\nTransaction %s\nAmount: %s\nPhone: %s\nStatus: %s", tx.ID, mail.KSh(tx.Amount), tx.PhoneNumber, tx.Status)
		if tx.CheckoutRequestID != "" {
			fmt.Fprintf(&b, "\nCheckout: %s", tx.CheckoutRequestID)
		}
	}
	return b.String()
}

// CleanupOldCallbacks deletes processed callbacks past the retention.
func (s *Service) CleanupOldCallbacks(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteProcessedCallbacks(ctx, s.now().UTC().Add(-s.cfg.CallbackRetention))
	if err != nil {
		return 0, err
	}
	s.log.Info("old callbacks deleted", logx.Int64("count", n))
	return n, nil
}

// RefreshAccessTokens forces a new OAuth token for every active
// configuration. A failing configuration is logged and skipped.
func (s *Service) RefreshAccessTokens(ctx context.Context) (int, error) {
	n := 0
	for _, gw := range s.gw.Active() {
		if _, exp, err := gw.RefreshToken(ctx); err != nil {
			s.log.Warn("token refresh failed", logx.String("config", gw.Name()), logx.Err(err))
		} else {
			n++
			s.log.Debug("token refreshed", logx.String("config", gw.Name()), logx.Time("expires", exp))
		}
	}
	return n, nil
}
