package payments

import (
	"context"
	"errors"
	"time"

	"shopd/internal/model"
	"shopd/internal/mpesa"
	"shopd/internal/task/engine"
	"shopd/internal/task/queue"
	"shopd/pkg/logx"
)

const (
	TaskProcessCallback         = "payments.process_mpesa_callback"
	TaskSendPaymentConfirmation = "payments.send_payment_confirmation_email"
	TaskSendPaymentFailed       = "payments.send_payment_failed_notification"
	TaskSendRefundNotification  = "payments.send_refund_notification"
	TaskCheckPending            = "payments.check_pending_transactions"
	TaskAutoTimeout             = "payments.auto_timeout_stuck_transactions"
	TaskMonitorFailed           = "payments.monitor_failed_payments"
	TaskSendAdminPaymentAlert   = "payments.send_admin_payment_alert"
	TaskReconcile               = "payments.reconcile_daily_transactions"
	TaskCleanupCallbacks        = "payments.cleanup_old_callbacks"
	TaskRefreshTokens           = "payments.refresh_mpesa_access_tokens"
)

// unknownCheckoutBackoff is the retry base while the transaction for a
// callback cannot be found yet.
const unknownCheckoutBackoff = 30 * time.Second

// Register adds the payments tasks to reg.
func (s *Service) Register(reg *queue.Registry) error {
	defs := []queue.Definition{
		{
			Name:        TaskProcessCallback,
			Handler:     s.handleCallback,
			MaxRetries:  3,
			Countdown:   queue.DefaultCountdown,
			TimeLimit:   2 * time.Minute,
			Description: "apply an M-Pesa STK callback",
		},
		{
			Name:        TaskSendPaymentConfirmation,
			Handler:     withTransaction(s.SendPaymentConfirmation),
			MaxRetries:  3,
			Countdown:   queue.DefaultCountdown,
			Description: "email the customer a payment receipt",
		},
		{
			Name:        TaskSendPaymentFailed,
			Handler:     withTransaction(s.SendPaymentFailed),
			MaxRetries:  3,
			Countdown:   queue.DefaultCountdown,
			Description: "email the customer about a failed payment",
		},
		{
			Name: TaskSendRefundNotification,
			Handler: func(ctx context.Context, msg queue.Message) error {
				var a RefundArgs
				if err := msg.Decode(&a); err != nil || a.RefundID == "" {
					return engine.NoRetry(argsError(err))
				}
				return noRetryMissing(s.SendRefundNotification(ctx, a.RefundID))
			},
			MaxRetries:  3,
			Countdown:   queue.DefaultCountdown,
			Description: "email the customer about a refund",
		},
		{
			Name: TaskSendAdminPaymentAlert,
			Handler: func(ctx context.Context, msg queue.Message) error {
				var a AdminAlertArgs
				if err := msg.Decode(&a); err != nil || a.AlertType == "" {
					return engine.NoRetry(argsError(err))
				}
				return s.SendAdminPaymentAlert(ctx, a)
			},
			MaxRetries:  3,
			Countdown:   queue.DefaultCountdown,
			Description: "email and notify the admins about a payment problem",
		},
		s.sweep(TaskCheckPending, "re-query processing transactions", func(ctx context.Context) error {
			_, err := s.CheckPendingTransactions(ctx)
			return err
		}),
		s.sweep(TaskAutoTimeout, "time out transactions without a provider answer", func(ctx context.Context) error {
			_, err := s.AutoTimeoutStuckTransactions(ctx)
			return err
		}),
		s.sweep(TaskMonitorFailed, "alert on a high payment failure rate", func(ctx context.Context) error {
			_, err := s.MonitorFailedPayments(ctx)
			return err
		}),
		s.sweep(TaskReconcile, "email the daily reconciliation report", func(ctx context.Context) error {
			_, err := s.ReconcileDay(ctx)
			return err
		}),
		s.sweep(TaskCleanupCallbacks, "delete old processed callbacks", func(ctx context.Context) error {
			_, err := s.CleanupOldCallbacks(ctx)
			return err
		}),
		s.sweep(TaskRefreshTokens, "refresh Daraja access tokens", func(ctx context.Context) error {
			_, err := s.RefreshAccessTokens(ctx)
			return err
		}),
	}
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) sweep(name, desc string, fn func(context.Context) error) queue.Definition {
	return queue.Definition{
		Name:        name,
		Handler:     func(ctx context.Context, _ queue.Message) error { return fn(ctx) },
		MaxRetries:  -1,
		Description: desc,
	}
}

// handleCallback retries an unknown checkout on a shorter schedule: the
// callback can beat the STK push response that stores the checkout id.
func (s *Service) handleCallback(ctx context.Context, msg queue.Message) error {
	var in CallbackInput
	if err := msg.Decode(&in); err != nil {
		return engine.NoRetry(err)
	}
	res, err := s.ProcessCallback(ctx, in)
	switch {
	case err == nil:
		s.log.Debug("callback task done", logx.String("callback", in.ID),
			logx.String("tx", res.TransactionID), logx.Bool("duplicate", res.Duplicate))
		return nil
	case errors.Is(err, mpesa.ErrMalformedCallback), errors.Is(err, ErrInvalidTransition):
		return engine.NoRetry(err)
	case errors.Is(err, ErrUnknownCheckout):
		return engine.RetryAfter(err, engine.Countdown(unknownCheckoutBackoff, engine.Attempt(ctx)))
	default:
		return err
	}
}

func withTransaction(fn func(context.Context, string) error) queue.Handler {
	return func(ctx context.Context, msg queue.Message) error {
		var a TransactionArgs
		if err := msg.Decode(&a); err != nil || a.TransactionID == "" {
			return engine.NoRetry(argsError(err))
		}
		return noRetryMissing(fn(ctx, a.TransactionID))
	}
}

func noRetryMissing(err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return engine.NoRetry(err)
	}
	return err
}

func argsError(err error) error {
	if err != nil {
		return err
	}
	return errors.New("missing task arguments")
}
