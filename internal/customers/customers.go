// Package customers holds customer account housekeeping.
package customers

import (
	"context"
	"time"

	"shopd/internal/task/queue"
	"shopd/pkg/logx"
)

const TaskCleanupResetCodes = "customers.cleanup_expired_reset_codes"

type Store interface {
	DeleteExpiredResetCodes(ctx context.Context, now time.Time) (int64, error)
}

type Service struct {
	store Store
	log   logx.Logger
	now   func() time.Time
}

func New(store Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log.Component("customers"), now: time.Now}
}

// CleanupExpiredResetCodes deletes password reset codes that expired or
// were already used.
func (s *Service) CleanupExpiredResetCodes(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredResetCodes(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	s.log.Info("reset codes cleaned up", logx.Int64("count", n))
	return n, nil
}

func (s *Service) Register(reg *queue.Registry) error {
	return reg.Register(queue.Definition{
		Name: TaskCleanupResetCodes,
		Handler: func(ctx context.Context, _ queue.Message) error {
			_, err := s.CleanupExpiredResetCodes(ctx)
			return err
		},
		MaxRetries:  -1,
		Description: "delete expired and used password reset codes",
	})
}
