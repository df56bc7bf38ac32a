package payments

import (
	"errors"
	"fmt"

	"shopd/internal/model"
	"shopd/internal/mpesa"
)

var ErrInvalidTransition = errors.New("invalid transaction transition")

var transitions = map[model.TransactionStatus][]model.TransactionStatus{
	model.TxPending:    {model.TxProcessing, model.TxFailed, model.TxCancelled},
	model.TxProcessing: {model.TxCompleted, model.TxFailed, model.TxCancelled, model.TxTimeout},
	// A success callback can arrive after the sweep gave up; the money was taken.
	model.TxTimeout: {model.TxCompleted},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to model.TransactionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to model.TransactionStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// statusForResult maps a provider result code to a transaction status.
func statusForResult(code int) model.TransactionStatus {
	switch code {
	case mpesa.ResultSuccess:
		return model.TxCompleted
	case mpesa.ResultCancelledByUser:
		return model.TxCancelled
	case mpesa.ResultTimeout:
		return model.TxTimeout
	default:
		return model.TxFailed
	}
}
