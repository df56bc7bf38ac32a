package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"shopd/internal/model"
	"shopd/internal/mpesa"
	"shopd/internal/payments"
	"shopd/pkg/logx"
)

const (
	maxCallbackBody = 64 << 10
	maxJSONBody     = 16 << 10

	defaultListLimit = 50
	maxListLimit     = 500
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if s.d.Store != nil {
		if err := s.d.Store.Ping(ctx); err != nil {
			s.log.Warn("health check: database unreachable", logx.Err(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": "down"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCallback stores nothing itself: the raw payload goes to the
// processing task and Daraja always gets an acknowledgement.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	cfg, allow := s.current()
	ip := clientIP(r, cfg.TrustProxy)
	if !allow.allows(ip) {
		s.log.Warn("mpesa callback from disallowed address", logx.String("ip", ip))
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		s.log.Warn("mpesa callback body unreadable", logx.String("ip", ip), logx.Err(err))
		writeJSON(w, http.StatusOK, mpesa.Accepted)
		return
	}

	in := payments.CallbackInput{ID: uuid.NewString(), Payload: string(body), IP: ip}
	if _, err := s.d.Tasks.Delay(r.Context(), payments.TaskProcessCallback, in); err != nil {
		s.log.Error("mpesa callback enqueue failed",
			logx.String("callback", in.ID),
			logx.String("payload", in.Payload),
			logx.Err(err),
		)
	} else {
		s.log.Info("mpesa callback received", logx.String("callback", in.ID), logx.String("ip", ip))
	}
	writeJSON(w, http.StatusOK, mpesa.Accepted)
}

type initiateFailure struct {
	Error       string             `json:"error"`
	Transaction *model.Transaction `json:"transaction"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req payments.InitiateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.OrderID <= 0 {
		s.writeError(w, r, fmt.Errorf("%w: order_id is required", errBadRequest))
		return
	}
	if strings.TrimSpace(req.Phone) == "" {
		s.writeError(w, r, fmt.Errorf("%w: phone_number is required", errBadRequest))
		return
	}
	tx, err := s.d.Payments.Initiate(r.Context(), req)
	if err != nil {
		if tx != nil {
			writeJSON(w, statusFor(err), initiateFailure{Error: err.Error(), Transaction: tx})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.TransactionFilter{Limit: defaultListLimit}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := model.TransactionStatus(strings.TrimSpace(part))
			if !st.Valid() {
				s.writeError(w, r, fmt.Errorf("%w: unknown status %q", errBadRequest, part))
				return
			}
			f.Status = append(f.Status, st)
		}
	}
	if raw := q.Get("order_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: order_id must be a positive integer", errBadRequest))
			return
		}
		f.OrderID = &id
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		f.Limit = min(n, maxListLimit)
	}
	txs, err := s.d.Store.ListTransactions(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(txs), "results": txs})
}

type transactionDetail struct {
	*model.Transaction
	Refunds []model.Refund `json:"refunds"`
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.d.Store.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	refunds, err := s.d.Store.ListRefunds(r.Context(), model.RefundFilter{TransactionID: tx.ID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if refunds == nil {
		refunds = []model.Refund{}
	}
	writeJSON(w, http.StatusOK, transactionDetail{Transaction: tx, Refunds: refunds})
}

func (s *Server) handleQueryTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.d.Payments.CheckStatus(r.Context(), r.PathValue("id"))
	s.audit(r, "transaction.query", r.PathValue("id"), err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func (s *Server) handleRecordRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ref, err := s.d.Payments.RecordRefund(r.Context(), r.PathValue("id"), req.Amount, req.Reason)
	s.audit(r, "refund.create", r.PathValue("id"), err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

func (s *Server) handleCompleteRefund(w http.ResponseWriter, r *http.Request) {
	ref, err := s.d.Payments.CompleteRefund(r.Context(), r.PathValue("id"))
	s.audit(r, "refund.complete", r.PathValue("id"), err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

// decodeBody reads one JSON object and rejects unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON object", errBadRequest)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: id must be a positive integer", errBadRequest)
	}
	return id, nil
}
