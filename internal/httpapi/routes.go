package httpapi

import (
	"context"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/shopspring/decimal"

	"shopd/internal/model"
	"shopd/internal/payments"
	"shopd/internal/storage"
	"shopd/internal/task/engine"
	"shopd/internal/task/queue"
	"shopd/internal/task/scheduler"
)

// Payments is the transaction lifecycle behind the payment routes.
type Payments interface {
	Initiate(ctx context.Context, req payments.InitiateRequest) (*model.Transaction, error)
	CheckStatus(ctx context.Context, id string) (*model.Transaction, error)
	RecordRefund(ctx context.Context, txID string, amount decimal.Decimal, reason string) (*model.Refund, error)
	CompleteRefund(ctx context.Context, refundID string) (*model.Refund, error)
}

// Store is the read side the handlers query directly.
type Store interface {
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, f model.TransactionFilter) ([]model.Transaction, error)
	ListRefunds(ctx context.Context, f model.RefundFilter) ([]model.Refund, error)
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	Ping(ctx context.Context) error
}

type Tasks interface {
	Delay(ctx context.Context, name string, args any) (string, error)
	Registry() *queue.Registry
}

type Engine interface {
	Snapshot() engine.Snapshot
}

type Beat interface {
	Snapshot() scheduler.Snapshot
}

// Auditor records admin actions. Optional.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Deps struct {
	Payments Payments
	Store    Store
	Tasks    Tasks
	Engine   Engine
	Beat     Beat
	Audit    Auditor
}

// Handler builds the routing tree for the current config.
func (s *Server) Handler() http.Handler {
	cfg, _ := s.current()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/payments/mpesa/callback", s.handleCallback)
	mux.HandleFunc("POST /api/payments/mpesa/initiate", s.handleInitiate)
	mux.HandleFunc("GET /api/payments/transactions", s.requireAdmin(s.handleListTransactions))
	mux.HandleFunc("GET /api/payments/transactions/{id}", s.requireAdmin(s.handleGetTransaction))
	mux.HandleFunc("POST /api/payments/transactions/{id}/query", s.requireAdmin(s.handleQueryTransaction))
	mux.HandleFunc("POST /api/payments/transactions/{id}/refunds", s.requireAdmin(s.handleRecordRefund))
	mux.HandleFunc("POST /api/payments/refunds/{id}/complete", s.requireAdmin(s.handleCompleteRefund))

	mux.HandleFunc("GET /api/products/{id}", s.handleGetProduct)
	mux.HandleFunc("GET /api/orders/{id}/payment-status", s.handleOrderPaymentStatus)

	mux.HandleFunc("GET /api/admin/schedules", s.requireAdmin(s.handleSchedules))
	mux.HandleFunc("GET /api/admin/tasks", s.requireAdmin(s.handleTasks))
	mux.HandleFunc("POST /api/admin/tasks/{name}/run", s.requireAdmin(s.handleRunTask))

	if cfg.Pprof && strings.TrimSpace(cfg.AdminToken) != "" {
		mux.HandleFunc("GET /debug/pprof/", s.requireAdmin(hpprof.Index))
		mux.HandleFunc("GET /debug/pprof/cmdline", s.requireAdmin(hpprof.Cmdline))
		mux.HandleFunc("GET /debug/pprof/profile", s.requireAdmin(hpprof.Profile))
		mux.HandleFunc("GET /debug/pprof/symbol", s.requireAdmin(hpprof.Symbol))
		mux.HandleFunc("GET /debug/pprof/trace", s.requireAdmin(hpprof.Trace))
	}

	return s.logRequests(mux)
}
