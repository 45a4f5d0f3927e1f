// Package api 暴露编排服务的 REST 接口。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0rca-network/0rca-chat-sub000/internal/catalog"
	apperrors "github.com/0rca-network/0rca-chat-sub000/internal/errors"
	"github.com/0rca-network/0rca-chat-sub000/internal/journal"
	"github.com/0rca-network/0rca-chat-sub000/internal/observability/metrics"
	"github.com/0rca-network/0rca-chat-sub000/internal/orchestrator"
	"github.com/0rca-network/0rca-chat-sub000/pkg/logger"
)

// Engine 是 API 层需要的编排入口。
type Engine interface {
	Execute(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// BalanceReader 查询结算代币余额。
type BalanceReader interface {
	Balance(ctx context.Context, account common.Address) (string, error)
}

// Server 负责暴露 REST 接口，供前端驱动编排。
type Server struct {
	addr     string
	engine   Engine
	store    catalog.Store
	balance  BalanceReader
	payments journal.Journal
}

// NewServer 构造 API 服务实例。balance 与 payments 可以为 nil，
// 对应接口返回不可用。
func NewServer(addr string, engine Engine, store catalog.Store, balance BalanceReader, payments journal.Journal) *Server {
	return &Server{addr: addr, engine: engine, store: store, balance: balance, payments: payments}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/orchestrations", instrument("orchestrations", s.handleOrchestrations))
	mux.HandleFunc("/api/v1/agents", instrument("agents", s.handleAgents))
	mux.HandleFunc("/api/v1/balance", instrument("balance", s.handleBalance))
	mux.HandleFunc("/api/v1/payments", instrument("payments", s.handlePayments))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// orchestrationResponse 是编排接口的响应体。result 字段保持历史线格式,
// 老客户端继续做哨兵探测；新客户端直接读 kind/challenge。
type orchestrationResponse struct {
	Result    string                  `json:"result"`
	Kind      orchestrator.ResultKind `json:"kind"`
	Challenge *orchestrator.Challenge `json:"challenge,omitempty"`
}

func (s *Server) handleOrchestrations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}

	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.Mode == "" {
		req.Mode = orchestrator.ModeAuto
	}

	result, err := s.engine.Execute(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if apperrors.CodeOf(err) == apperrors.CodeInvalidArgument {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	legacy, err := result.EncodeLegacy()
	if err != nil {
		logger.Named("api").Error("编码编排结果失败", "error", err)
		http.Error(w, "编码编排结果失败", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(orchestrationResponse{
		Result:    legacy,
		Kind:      result.Kind,
		Challenge: result.Challenge,
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "代理目录未初始化", http.StatusServiceUnavailable)
		return
	}

	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(agents)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.balance == nil {
		http.Error(w, "余额查询未启用", http.StatusServiceUnavailable)
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("address"))
	if !common.IsHexAddress(raw) {
		http.Error(w, "address 参数不合法", http.StatusBadRequest)
		return
	}

	balance, err := s.balance.Balance(r.Context(), common.HexToAddress(raw))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"address": raw, "balance": balance})
}

// handlePayments 按任务标识查询资金流水，供计费界面展示注资与结算状态。
func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.payments == nil {
		http.Error(w, "支付流水未启用", http.StatusServiceUnavailable)
		return
	}

	taskID := strings.TrimSpace(r.URL.Query().Get("task_id"))
	if taskID == "" {
		http.Error(w, "缺少 task_id 参数", http.StatusBadRequest)
		return
	}

	entry, err := s.payments.Lookup(r.Context(), taskID)
	if errors.Is(err, journal.ErrNotFound) {
		http.Error(w, "任务不存在", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entry)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录每个接口的请求量、错误量和时延。
func instrument(name string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
