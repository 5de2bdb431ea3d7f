// server.go - HTTP API of the bank daemon
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"privbank/internal/client"
	"privbank/internal/disclosure"
	"privbank/internal/errs"
	"privbank/internal/ledger"
	"privbank/internal/transport"
)

const maxBody = 64 << 10

// Server routes API requests to a bank client.
type Server struct {
	client  *client.Client
	ledger  *transport.Server
	health  *HealthChecker
	limiter *ClientRateLimiter
	logger  *slog.Logger
	nodeID  string
	router  http.Handler
}

func NewServer(c *client.Client, ledgerSrv *transport.Server, health *HealthChecker, limiter *ClientRateLimiter, nodeID string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		client:  c,
		ledger:  ledgerSrv,
		health:  health,
		limiter: limiter,
		logger:  logger,
		nodeID:  nodeID,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleLive)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(limited chi.Router) {
		limited.Use(s.limiter.Middleware)
		s.ledger.Register(limited)

		limited.Route("/v1", func(api chi.Router) {
			api.Get("/contract", s.handleContract)
			api.Post("/accounts", s.op(s.createAccount))
			api.Route("/accounts/{user}", func(acct chi.Router) {
				acct.Post("/deposit", s.op(s.deposit))
				acct.Post("/withdraw", s.op(s.withdraw))
				acct.Post("/balance", s.op(s.balance))
				acct.Post("/verify", s.op(s.verify))
				acct.Post("/authorizations/request", s.op(s.requestAuthorization))
				acct.Post("/authorizations/approve", s.op(s.approveAuthorization))
				acct.Post("/transfers", s.op(s.send))
				acct.Post("/claims", s.op(s.claim))
				acct.Post("/disclosures", s.op(s.grant))
				acct.Post("/disclosures/threshold", s.op(s.verifyThreshold))
				acct.Post("/disclosures/exact", s.op(s.disclosedBalance))
				acct.Post("/authorizations/revoke", s.op(s.revokeAuthorization))
				acct.Post("/disclosures/revoke", s.op(s.revokeDisclosure))
				acct.With(s.requirePin).Get("/history", s.handleHistory)
				acct.With(s.requirePin).Get("/view", s.handleView)
			})
		})
	})
	return r
}

// opRequest carries the arguments of every operation; each handler reads
// the fields it needs.
type opRequest struct {
	User           string                `json:"user,omitempty"`
	Pin            string                `json:"pin"`
	Amount         uint64                `json:"amount,omitempty"`
	InitialDeposit uint64                `json:"initialDeposit,omitempty"`
	Recipient      string                `json:"recipient,omitempty"`
	Sender         string                `json:"sender,omitempty"`
	Requester      string                `json:"requester,omitempty"`
	Grantor        string                `json:"grantor,omitempty"`
	MaxAmount      uint64                `json:"maxAmount,omitempty"`
	Type           ledger.DisclosureType `json:"type,omitempty"`
	Ceiling        uint64                `json:"ceiling,omitempty"`
	ExpiresIn      string                `json:"expiresIn,omitempty"`
	ExpiresAt      *time.Time            `json:"expiresAt,omitempty"`
}

type opFunc func(ctx context.Context, user string, req opRequest) (any, error)

var errBadRequest = errors.New("bad request")

func (s *Server) op(fn opFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req opRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
			transport.WriteErrorStatus(w, http.StatusBadRequest, errors.Join(errBadRequest, err))
			return
		}
		if req.Pin == "" {
			transport.WriteErrorStatus(w, http.StatusBadRequest, errors.Join(errBadRequest, errors.New("pin is required")))
			return
		}
		out, err := fn(r.Context(), chi.URLParam(r, "user"), req)
		if errors.Is(err, errBadRequest) {
			transport.WriteErrorStatus(w, http.StatusBadRequest, err)
			return
		}
		if err != nil {
			transport.WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// PinHeader carries the PIN of read-only account routes. The view stream
// also accepts it as the pin query parameter, since browsers cannot set
// headers on a websocket handshake.
const PinHeader = "X-Pin"

// requirePin admits a request only with the PIN of the account in its path.
func (s *Server) requirePin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pin := r.Header.Get(PinHeader)
		if pin == "" {
			pin = r.URL.Query().Get("pin")
		}
		if pin == "" {
			transport.WriteErrorStatus(w, http.StatusUnauthorized, errs.Authentication("pin is required"))
			return
		}
		if err := s.client.Authenticate(r.Context(), chi.URLParam(r, "user"), pin); err != nil {
			transport.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type balanceResponse struct {
	Balance uint64 `json:"balance"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) createAccount(ctx context.Context, _ string, req opRequest) (any, error) {
	if req.User == "" {
		return nil, errors.Join(errBadRequest, errors.New("user is required"))
	}
	if err := s.client.CreateAccount(ctx, req.User, req.Pin, req.InitialDeposit); err != nil {
		return nil, err
	}
	return balanceResponse{Balance: req.InitialDeposit}, nil
}

func (s *Server) deposit(ctx context.Context, user string, req opRequest) (any, error) {
	bal, err := s.client.Deposit(ctx, user, req.Pin, req.Amount)
	return balanceResponse{Balance: bal}, err
}

func (s *Server) withdraw(ctx context.Context, user string, req opRequest) (any, error) {
	bal, err := s.client.Withdraw(ctx, user, req.Pin, req.Amount)
	return balanceResponse{Balance: bal}, err
}

func (s *Server) balance(ctx context.Context, user string, req opRequest) (any, error) {
	bal, err := s.client.Balance(ctx, user, req.Pin)
	return balanceResponse{Balance: bal}, err
}

func (s *Server) verify(ctx context.Context, user string, req opRequest) (any, error) {
	status, err := s.client.VerifyAccountStatus(ctx, user, req.Pin)
	return struct {
		Status ledger.Status `json:"status"`
	}{status}, err
}

func (s *Server) requestAuthorization(ctx context.Context, user string, req opRequest) (any, error) {
	return okResponse{OK: true}, s.client.RequestAuthorization(ctx, user, req.Pin, req.Recipient)
}

func (s *Server) approveAuthorization(ctx context.Context, user string, req opRequest) (any, error) {
	return okResponse{OK: true}, s.client.ApproveAuthorization(ctx, user, req.Pin, req.Sender, req.MaxAmount)
}

func (s *Server) send(ctx context.Context, user string, req opRequest) (any, error) {
	bal, err := s.client.SendToAuthorized(ctx, user, req.Pin, req.Recipient, req.Amount)
	return balanceResponse{Balance: bal}, err
}

func (s *Server) claim(ctx context.Context, user string, req opRequest) (any, error) {
	amount, err := s.client.ClaimAuthorizedTransfer(ctx, user, req.Pin, req.Sender)
	return struct {
		Amount uint64 `json:"amount"`
	}{amount}, err
}

func (s *Server) revokeAuthorization(ctx context.Context, user string, req opRequest) (any, error) {
	return okResponse{OK: true}, s.client.RevokeAuthorization(ctx, user, req.Pin, req.Sender)
}

func (s *Server) grant(ctx context.Context, user string, req opRequest) (any, error) {
	exp := disclosure.Never()
	switch {
	case req.ExpiresAt != nil:
		exp = disclosure.At(*req.ExpiresAt)
	case req.ExpiresIn != "":
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			return nil, errors.Join(errBadRequest, err)
		}
		exp = disclosure.In(d)
	}
	return okResponse{OK: true}, s.client.GrantDisclosure(ctx, user, req.Pin, req.Requester, req.Type, req.Ceiling, exp)
}

func (s *Server) verifyThreshold(ctx context.Context, user string, req opRequest) (any, error) {
	holds, err := s.client.VerifyThreshold(ctx, user, req.Pin, req.Grantor, req.Amount)
	return struct {
		Holds bool `json:"holds"`
	}{holds}, err
}

func (s *Server) disclosedBalance(ctx context.Context, user string, req opRequest) (any, error) {
	bal, err := s.client.GetDisclosedBalance(ctx, user, req.Pin, req.Grantor)
	return balanceResponse{Balance: bal}, err
}

func (s *Server) revokeDisclosure(ctx context.Context, user string, req opRequest) (any, error) {
	return okResponse{OK: true}, s.client.RevokeDisclosure(ctx, user, req.Pin, req.Requester)
}

func (s *Server) handleContract(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Address string `json:"address"`
		NodeID  string `json:"nodeId"`
	}{s.client.Address(), s.nodeID})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	log, err := s.client.DetailedHistory(chi.URLParam(r, "user"))
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// handleView streams the account view of a user as envelopes of type view.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())

	views, err := s.client.View(ctx, user)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	for v := range views {
		if err := transport.Send(ctx, conn, transport.TypeView, s.nodeID, v); err != nil {
			if websocket.CloseStatus(err) == -1 {
				s.logger.Debug("view stream write failed", slog.String("user", user), slog.Any("error", err))
			}
			return
		}
	}
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthCheckResponse{Status: "success", Message: "alive"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	health := s.health.CheckHealth()
	status := http.StatusOK
	if health.OverallStatus == Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, CreateHealthResponse(health))
}
