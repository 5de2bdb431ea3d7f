// Package transport serves a ledger.Reader over HTTP and websockets and
// provides the matching remote reader.
//
//	GET /ledger/{address}         latest snapshot as JSON
//	GET /ledger/{address}/stream  websocket of snapshot envelopes
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"privbank/internal/errs"
	"privbank/internal/ledger"
)

// Server exposes a ledger.Reader.
type Server struct {
	reader ledger.Reader
	nodeID string
	logger *slog.Logger
}

func NewServer(reader ledger.Reader, nodeID string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{reader: reader, nodeID: nodeID, logger: logger}
}

// Register mounts the ledger routes on r.
func (s *Server) Register(r chi.Router) {
	r.Get("/ledger/{address}", s.handleRead)
	r.Get("/ledger/{address}/stream", s.handleStream)
}

// Handler returns a router serving only the ledger routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	s.Register(r)
	return r
}

// StatusOf maps an error kind to an HTTP status.
func StatusOf(err error) int {
	switch errs.KindOf(err) {
	case errs.KindAuthentication:
		return http.StatusUnauthorized
	case errs.KindAuthorization:
		return http.StatusForbidden
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindState:
		return http.StatusConflict
	case errs.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// WriteError writes err as an ErrorPayload with the status of its kind.
func WriteError(w http.ResponseWriter, err error) {
	WriteErrorStatus(w, StatusOf(err), err)
}

// WriteErrorStatus writes err as an ErrorPayload with an explicit status.
func WriteErrorStatus(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorPayload{Kind: errs.KindOf(err).String(), Message: err.Error()})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	snap, err := s.reader.Read(r.Context(), address)
	if err != nil {
		WriteError(w, err)
		return
	}
	if snap == nil {
		WriteError(w, errs.NotFound("no contract at "+address))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snaps, err := s.reader.Subscribe(ctx, address)
	if err != nil {
		WriteError(w, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("address", address), slog.Any("error", err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx = conn.CloseRead(ctx)

	s.logger.Debug("ledger stream opened", slog.String("address", address))
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				_ = Send(r.Context(), conn, TypeError, s.nodeID,
					ErrorPayload{Kind: errs.KindTransient.String(), Message: "ledger stream closed"})
				conn.Close(websocket.StatusGoingAway, "ledger stream closed")
				return
			}
			if err := Send(ctx, conn, TypeSnapshot, s.nodeID, snap); err != nil {
				if websocket.CloseStatus(err) == -1 {
					s.logger.Warn("ledger stream write failed", slog.String("address", address), slog.Any("error", err))
				}
				return
			}
		}
	}
}
