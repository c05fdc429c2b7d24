// Package server exposes the actor queues over HTTP.
//
//   - GET    /v1.0/cim               - Peek the oldest CIM document, any category
//   - GET    /v1.0/cim/{category}    - Peek within Aggregations or MeasureData
//   - DELETE /v1.0/cim/{messageId}   - Dequeue a peeked CIM document
//   - GET    /ebix                   - Peek the oldest ebIX document
//   - DELETE /ebix/{messageId}       - Dequeue a peeked ebIX document
//   - GET    /health                 - Liveness probe
//   - GET    /ready                  - Readiness probe (store ping)
//
// Actor identity is taken from the X-Actor-Number and X-Actor-Role headers set
// by the authenticating gateway in front of the hub.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/actorqueue"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outgoing"
)

const (
	HeaderActorNumber = "X-Actor-Number"
	HeaderActorRole   = "X-Actor-Role"
	HeaderMessageID   = "MessageId"
)

// Queue is the part of actorqueue.Service the HTTP surface needs.
type Queue interface {
	Peek(ctx context.Context, req actorqueue.PeekRequest) (*actorqueue.PeekResult, error)
	Dequeue(ctx context.Context, req actorqueue.DequeueRequest) (bool, error)
	Ping(ctx context.Context) error
}

type Server struct {
	queue   Queue
	logger  *slog.Logger
	httpSrv *http.Server
}

func New(queue Queue, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{queue: queue, logger: logger}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start listens on addr until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	s.logger.Info("starting server", "addr", addr)
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	mux.HandleFunc("GET /v1.0/cim", s.withActor(s.handlePeekCIM))
	mux.HandleFunc("GET /v1.0/cim/{category}", s.withActor(s.handlePeekCIM))
	mux.HandleFunc("DELETE /v1.0/cim/{messageId}", s.withActor(s.handleDequeue))

	mux.HandleFunc("GET /ebix", s.withActor(s.handlePeekEbix))
	mux.HandleFunc("DELETE /ebix/{messageId}", s.withActor(s.handleDequeue))
}

type contextKey string

const actorContextKey contextKey = "actor"

// ActorFromContext returns the authenticated actor of the request.
func ActorFromContext(ctx context.Context) (outgoing.Receiver, bool) {
	r, ok := ctx.Value(actorContextKey).(outgoing.Receiver)
	return r, ok
}

func (s *Server) withActor(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role, err := outgoing.ParseActorRole(r.Header.Get(HeaderActorRole))
		if err != nil {
			s.jsonError(w, "actor role required", http.StatusBadRequest)
			return
		}
		actor := outgoing.Receiver{Number: r.Header.Get(HeaderActorNumber), Role: role}
		if err := actor.Validate(); err != nil {
			s.jsonError(w, "invalid actor number", http.StatusBadRequest)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), actorContextKey, actor)))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Ping(r.Context()); err != nil {
		s.jsonError(w, "store not ready", http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
}

func (s *Server) handlePeekCIM(w http.ResponseWriter, r *http.Request) {
	var category outgoing.Category
	if v := r.PathValue("category"); v != "" {
		c, err := outgoing.ParseCategory(v)
		if err != nil {
			s.jsonError(w, "unknown message category", http.StatusBadRequest)
			return
		}
		category = c
	}
	s.peek(w, r, category, acceptedFormat(r))
}

func (s *Server) handlePeekEbix(w http.ResponseWriter, r *http.Request) {
	s.peek(w, r, "", outgoing.FormatEbix)
}

func (s *Server) peek(w http.ResponseWriter, r *http.Request, category outgoing.Category, format outgoing.DocumentFormat) {
	actor, _ := ActorFromContext(r.Context())
	res, err := s.queue.Peek(r.Context(), actorqueue.PeekRequest{
		Receiver: actor,
		Category: category,
		Format:   format,
	})
	if err != nil {
		s.logger.Error("peek failed", "actor", actor.String(), "category", category, "format", format, "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set(HeaderMessageID, res.MessageID)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Payload); err != nil {
		s.logger.Warn("writing peek response", "bundle", res.MessageID, "error", err)
	}
}

func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	ok, err := s.queue.Dequeue(r.Context(), actorqueue.DequeueRequest{
		MessageID: r.PathValue("messageId"),
		Receiver:  actor,
	})
	if err != nil {
		s.logger.Error("dequeue failed", "actor", actor.String(), "message_id", r.PathValue("messageId"), "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// acceptedFormat picks CIM-JSON when the client accepts JSON and CIM-XML otherwise.
func acceptedFormat(r *http.Request) outgoing.DocumentFormat {
	if strings.Contains(strings.ToLower(r.Header.Get("Accept")), "application/json") {
		return outgoing.FormatJSON
	}
	return outgoing.FormatXML
}

func (s *Server) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("encoding response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, map[string]string{"error": message}, status)
}
