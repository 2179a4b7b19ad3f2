// Package api exposes the resource store over HTTP. Writes are stored first
// and then announced on the notifier; the API never converges anything
// itself.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yairfalse/anchor/internal/notifier"
	"github.com/yairfalse/anchor/internal/plugin"
	"github.com/yairfalse/anchor/internal/telemetry"
	"github.com/yairfalse/anchor/pkg/fault"
	"github.com/yairfalse/anchor/pkg/resource"
	"github.com/yairfalse/anchor/storage"
)

const maxBodyBytes = 1 << 20

// Store is the part of the resource store the API uses.
type Store interface {
	storage.ResourceReader
	storage.ResourceWriter
	History(name resource.Name) ([]storage.Revision, error)
}

// Handlers answers which kinds can be converged.
type Handlers interface {
	Get(kind string) (plugin.Handler, error)
	Len() int
}

// Config configures a Server.
type Config struct {
	Store    Store
	Notifier notifier.Notifier
	Handlers Handlers
	// Metrics is served on /metrics when set.
	Metrics http.Handler
}

// Server translates HTTP requests into store operations and events.
type Server struct {
	store    Store
	notifier notifier.Notifier
	handlers Handlers
	mux      *http.ServeMux
	logger   *telemetry.Logger
}

// NewServer creates the API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		handlers: cfg.Handlers,
		mux:      http.NewServeMux(),
		logger:   telemetry.NewLogger("api"),
	}

	s.mux.HandleFunc("POST /resources", s.handleCreate)
	s.mux.HandleFunc("GET /resources", s.handleList)
	s.mux.HandleFunc("GET /resources/{name}", s.handleGet)
	s.mux.HandleFunc("PUT /resources/{name}", s.handlePut)
	s.mux.HandleFunc("DELETE /resources/{name}", s.handleDelete)
	s.mux.HandleFunc("GET /resources/{name}/history", s.handleHistory)
	s.mux.HandleFunc("GET /healthz", handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	if cfg.Metrics != nil {
		s.mux.Handle("GET /metrics", cfg.Metrics)
	}

	return s
}

// Handler returns the instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.mux, "anchor.api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			if r.Pattern != "" {
				return r.Pattern
			}
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	res, err := s.decode(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	stored, err := s.store.Create(res)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.publish(r.Context(), resource.EventCreate, stored)
	s.write(w, r, http.StatusCreated, stored)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	resources, err := s.store.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if resources == nil {
		resources = []resource.Resource{}
	}
	s.write(w, r, http.StatusOK, resources)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.Get(resource.Name(r.PathValue("name")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.write(w, r, http.StatusOK, res)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	name := resource.Name(r.PathValue("name"))

	res, err := s.decode(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Name() != name {
		s.writeError(w, r, fault.Invalid(
			fmt.Sprintf("metadata.name %q does not match path %q", res.Name(), name), nil,
		))
		return
	}

	stored, created, err := s.store.Apply(res)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	eventType, status := resource.EventUpdate, http.StatusOK
	if created {
		eventType, status = resource.EventCreate, http.StatusCreated
	}

	s.publish(r.Context(), eventType, stored)
	s.write(w, r, status, stored)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	removed, err := s.store.Delete(resource.Name(r.PathValue("name")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.publish(r.Context(), resource.EventDelete, removed)
	s.write(w, r, http.StatusOK, removed)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	revisions, err := s.store.History(resource.Name(r.PathValue("name")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.write(w, r, http.StatusOK, revisions)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.handlers == nil || s.handlers.Len() == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no handlers registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// decode reads a JSON or YAML resource and rejects kinds nothing can
// converge.
func (s *Server) decode(r *http.Request) (resource.Resource, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return resource.Resource{}, fault.Invalid("read body", err)
	}

	res, err := resource.Decode(body)
	if err != nil {
		return resource.Resource{}, err
	}

	if s.handlers != nil {
		if _, err := s.handlers.Get(res.Kind); err != nil {
			return resource.Resource{}, fault.Invalid(fmt.Sprintf("unsupported kind %q", res.Kind), err)
		}
	}
	return res, nil
}

// publish announces a stored change. A failed publish is logged and not
// returned: the write already happened and the next sweep converges it.
func (s *Server) publish(ctx context.Context, t resource.EventType, res resource.Resource) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, resource.NewEvent(t, res)); err != nil {
		s.logger.WithContext(ctx).Error().Err(err).
			Str("event", string(t)).
			Str("resource", res.Name().String()).
			Msg("publish event failed")
	}
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, status int, v any) {
	asYAML := resource.IsYAML(r.Header.Get("Accept"))
	data, err := resource.Encode(v, asYAML)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if asYAML {
		w.Header().Set("Content-Type", resource.MediaTypeYAML)
	} else {
		w.Header().Set("Content-Type", resource.MediaTypeJSON)
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

type errorBody struct {
	Error string      `json:"error"`
	Class fault.Class `json:"class,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusNotFound {
		w.WriteHeader(status)
		return
	}
	if status == http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
	}

	body := errorBody{Error: err.Error(), Class: fault.ClassOf(err)}
	w.Header().Set("Content-Type", resource.MediaTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func statusOf(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case fault.IsNotFound(err):
		return http.StatusNotFound
	case fault.IsConflict(err):
		return http.StatusConflict
	case fault.IsInvalid(err), errors.As(err, &maxBytes):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
