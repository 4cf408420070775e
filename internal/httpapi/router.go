package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	oteltrace "go.opentelemetry.io/otel/trace"

	"overlay-bridge/internal/conn"
	"overlay-bridge/internal/events"
	"overlay-bridge/internal/observability"
)

// StateReader is the latest-state cache as seen by the API.
type StateReader interface {
	Get(ctx context.Context, namespace string) (events.Event, bool, error)
	List(ctx context.Context) ([]events.Event, error)
}

type SourceLister interface {
	Snapshot() []conn.Status
}

type Deps struct {
	ServiceName string
	Sources     SourceLister
	// State may be nil when no cache is configured.
	State   StateReader
	Gateway http.Handler
	Metrics http.Handler
	Tracer  oteltrace.Tracer
}

// New builds the consumer-facing handler. Websocket upgrades on /ws and / go straight to
// the gateway, outside the tracing middleware, which cannot hijack.
func New(d Deps) http.Handler {
	api := setupMainRouter(d)
	ws := cors.AllowAll().Handler(d.Gateway)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && websocket.IsWebSocketUpgrade(r) {
			ws.ServeHTTP(w, r)
			return
		}
		api.ServeHTTP(w, r)
	}))
	return mux
}

func setupMainRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	if d.Tracer != nil {
		r.Use(observability.MetricsAndTracingMiddleware(d.Tracer, d.ServiceName))
	}

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/bridge", func(r chi.Router) {
		r.Get("/sources", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, d.Sources.Snapshot())
		})
		r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
			if d.State == nil {
				writeError(w, http.StatusNotFound, "state cache disabled")
				return
			}
			list, err := d.State.List(r.Context())
			if err != nil {
				slog.Error("state list failed", "error", err)
				writeError(w, http.StatusInternalServerError, "state unavailable")
				return
			}
			if list == nil {
				list = []events.Event{}
			}
			writeJSON(w, http.StatusOK, list)
		})
		r.Get("/state/{namespace}", func(w http.ResponseWriter, r *http.Request) {
			if d.State == nil {
				writeError(w, http.StatusNotFound, "state cache disabled")
				return
			}
			ns := chi.URLParam(r, "namespace")
			if _, _, err := events.SplitNamespace(ns); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			ev, ok, err := d.State.Get(r.Context(), ns)
			if err != nil {
				slog.Error("state get failed", "namespace", ns, "error", err)
				writeError(w, http.StatusInternalServerError, "state unavailable")
				return
			}
			if !ok {
				writeError(w, http.StatusNotFound, "no state for "+ns)
				return
			}
			writeJSON(w, http.StatusOK, ev)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		slog.Warn("route not found", "method", r.Method, "path", r.URL.Path)
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
