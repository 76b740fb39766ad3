package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/maruel/jsonserver/internal/errors"
	"github.com/maruel/jsonserver/internal/server/handlers"
	"github.com/maruel/jsonserver/internal/server/ratelimit"
	"github.com/maruel/jsonserver/internal/storage"
)

// Options configures the router.
type Options struct {
	// FlushOnWrite flushes every mutation even without ?flush=true.
	FlushOnWrite bool
	// JWTSecret, when set, requires HS256 bearer tokens on mutations.
	JWTSecret []byte
	// Limiter, when set, throttles each client address.
	Limiter *ratelimit.Limiter
	// MaxRequestBodyBytes caps request bodies; 0 means no limit.
	MaxRequestBodyBytes int64
	// Version is reported by the health endpoint.
	Version string
	// History, when set, serves the commits of the database file.
	History handlers.HistoryLog
}

// NewRouter creates and configures the HTTP router.
//
// Administrative endpoints live under /-/ so they can't collide with table
// names in practice.
func NewRouter(store *storage.Server, opts Options) http.Handler {
	mux := http.NewServeMux()

	th := handlers.NewTableHandler(store, opts.FlushOnWrite)
	ah := handlers.NewAdminHandler(store, opts.History)
	hh := handlers.NewHealthHandler(store, opts.Version)

	mux.Handle("GET /-/health", Wrap(hh.Health))
	mux.Handle("GET /-/metrics", promhttp.Handler())
	mux.Handle("POST /-/flush", Wrap(ah.Flush))
	mux.Handle("POST /-/read", Wrap(ah.Read))
	mux.Handle("GET /-/history", Wrap(ah.History))

	mux.Handle("GET /{$}", Wrap(th.GetAll))
	mux.Handle("GET /{table}", Wrap(th.ListTable))
	mux.Handle("PUT /{table}", Wrap(th.CreateTable))
	mux.Handle("DELETE /{table}", Wrap(th.DropTable))
	mux.Handle("POST /{table}", Wrap(th.InsertRow))
	mux.Handle("GET /{table}/{id}", Wrap(th.GetRow))
	mux.Handle("PATCH /{table}/{id}", Wrap(th.UpdateRow))
	mux.Handle("DELETE /{table}/{id}", Wrap(th.RemoveRow))
	mux.Handle("GET /{table}/{id}/{subtable}", Wrap(th.GetSubTable))

	// Innermost first.
	var h http.Handler = recordRoute(mux)
	h = MaxBytesMiddleware(opts.MaxRequestBodyBytes)(h)
	if len(opts.JWTSecret) != 0 {
		h = AuthMiddleware(opts.JWTSecret)(h)
	}
	if opts.Limiter != nil {
		h = ratelimit.Middleware(opts.Limiter, func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, r, apierrors.TooManyRequests())
		})(h)
	}
	h = LoggingMiddleware(h)
	h = RequestIDMiddleware(h)
	return RecoveryMiddleware(h)
}
