package routes

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"btcfi/core"
	"btcfi/core/events"
	"btcfi/gateway/middleware"
	nativecommon "btcfi/native/common"
)

// DefaultTimeout bounds how long a mutation waits for the ledger lock.
const DefaultTimeout = 10 * time.Second

type Config struct {
	Node          *core.Node
	Events        EventLog
	Bus           *events.Bus
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	ServiceName   string
	Timeout       time.Duration
	Logger        *slog.Logger
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Node == nil {
		return nil, errors.New("routes: node required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	auth := cfg.Authenticator
	if auth == nil {
		auth = middleware.NewAuthenticator(middleware.AuthConfig{}, logger)
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "btcfi-gateway"
	}
	a := &api{node: cfg.Node, logger: logger.With(slog.String("component", "gateway")), timeout: timeout}
	ev := &eventsAPI{log: cfg.Events, bus: cfg.Bus, logger: a.logger}

	// scoped applies per-route rate limits and instrumentation.
	scoped := func(name string) []func(http.Handler) http.Handler {
		var mws []func(http.Handler) http.Handler
		if cfg.RateLimiter != nil {
			mws = append(mws, cfg.RateLimiter.Middleware(name))
		}
		if cfg.Observability != nil {
			mws = append(mws, cfg.Observability.Middleware(name))
		}
		return mws
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(auth.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Observability != nil {
		r.Handle("/metrics", cfg.Observability.MetricsHandler())
	}

	r.Route("/v1", func(v chi.Router) {
		v.With(scoped("status")...).Get("/status", a.status)
		v.With(scoped("accounts")...).Get("/accounts/{address}/balances", a.balances)

		v.With(scoped("events")...).Get("/events", ev.list)
		v.With(scoped("events")...).Get("/events/stream", ev.stream)

		for _, module := range []struct {
			name  string
			mount func(chi.Router)
		}{
			{"vault", a.mountVault},
			{"lending", a.mountLending},
			{"credit", a.mountCredit},
			{"rewards", a.mountRewards},
		} {
			module := module
			v.Route("/"+module.name, func(sr chi.Router) {
				sr.Use(scoped(module.name)...)
				sr.Use(mutationsRequireAccount(auth))
				module.mount(sr)
			})
		}

		v.Route("/oracle", func(sr chi.Router) {
			sr.Use(scoped("oracle")...)
			sr.Use(mutationsRequireAccount(auth))
			a.mountOracle(sr)
			sr.Group(func(g chi.Router) {
				g.Use(auth.RequireRole(string(nativecommon.RoleKeeper), string(nativecommon.RoleOracleAdmin), string(nativecommon.RoleAdmin)))
				a.mountOracleUpdate(g)
			})
		})

		v.Route("/admin", func(sr chi.Router) {
			sr.Use(scoped("admin")...)
			sr.Use(auth.RequireRole(
				string(nativecommon.RoleAdmin),
				string(nativecommon.RolePauser),
				string(nativecommon.RoleOracleAdmin),
				string(nativecommon.RoleRiskAdmin),
				string(nativecommon.RoleTreasury),
			))
			a.mountAdmin(sr)
		})
	})

	return otelhttp.NewHandler(r, serviceName), nil
}

// mutationsRequireAccount lets reads through anonymously and demands a
// caller for everything else.
func mutationsRequireAccount(auth *middleware.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		guarded := auth.RequireAccount(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
			default:
				guarded.ServeHTTP(w, r)
			}
		})
	}
}
