package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// AdminHTTP defines the operator surface the router exposes under the admin
// prefix.
type AdminHTTP interface {
	ServeHealth(http.ResponseWriter, *http.Request)
	ServeRules(http.ResponseWriter, *http.Request)
	SetCachingEnabled(bool)
	SetRulesetEnabled(bool)
	SetRuleEnabled(string, bool) bool
	Purge(context.Context, string) (bool, error)
	WriteError(http.ResponseWriter, int, string)
}

// RouterOptions wires the handlers the lifecycle server dispatches to.
type RouterOptions struct {
	// AdminPrefix mounts the admin routes. Empty disables them.
	AdminPrefix string
	Admin       AdminHTTP
	Metrics     http.Handler
	// Proxy receives every request no other route claims.
	Proxy http.Handler
}

// NewRouter builds the top-level handler: admin routes, /metrics, and the
// caching proxy for everything else.
func NewRouter(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	prefix := "/" + strings.Trim(opts.AdminPrefix, "/")
	if opts.Admin != nil && prefix != "/" {
		r.Route(prefix, func(admin chi.Router) {
			mountAdmin(admin, opts.Admin)
		})
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	proxy := opts.Proxy
	if proxy == nil {
		proxy = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
		})
	}
	r.Handle("/*", proxy)
	r.Handle("/", proxy)
	return r
}

func mountAdmin(r chi.Router, admin AdminHTTP) {
	r.Get("/healthz", admin.ServeHealth)
	r.Get("/health", admin.ServeHealth)
	r.Get("/rules", admin.ServeRules)

	r.Post("/rules/{name}/{action}", func(w http.ResponseWriter, req *http.Request) {
		enabled, ok := parseSwitch(chi.URLParam(req, "action"))
		if !ok {
			admin.WriteError(w, http.StatusNotFound, "unknown action")
			return
		}
		name := chi.URLParam(req, "name")
		if !admin.SetRuleEnabled(name, enabled) {
			admin.WriteError(w, http.StatusNotFound, fmt.Sprintf("rule %q not found", name))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/ruleset/{action}", func(w http.ResponseWriter, req *http.Request) {
		enabled, ok := parseSwitch(chi.URLParam(req, "action"))
		if !ok {
			admin.WriteError(w, http.StatusNotFound, "unknown action")
			return
		}
		admin.SetRulesetEnabled(enabled)
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/{action}", func(w http.ResponseWriter, req *http.Request) {
		enabled, ok := parseSwitch(chi.URLParam(req, "action"))
		if !ok {
			admin.WriteError(w, http.StatusNotFound, "unknown action")
			return
		}
		admin.SetCachingEnabled(enabled)
		w.WriteHeader(http.StatusNoContent)
	})

	r.Delete("/entries", func(w http.ResponseWriter, req *http.Request) {
		key := strings.TrimSpace(req.URL.Query().Get("key"))
		if key == "" {
			admin.WriteError(w, http.StatusBadRequest, "key query parameter required")
			return
		}
		deleted, err := admin.Purge(req.Context(), key)
		if err != nil {
			admin.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !deleted {
			admin.WriteError(w, http.StatusNotFound, "entry not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		admin.WriteError(w, http.StatusNotFound, "admin route not found")
	})
}

func parseSwitch(action string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "enable":
		return true, true
	case "disable":
		return false, true
	}
	return false, false
}
