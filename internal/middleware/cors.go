package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig configures cross-origin access to the gateway. Browsers posting
// to /procesar from another origin need it.
type CORSConfig struct {
	Enabled bool
	// AllowedOrigins accepts exact origins, "*" and single-label wildcards
	// such as "https://*.example.com".
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int
}

var (
	defaultCORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	defaultCORSHeaders = []string{"Content-Type", "Authorization"}
)

type corsPolicy struct {
	any       bool
	exact     map[string]struct{}
	suffixes  []originPattern
	methods   string
	headers   string
	expose    string
	maxAge    string
	withCreds bool
}

type originPattern struct {
	scheme string
	suffix string
}

func newCORSPolicy(cfg CORSConfig) *corsPolicy {
	p := &corsPolicy{exact: make(map[string]struct{}), withCreds: cfg.AllowCredentials}
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		switch {
		case origin == "":
		case origin == "*":
			p.any = true
		case strings.Contains(origin, "://*."):
			scheme, host, _ := strings.Cut(origin, "://*")
			p.suffixes = append(p.suffixes, originPattern{scheme: scheme + "://", suffix: host})
		default:
			p.exact[origin] = struct{}{}
		}
	}

	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = defaultCORSHeaders
	}
	p.methods = strings.Join(methods, ", ")
	p.headers = strings.Join(headers, ", ")
	p.expose = strings.Join(cfg.ExposeHeaders, ", ")
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	}
	return p
}

func (p *corsPolicy) allows(origin string) bool {
	if p.any {
		return true
	}
	if _, ok := p.exact[origin]; ok {
		return true
	}
	for _, pat := range p.suffixes {
		rest, ok := strings.CutPrefix(origin, pat.scheme)
		if ok && strings.HasSuffix(rest, pat.suffix) && len(rest) > len(pat.suffix) {
			return true
		}
	}
	return false
}

// decorate writes the response headers shared by simple and preflight requests.
func (p *corsPolicy) decorate(h http.Header, origin string) {
	if p.any && !p.withCreds {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	if p.withCreds {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if p.expose != "" {
		h.Set("Access-Control-Expose-Headers", p.expose)
	}
}

// CORSMiddleware answers preflight requests itself and decorates the rest.
// A preflight from an origin outside the allow list is refused with 403.
func CORSMiddleware(cfg CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed := policy.allows(origin)
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if !preflight {
				if allowed {
					policy.decorate(w.Header(), origin)
				}
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			policy.decorate(w.Header(), origin)
			w.Header().Set("Access-Control-Allow-Methods", policy.methods)
			w.Header().Set("Access-Control-Allow-Headers", policy.headers)
			if policy.maxAge != "" {
				w.Header().Set("Access-Control-Max-Age", policy.maxAge)
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
