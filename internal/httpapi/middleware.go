package httpapi

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"shopd/pkg/logx"
)

// allowlist holds addresses and prefixes. An empty list allows everyone.
type allowlist struct {
	prefixes []netip.Prefix
}

func newAllowlist(entries []string, log logx.Logger) *allowlist {
	a := &allowlist{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if p, err := netip.ParsePrefix(e); err == nil {
			a.prefixes = append(a.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			log.Warn("ignoring invalid callback allowlist entry", logx.String("entry", e))
			continue
		}
		a.prefixes = append(a.prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return a
}

func (a *allowlist) empty() bool { return a == nil || len(a.prefixes) == 0 }

func (a *allowlist) allows(ip string) bool {
	if a.empty() {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP is the last X-Forwarded-For hop when trustProxy is set,
// otherwise the peer address. The last hop is the one the proxy appended;
// everything left of it is client supplied.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := lastForwardedHop(r.Header.Values("X-Forwarded-For")); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func lastForwardedHop(values []string) string {
	for i := len(values) - 1; i >= 0; i-- {
		hops := strings.Split(values[i], ",")
		for j := len(hops) - 1; j >= 0; j-- {
			if ip := strings.TrimSpace(hops[j]); ip != "" {
				return ip
			}
		}
	}
	return ""
}

func (s *Server) requireAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, _ := s.current()
		want := strings.TrimSpace(cfg.AdminToken)
		if want == "" {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "admin api disabled: no admin_token configured"})
			return
		}
		got, ok := bearer(r)
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		h(w, r)
	}
}

func bearer(r *http.Request) (string, bool) {
	const p = "Bearer "
	ah := r.Header.Get("Authorization")
	if len(ah) < len(p) || !strings.EqualFold(ah[:len(p)], p) {
		return "", false
	}
	tok := strings.TrimSpace(ah[len(p):])
	return tok, tok != ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// logRequests logs every request at debug and turns handler panics into 500s.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.log.Error("http handler panic",
					logx.String("method", r.Method),
					logx.String("path", r.URL.Path),
					logx.String("panic", fmt.Sprint(p)),
					logx.Stack(logx.StackTrace(3, 16)),
				)
				if rec.status == 0 {
					writeJSON(rec, http.StatusInternalServerError, errorBody{Error: http.StatusText(http.StatusInternalServerError)})
				}
			}
			s.log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", rec.status),
				logx.Duration("took", s.now().Sub(start)),
			)
		}()
		next.ServeHTTP(rec, r)
	})
}
