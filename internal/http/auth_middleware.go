package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/splax/revf/internal/service/auth"
)

type authContextKey string

type authInfo struct {
	UserID string
	Handle string
}

const (
	contextKeyAuth    authContextKey = "revf-auth-info"
	sessionCookieName                = "token"
)

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request carries a valid session before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth resolves the session token and enriches the context. The cookie
// wins over the Authorization header.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	token, source := sessionToken(req)
	if token == "" {
		r.logger.Warn("session missing", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, auth.ErrUnauthorized.Message)
		return req.Context(), authInfo{}, false
	}
	acct, err := r.auth.Authorize(req.Context(), token)
	if err != nil {
		r.logger.Warn("session rejected", "error", err, "source", source, "path", req.URL.Path)
		var authErr *auth.Error
		if errors.As(err, &authErr) && authErr.Kind == auth.KindAuth {
			writeError(w, http.StatusUnauthorized, authErr.Message)
			return req.Context(), authInfo{}, false
		}
		writeServiceError(w, err)
		return req.Context(), authInfo{}, false
	}
	info := authInfo{UserID: acct.ID, Handle: acct.Handle}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func sessionToken(req *http.Request) (string, string) {
	if cookie, err := req.Cookie(sessionCookieName); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token, "cookie"
		}
	}
	if token, ok := bearerToken(req.Header.Get("Authorization")); ok {
		return token, "header"
	}
	return "", ""
}

func bearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// setSessionCookie stores token in an HttpOnly cookie. SameSite=None is only
// allowed together with Secure.
func (r *Router) setSessionCookie(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, r.sessionCookie(token, int(ttl/time.Second)))
}

func (r *Router) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, r.sessionCookie("", -1))
}

func (r *Router) sessionCookie(value string, maxAge int) *http.Cookie {
	sameSite := http.SameSiteLaxMode
	if r.cookieSecure {
		sameSite = http.SameSiteNoneMode
	}
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   r.cookieSecure,
		SameSite: sameSite,
	}
}
