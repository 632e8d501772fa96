package broker

import (
	"strings"

	"github.com/wsbroker/broker/internal/auth"
)

// AuthMiddleware builds a Middleware that verifies a bearer token carried
// in the event payload's "token" field against manager, storing the
// verified claims on the socket under "authenticated"/"claims" so later
// handlers (and other middleware) can read them via Socket.Get. Grounded
// on go-server/internal/auth/jwt.go's HTTP middleware, adapted to the
// broker's per-event middleware chain instead of a per-request HTTP one.
func AuthMiddleware(manager *auth.Manager) Middleware {
	return func(s *Socket, event string, data any, next func(error)) {
		if authed, ok := s.Get("authenticated"); ok && authed == true {
			next(nil)
			return
		}

		token, ok := extractToken(data)
		if !ok {
			next(newError(CodeAuthFailed, "missing bearer token"))
			return
		}

		claims, err := manager.Verify(token)
		if err != nil {
			next(newError(CodeAuthFailed, err.Error()))
			return
		}

		s.Set("authenticated", true)
		s.Set("claims", claims)
		next(nil)
	}
}

func extractToken(data any) (string, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return "", false
	}
	raw, ok := m["token"]
	if !ok {
		return "", false
	}
	token, ok := raw.(string)
	if !ok || token == "" {
		return "", false
	}
	return strings.TrimPrefix(token, "Bearer "), true
}
