package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/roomwatch/occupancy/internal"
	"github.com/rs/zerolog/hlog"
)

type ctxKey string

const userIDKey ctxKey = "occupancy_user_id"

// UserID returns the authenticated user of this request context, if any.
func UserID(ctx context.Context) string {
	uid, _ := ctx.Value(userIDKey).(string)
	return uid
}

// Middleware rejects requests without a valid bearer token. Websocket clients cannot set
// headers, so the token may also be given as the access_token query parameter.
func (t *Tokens) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token := bearerToken(req)
		if token == "" {
			writeUnauthorized(w, "missing access token")
			return
		}
		userID, err := t.Verify(token)
		if err != nil {
			hlog.FromRequest(req).Info().Err(err).Msg("rejected access token")
			writeUnauthorized(w, "invalid access token")
			return
		}
		internal.SetRequestContextUserID(req.Context(), userID)
		next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), userIDKey, userID)))
	})
}

func bearerToken(req *http.Request) string {
	header := req.Header.Get("Authorization")
	if header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return req.URL.Query().Get("access_token")
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	herr := &internal.HandlerError{
		StatusCode: http.StatusUnauthorized,
		Err:        ErrInvalidToken,
		Message:    msg,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}
