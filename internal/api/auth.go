package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/jwtauth/v5"
)

type ctxKey string

const subjectKey ctxKey = "subject"

// authenticator rejects requests without a verified token carrying a
// subject. jwtauth.Verifier must run first.
func (srv *Server) authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, claims, err := jwtauth.FromContext(r.Context())
		if err != nil || token == nil {
			writeError(w, http.StatusUnauthorized, "authorization token required")
			return
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			writeError(w, http.StatusUnauthorized, "token has no subject")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey, sub)))
	})
}

func subjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

// IssueToken signs a token for subject valid for ttl.
func IssueToken(signingKey, subject string, ttl time.Duration) (string, error) {
	ja := jwtauth.New("HS256", []byte(signingKey), nil)
	claims := map[string]interface{}{"sub": subject}
	jwtauth.SetIssuedNow(claims)
	jwtauth.SetExpiryIn(claims, ttl)
	_, s, err := ja.Encode(claims)
	return s, err
}
