// Package auth establishes the user identity of an HTTP request, from a
// bearer token when a secret is configured or from a guest cookie otherwise.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dkeye/parley/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	userKey        = "user"
	clientTokenKey = "client_token"
	sessionToken   = "ct"
)

var ErrNoToken = errors.New("no bearer token")

// Claims are the token claims the server reads. The subject is the user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret   []byte
	issuer   string
	audience string
}

func NewVerifier(secret, issuer, audience string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, audience: audience}
}

func (v *Verifier) Verify(raw string) (*domain.User, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid claims or token")
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return domain.NewUser(claims.Subject, name)
}

// TokenFromRequest reads the Authorization header, falling back to the
// token query parameter since browsers cannot set headers on WebSocket
// upgrades.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// ClientTokenMiddleware keeps a stable anonymous token in the cookie session.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(sessionToken).(string)
		if token == "" {
			token = uuid.NewString()
			s.Set(sessionToken, token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "auth").Msg("save session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

// Middleware sets the request user. With a nil verifier every request is
// a guest identified by its client token.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			u   *domain.User
			err error
		)
		if v == nil {
			u, err = domain.NewGuest(c.GetString(clientTokenKey))
		} else if raw := TokenFromRequest(c.Request); raw == "" {
			err = ErrNoToken
		} else {
			u, err = v.Verify(raw)
		}
		if err != nil {
			log.Debug().Err(err).Str("module", "auth").Str("path", c.FullPath()).Msg("rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": domain.ErrUnauthorized})
			return
		}
		c.Set(userKey, u)
		c.Next()
	}
}

func UserFrom(c *gin.Context) (*domain.User, bool) {
	u, ok := c.Get(userKey)
	if !ok {
		return nil, false
	}
	user, ok := u.(*domain.User)
	return user, ok
}
