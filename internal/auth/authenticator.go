// Package auth admits WebSocket connections by verifying the session token
// they carry and resolving it to a user record.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/domain"
)

// DefaultCookieName is the cookie the login flow stores the session token in.
const DefaultCookieName = "chattu-token"

// ErrUnauthenticated is the only error an admission attempt ever surfaces.
// The underlying reason is logged, not returned.
var ErrUnauthenticated = errors.New("Please login to access this route")

var (
	errNoCredential = errors.New("no credential presented")
	errUserMissing  = errors.New("user no longer exists")
)

// Verifier turns a raw token into the identity it was issued for.
type Verifier interface {
	Verify(token string) (string, error)
}

// UserFinder looks up user records. Implementations return
// domain.ErrUserNotFound when the id is unknown.
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*domain.User, error)
}

// Authenticator runs the admission check for incoming connections.
type Authenticator struct {
	verifier   Verifier
	users      UserFinder
	cookieName string
	timeout    time.Duration
	logger     *zap.Logger
}

// Option customizes an Authenticator.
type Option func(*Authenticator)

// WithCookieName overrides the session cookie name.
func WithCookieName(name string) Option {
	return func(a *Authenticator) {
		if name != "" {
			a.cookieName = name
		}
	}
}

// WithTimeout bounds how long a single admission may take.
func WithTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger sets the logger used for rejected attempts.
func WithLogger(l *zap.Logger) Option {
	return func(a *Authenticator) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAuthenticator builds an Authenticator with a 10 second admission timeout.
func NewAuthenticator(verifier Verifier, users UserFinder, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:   verifier,
		users:      users,
		cookieName: DefaultCookieName,
		timeout:    10 * time.Second,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate extracts the credential from r, verifies it and loads the
// user. Every failure, including running past the admission timeout, is
// reported as ErrUnauthenticated.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	user, err := a.admit(ctx, r)
	if err != nil {
		a.logger.Info("connection rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return nil, ErrUnauthenticated
	}
	return user, nil
}

func (a *Authenticator) admit(ctx context.Context, r *http.Request) (*domain.User, error) {
	token := a.credential(r)
	if token == "" {
		return nil, errNoCredential
	}

	identity, err := a.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	user, err := a.users.FindByID(ctx, identity)
	if errors.Is(err, domain.ErrUserNotFound) || (err == nil && user == nil) {
		return nil, errUserMissing
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return user, nil
}

// credential prefers the session cookie and falls back to a bearer header.
func (a *Authenticator) credential(r *http.Request) string {
	if c, err := r.Cookie(a.cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
