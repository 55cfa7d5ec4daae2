// Package auth supplies bearer tokens to the backend client.
//
// The login flow is external to TaskPipe; a token obtained elsewhere is
// stored with "taskpipe token set" and read back from the store for every
// request. A 401 from the backend invalidates it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BTreeMap/TaskPipe/internal/store"
)

// KeyAuthToken is the store key holding the bearer token.
const KeyAuthToken = "authToken"

var (
	// ErrAuthExpired is returned when the token is missing, expired or rejected.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrNoToken is returned when no token is stored. It matches ErrAuthExpired.
	ErrNoToken = fmt.Errorf("%w: no token stored", ErrAuthExpired)
)

// TokenSource provides the bearer token attached to backend requests.
type TokenSource interface {
	// Token returns the current token or an error matching ErrAuthExpired.
	Token(ctx context.Context) (string, error)
	// Invalidate discards the current token after the backend rejected it.
	Invalidate(ctx context.Context) error
}

// StoreTokenSource reads the token from a store.Store.
type StoreTokenSource struct {
	store store.Store
	now   func() time.Time
	// Leeway is subtracted from the exp claim when checking expiry locally.
	Leeway time.Duration
}

// Compile-time check that StoreTokenSource implements TokenSource.
var _ TokenSource = (*StoreTokenSource)(nil)

// NewStoreTokenSource creates a StoreTokenSource over st.
func NewStoreTokenSource(st store.Store) *StoreTokenSource {
	return &StoreTokenSource{store: st, now: time.Now, Leeway: 5 * time.Second}
}

// Token returns the stored token. A JWT whose exp claim has passed is
// reported as ErrAuthExpired without contacting the backend; tokens that are
// not JWTs are returned as opaque strings.
func (s *StoreTokenSource) Token(ctx context.Context) (string, error) {
	token, ok, err := s.store.GetValue(ctx, KeyAuthToken)
	if err != nil {
		return "", fmt.Errorf("failed to load token: %w", err)
	}
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrNoToken
	}
	if exp, ok := ExpiresAt(token); ok && !s.now().Before(exp.Add(-s.Leeway)) {
		slog.Debug("StoreTokenSource.Token: token expired locally", "exp", exp)
		return "", fmt.Errorf("%w: token expired at %s", ErrAuthExpired, exp.Format(time.RFC3339))
	}
	return token, nil
}

// Invalidate deletes the stored token.
func (s *StoreTokenSource) Invalidate(ctx context.Context) error {
	if err := s.store.DeleteValue(ctx, KeyAuthToken); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	slog.Info("StoreTokenSource.Invalidate: stored token cleared")
	return nil
}

// Set stores a new token after trimming surrounding whitespace and an
// optional "Bearer " prefix.
func (s *StoreTokenSource) Set(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return errors.New("token is empty")
	}
	if err := s.store.SetValue(ctx, KeyAuthToken, token); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	slog.Info("StoreTokenSource.Set: token stored", "length", len(token))
	return nil
}

// ExpiresAt reads the exp claim of a JWT without verifying its signature.
// The second result is false when the token is not a JWT or carries no exp.
func ExpiresAt(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// StaticTokenSource returns a fixed token. Invalidate only marks it unusable.
type StaticTokenSource struct {
	token   string
	invalid atomic.Bool
}

// NewStaticTokenSource creates a TokenSource for a token passed on the command line.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: strings.TrimSpace(token)}
}

func (s *StaticTokenSource) Token(ctx context.Context) (string, error) {
	if s.invalid.Load() || s.token == "" {
		return "", ErrNoToken
	}
	return s.token, nil
}

func (s *StaticTokenSource) Invalidate(ctx context.Context) error {
	s.invalid.Store(true)
	return nil
}
