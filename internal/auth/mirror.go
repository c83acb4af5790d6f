// Package auth mirrors the foreground session token into the device store so
// background work, which cannot reach the in-memory auth context, can still
// authenticate.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/circleapp/circle/core/internal/crypto"
	"github.com/circleapp/circle/core/internal/db"
	"github.com/circleapp/circle/core/internal/errors"
)

// Store is the subset of the key/value store the mirror needs.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Mirror persists the bearer token, sealed when a sealer is configured.
type Mirror struct {
	store  Store
	sealer *crypto.Sealer
	now    func() time.Time
}

// NewMirror creates a Mirror. A nil sealer stores the token as-is.
func NewMirror(store Store, sealer *crypto.Sealer) *Mirror {
	return &Mirror{store: store, sealer: sealer, now: time.Now}
}

// Save stores token for background use. An empty token clears the mirror.
func (m *Mirror) Save(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return m.Clear(ctx)
	}
	value := token
	if m.sealer != nil {
		sealed, err := m.sealer.Seal(token)
		if err != nil {
			return errors.Wrap(errors.ErrCrypto, "seal auth token", err)
		}
		value = sealed
	}
	if err := m.store.Set(ctx, db.KeyAuthToken, value); err != nil {
		return errors.Wrap(errors.ErrDatabase, "store auth token", err)
	}
	return nil
}

// Clear removes the mirrored token.
func (m *Mirror) Clear(ctx context.Context) error {
	if err := m.store.Delete(ctx, db.KeyAuthToken); err != nil {
		return errors.Wrap(errors.ErrDatabase, "clear auth token", err)
	}
	return nil
}

// Token returns the mirrored token. It fails with TOKEN_MISSING when nothing
// is stored and TOKEN_EXPIRED when the token is a JWT past its exp claim.
// Opaque tokens are returned without inspection.
func (m *Mirror) Token(ctx context.Context) (string, error) {
	value, ok, err := m.store.Get(ctx, db.KeyAuthToken)
	if err != nil {
		return "", errors.Wrap(errors.ErrDatabase, "load auth token", err)
	}
	if !ok || value == "" {
		return "", errors.New(errors.ErrTokenMissing, "no auth token mirrored")
	}

	token := value
	if m.sealer != nil {
		token, err = m.sealer.Open(value)
		if err != nil {
			return "", errors.Wrap(errors.ErrCrypto, "open auth token", err)
		}
	}

	if exp, ok := ExpiresAt(token); ok && !m.now().Before(exp) {
		return "", errors.New(errors.ErrTokenExpired, "mirrored auth token expired")
	}
	return token, nil
}

// ExpiresAt reads the exp claim of a JWT without verifying its signature;
// the backend verifies, the client only avoids sending dead tokens.
func ExpiresAt(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
