package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"
)

// Caller is the authenticated principal of an API request
type Caller struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Verifier checks bearer tokens against a cached JWKS
type Verifier struct {
	jwksURL    string
	audience   string
	cache      *jwk.Cache
	refreshTTL time.Duration
	log        logrus.FieldLogger

	mu        sync.RWMutex
	keySet    jwk.Set
	lastFetch time.Time
}

// NewVerifier registers jwksURL, fetches it once and keeps it fresh until ctx is done
func NewVerifier(ctx context.Context, jwksURL, audience string, log logrus.FieldLogger) (*Verifier, error) {
	v := &Verifier{
		jwksURL:    jwksURL,
		audience:   audience,
		refreshTTL: 5 * time.Minute,
		log:        log,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	keySet, err := v.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.setKeySet(keySet)

	go v.backgroundRefresh(ctx)
	return v, nil
}

// NewStaticVerifier verifies against a fixed key set
func NewStaticVerifier(keySet jwk.Set, audience string, log logrus.FieldLogger) *Verifier {
	v := &Verifier{audience: audience, log: log}
	v.setKeySet(keySet)
	return v
}

func (v *Verifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *Verifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			keySet, err := v.fetchKeySet(fctx)
			cancel()
			if err != nil {
				v.log.WithError(err).Warn("jwks refresh failed")
				continue
			}
			v.setKeySet(keySet)
		}
	}
}

func (v *Verifier) setKeySet(ks jwk.Set) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keySet = ks
	v.lastFetch = time.Now()
}

func (v *Verifier) getKeySet() jwk.Set {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keySet
}

// CallerFromRequest validates the bearer token of r
func (v *Verifier) CallerFromRequest(r *http.Request) (*Caller, error) {
	opts := []jwt.ParseOption{
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.ParseRequest(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	if token.Subject() == "" {
		return nil, errors.New("token missing subject")
	}
	c := &Caller{ID: token.Subject()}
	if email, ok := token.Get("email"); ok {
		c.Email, _ = email.(string)
	}
	return c, nil
}

// Stats describes the key cache for health output
func (v *Verifier) Stats() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := 0
	if v.keySet != nil {
		keys = v.keySet.Len()
	}
	return map[string]any{
		"keys_cached": keys,
		"last_fetch":  v.lastFetch,
		"jwks_url":    v.jwksURL,
	}
}
