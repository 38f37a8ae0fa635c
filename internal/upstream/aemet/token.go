package aemet

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cacaoforge/chocowatt/internal/errkind"
)

// Tokens from the observation API are valid for roughly six days. The
// daily refresh job renews well inside that window; the margin below is
// the point at which Token() forces a renewal on its own.
const (
	tokenValidity     = 6 * 24 * time.Hour
	tokenRenewMargin  = 24 * time.Hour
	tokenCacheVersion = 1
)

type cachedToken struct {
	Version     int       `json:"version"`
	Token       string    `json:"token"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// TokenManager holds the bearer token, persists it across restarts, and
// renews it against the upstream on a daily schedule.
type TokenManager struct {
	apiKey    string
	cachePath string
	renew     func(ctx context.Context, apiKey string) (string, error)

	mu    sync.Mutex
	state cachedToken
}

func NewTokenManager(apiKey, cachePath string, renew func(ctx context.Context, apiKey string) (string, error)) *TokenManager {
	tm := &TokenManager{apiKey: apiKey, cachePath: cachePath, renew: renew}
	tm.loadCache()
	return tm
}

func (tm *TokenManager) loadCache() {
	data, err := os.ReadFile(tm.cachePath)
	if err != nil {
		return
	}
	var cached cachedToken
	if err := json.Unmarshal(data, &cached); err != nil || cached.Token == "" {
		return
	}
	tm.state = cached
	log.Info().Time("refreshed_at", cached.RefreshedAt).Msg("loaded cached observation API token")
}

func (tm *TokenManager) saveCache() {
	if tm.cachePath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(tm.cachePath), 0o755); err != nil {
		log.Warn().Err(err).Msg("cannot create token cache dir")
		return
	}
	data, _ := json.MarshalIndent(tm.state, "", "  ")
	if err := os.WriteFile(tm.cachePath, data, 0o600); err != nil {
		log.Warn().Err(err).Msg("cannot persist token cache")
	}
}

// Token returns a usable bearer token, renewing first when the cached
// one is close to expiry.
func (tm *TokenManager) Token(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	age := time.Since(tm.state.RefreshedAt)
	if tm.state.Token != "" && age < tokenValidity-tokenRenewMargin {
		return tm.state.Token, nil
	}
	return tm.refreshLocked(ctx)
}

// Refresh renews the token unconditionally; wired to the daily
// token_refresh scheduler job.
func (tm *TokenManager) Refresh(ctx context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	_, err := tm.refreshLocked(ctx)
	return err
}

func (tm *TokenManager) refreshLocked(ctx context.Context) (string, error) {
	token, err := tm.renew(ctx, tm.apiKey)
	if err != nil {
		// A stale-but-present token is still worth trying: the upstream
		// accepts tokens for the full validity window.
		if tm.state.Token != "" && time.Since(tm.state.RefreshedAt) < tokenValidity {
			log.Warn().Err(err).Msg("token renewal failed, keeping cached token")
			return tm.state.Token, nil
		}
		return "", errkind.Wrap(errkind.KindOf(err), err, "observation API token renewal")
	}
	tm.state = cachedToken{Version: tokenCacheVersion, Token: token, RefreshedAt: time.Now().UTC()}
	tm.saveCache()
	log.Info().Msg("observation API token renewed")
	return token, nil
}

// LastRefresh reports when the current token was obtained.
func (tm *TokenManager) LastRefresh() time.Time {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.state.RefreshedAt
}
