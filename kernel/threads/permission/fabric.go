package permission

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// Fabric tracks consent grants per surface and time-bound tokens.
// Everything not explicitly granted is denied.
type Fabric struct {
	grants map[string]time.Time
	tokens map[string]Token

	limiter      *limiter.TokenBucket
	limiterStore store.Store

	clock  func() time.Time
	logger *utils.Logger

	issued  uint64
	denials uint64

	mu sync.RWMutex
}

// Token is a time-bound capability marker. It is not a secret.
type Token struct {
	ID        string    `json:"id" yaml:"id"`
	Surface   string    `json:"surface" yaml:"surface"`
	IssuedAt  time.Time `json:"issued_at" yaml:"issued_at"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
}

// Expired reports whether the token is no longer usable at now
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Config configures a Fabric
type Config struct {
	// IssueRate is the sustained number of tokens per second per surface.
	// Zero disables issuance limiting.
	IssueRate  int
	IssueBurst int
	Clock      func() time.Time
	Logger     *utils.Logger
}

// Denial reasons
const (
	ReasonConsentMissing = "consent not granted"
	ReasonNoSurface      = "consent required but no surface named"
	ReasonUnknownToken   = "unknown token"
	ReasonTokenExpired   = "token expired"
	ReasonTokenSurface   = "token not valid for surface"
)

var (
	ErrIssueRateExceeded = errors.New("token issue rate exceeded")
	ErrInvalidTTL        = errors.New("token ttl must be positive")
	ErrEmptySurface      = errors.New("surface name is empty")
)

// NewFabric creates a fabric with no grants
func NewFabric(cfg Config) (*Fabric, error) {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("permission")
	}

	f := &Fabric{
		grants: make(map[string]time.Time),
		tokens: make(map[string]Token),
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}

	if cfg.IssueRate > 0 {
		burst := cfg.IssueBurst
		if burst <= 0 {
			burst = cfg.IssueRate
		}
		f.limiterStore = store.NewMemoryStore(time.Minute)
		tb, err := limiter.NewTokenBucket(
			limiter.Config{
				Rate:     int64(cfg.IssueRate),
				Duration: time.Second,
				Burst:    int64(burst),
			},
			f.limiterStore,
		)
		if err != nil {
			return nil, utils.WrapError(err, "permission: token limiter")
		}
		f.limiter = tb
	}

	return f, nil
}

// Grant records consent for a surface
func (f *Fabric) Grant(surface string) error {
	if surface == "" {
		return ErrEmptySurface
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.grants[surface] = f.clock()
	f.logger.Info("Consent granted", utils.String("surface", surface))
	return nil
}

// Revoke withdraws consent for a surface
func (f *Fabric) Revoke(surface string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.grants[surface]; ok {
		delete(f.grants, surface)
		f.logger.Info("Consent revoked", utils.String("surface", surface))
	}
}

// Granted reports whether surface currently has consent
func (f *Fabric) Granted(surface string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.grants[surface]
	return ok
}

// Surfaces lists granted surfaces, sorted
func (f *Fabric) Surfaces() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.grants))
	for s := range f.grants {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// IssueToken creates a token for surface valid for ttl
func (f *Fabric) IssueToken(surface string, ttl time.Duration) (Token, error) {
	if surface == "" {
		return Token{}, ErrEmptySurface
	}
	if ttl <= 0 {
		return Token{}, ErrInvalidTTL
	}
	if f.limiter != nil && !f.limiter.Allow(surface) {
		return Token{}, fmt.Errorf("surface %q: %w", surface, ErrIssueRateExceeded)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock()
	tok := Token{
		ID:        utils.GenerateToken(),
		Surface:   surface,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	f.tokens[tok.ID] = tok
	f.issued++

	f.logger.Debug("Token issued",
		utils.String("surface", surface),
		utils.Duration("ttl", ttl))
	return tok, nil
}

// RevokeToken invalidates a token. Unknown ids are ignored.
func (f *Fabric) RevokeToken(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, id)
}

// Verify gates a sensitive operation. When needsConsent is set the surface
// must be granted; a supplied token must be known, unexpired and, if
// bound to a surface, bound to this one.
func (f *Fabric) Verify(needsConsent bool, surface, token string) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if needsConsent {
		if surface == "" {
			return f.denyLocked(ReasonNoSurface)
		}
		if _, ok := f.grants[surface]; !ok {
			return f.denyLocked(ReasonConsentMissing)
		}
	}

	if token != "" {
		tok, ok := f.tokens[token]
		if !ok {
			return f.denyLocked(ReasonUnknownToken)
		}
		if tok.Expired(f.clock()) {
			delete(f.tokens, token)
			return f.denyLocked(ReasonTokenExpired)
		}
		if surface != "" && tok.Surface != surface {
			return f.denyLocked(ReasonTokenSurface)
		}
	}

	return true, ""
}

// PruneExpired drops expired tokens and returns how many were removed
func (f *Fabric) PruneExpired() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock()
	n := 0
	for id, tok := range f.tokens {
		if tok.Expired(now) {
			delete(f.tokens, id)
			n++
		}
	}
	return n
}

// Stats is a point-in-time view of the fabric
type Stats struct {
	Grants      int      `json:"grants" yaml:"grants"`
	Surfaces    []string `json:"surfaces" yaml:"surfaces"`
	LiveTokens  int      `json:"live_tokens" yaml:"live_tokens"`
	TokensIssue uint64   `json:"tokens_issued" yaml:"tokens_issued"`
	Denials     uint64   `json:"denials" yaml:"denials"`
}

// Stats returns counters for diagnostics
func (f *Fabric) Stats() Stats {
	surfaces := f.Surfaces()

	f.mu.RLock()
	defer f.mu.RUnlock()

	now := f.clock()
	live := 0
	for _, tok := range f.tokens {
		if !tok.Expired(now) {
			live++
		}
	}
	return Stats{
		Grants:      len(surfaces),
		Surfaces:    surfaces,
		LiveTokens:  live,
		TokensIssue: f.issued,
		Denials:     f.denials,
	}
}

func (f *Fabric) denyLocked(reason string) (bool, string) {
	f.denials++
	return false, reason
}
