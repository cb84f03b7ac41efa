package auth

import (
	"context"
	"time"
)

// KeyPairProvider mints key-pair JWTs for a single account and user.
// It holds no mutable state and is safe for concurrent use.
type KeyPairProvider struct {
	cfg TokenConfig
	now func() time.Time
}

// NewKeyPairProvider parses the key material in cfg and returns ErrInvalidKey
// if it is unusable.
func NewKeyPairProvider(cfg TokenConfig) (*KeyPairProvider, error) {
	if _, err := parsePrivateKey(cfg.PrivateKey); err != nil {
		return nil, err
	}
	if len(cfg.PublicKey) > 0 {
		if _, err := fingerprint(cfg.PublicKey); err != nil {
			return nil, err
		}
	}
	return &KeyPairProvider{cfg: cfg, now: time.Now}, nil
}

// WithClock returns a copy of p that reads the current time from now.
func (p *KeyPairProvider) WithClock(now func() time.Time) *KeyPairProvider {
	cp := *p
	cp.now = now
	return &cp
}

// Token signs a fresh JWT.
func (p *KeyPairProvider) Token(ctx context.Context) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	return GenerateJWT(p.cfg, p.now())
}
