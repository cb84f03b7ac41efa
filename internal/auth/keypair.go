package auth

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultLifetime is the JWT lifetime used when TokenConfig.ExpireAfter is zero.
const DefaultLifetime = time.Hour

// ErrInvalidKey is returned when the private or public key cannot be parsed.
var ErrInvalidKey = errors.New("invalid key")

// TokenConfig holds info needed to generate a key-pair JWT.
type TokenConfig struct {
	Account     string // e.g., CXEEZLW-JQB53549
	User        string // e.g., VJAIN27
	PrivateKey  []byte // PEM-encoded private key (PKCS8 or PKCS1)
	PublicKey   []byte // PEM-encoded public key; derived from PrivateKey when empty
	ExpireAfter time.Duration
}

// Token is a signed credential and the instant it stops being accepted.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// GenerateJWT signs a key-pair JWT for cfg, issued at now.
func GenerateJWT(cfg TokenConfig, now time.Time) (Token, error) {
	privKey, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return Token{}, err
	}

	var fp string
	if len(cfg.PublicKey) > 0 {
		fp, err = fingerprint(cfg.PublicKey)
	} else {
		fp, err = fingerprintOf(&privKey.PublicKey)
	}
	if err != nil {
		return Token{}, fmt.Errorf("fingerprint generation failed: %w", err)
	}

	identity := Identity(cfg.Account, cfg.User)
	lifetime := cfg.ExpireAfter
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}

	now = now.UTC()
	expires := now.Add(lifetime)
	claims := jwt.RegisteredClaims{
		Issuer:    identity + "." + fp,
		Subject:   identity,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(privKey)
	if err != nil {
		return Token{}, fmt.Errorf("JWT signing failed: %w", err)
	}
	return Token{Value: signed, ExpiresAt: expires}, nil
}

// Identity returns the ACCOUNT.USER subject used in key-pair tokens.
func Identity(account, user string) string {
	return normalizeAccount(account) + "." + strings.ToUpper(user)
}

func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM encoded", ErrInvalidKey)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA private key", ErrInvalidKey)
	}
	return rsaKey, nil
}

// fingerprint computes the SHA256 fingerprint of a PEM-encoded public key.
func fingerprint(pubPEM []byte) (string, error) {
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return "", fmt.Errorf("%w: public key is not PEM encoded", ErrInvalidKey)
	}
	return fingerprintDER(block.Bytes), nil
}

func fingerprintOf(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return fingerprintDER(der), nil
}

func fingerprintDER(der []byte) string {
	hash := sha256.Sum256(der)
	return "SHA256:" + base64.StdEncoding.EncodeToString(hash[:])
}

// normalizeAccount ensures uppercase and replaces periods with hyphens.
func normalizeAccount(account string) string {
	return strings.ToUpper(strings.ReplaceAll(account, ".", "-"))
}
