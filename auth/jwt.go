package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig controls token validation.
type JWTConfig struct {
	// ExpectedIssuer, when set, is enforced against the iss claim.
	ExpectedIssuer string
	// ExpectedAudience, when set, is enforced against the aud claim.
	ExpectedAudience string
	// AllowedAlgs restricts acceptable signing algorithms.
	AllowedAlgs []string
	// Leeway absorbs clock skew on time-based claims.
	Leeway time.Duration
}

func (c *JWTConfig) withDefaults(algs ...string) JWTConfig {
	out := JWTConfig{Leeway: 60 * time.Second, AllowedAlgs: algs}
	if c == nil {
		return out
	}
	out.ExpectedIssuer = c.ExpectedIssuer
	out.ExpectedAudience = c.ExpectedAudience
	if len(c.AllowedAlgs) > 0 {
		out.AllowedAlgs = c.AllowedAlgs
	}
	if c.Leeway > 0 {
		out.Leeway = c.Leeway
	}
	return out
}

type jwtAuthenticator struct {
	cfg JWTConfig
	kf  jwt.Keyfunc
}

// NewJWTWithHMAC validates tokens signed with a shared HMAC secret.
func NewJWTWithHMAC(secret []byte, cfg *JWTConfig) (Authenticator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("hmac secret is required")
	}
	return &jwtAuthenticator{
		cfg: cfg.withDefaults("HS256"),
		kf:  func(t *jwt.Token) (any, error) { return secret, nil },
	}, nil
}

// NewJWTWithJWKS validates tokens against a remote JWKS endpoint with
// auto-refreshing keys.
func NewJWTWithJWKS(ctx context.Context, jwksURL string, cfg *JWTConfig) (Authenticator, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &jwtAuthenticator{cfg: cfg.withDefaults("RS256", "ES256", "EdDSA"), kf: kf.Keyfunc}, nil
}

func (a *jwtAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	if a.cfg.ExpectedIssuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.ExpectedIssuer))
	}
	if a.cfg.ExpectedAudience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.ExpectedAudience))
	}

	parsed, err := jwt.NewParser(opts...).Parse(tok, a.kf)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims shape", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrUnauthorized)
	}

	return &userInfo{sub: sub, claims: claims}, nil
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
