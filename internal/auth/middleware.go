package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

const jwksRefreshInterval = 24 * time.Hour

var ErrUnauthorized = errors.New("unauthorized")

type Claims struct {
	jwt.RegisteredClaims
	Name       string `json:"name"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Email      string `json:"email"`
	Picture    string `json:"picture"`
}

// Identity is who a validated token belongs to.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarRef   string
}

func (c *Claims) Identity() Identity {
	name := c.Name
	if name == "" {
		name = strings.TrimSpace(c.GivenName + " " + c.FamilyName)
	}
	if name == "" {
		name = c.Email
	}
	if name == "" {
		name = c.Subject
	}
	return Identity{UserID: c.Subject, DisplayName: name, AvatarRef: c.Picture}
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

// Validator checks RS256 tokens against the issuer's JWKS and, when a shared
// secret is configured, HS256 tokens signed with it.
type Validator struct {
	issuer     string
	secret     []byte
	httpClient *http.Client

	jwksMu sync.RWMutex
	jwks   *JWKS

	cacheMu sync.RWMutex
	cache   map[string]*rsa.PublicKey
}

func NewValidator(issuerURL, hs256Secret string) *Validator {
	v := &Validator{
		issuer:     strings.TrimSuffix(issuerURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      make(map[string]*rsa.PublicKey),
	}
	if hs256Secret != "" {
		v.secret = []byte(hs256Secret)
	}
	return v
}

// Start fetches the issuer's JWKS and keeps refreshing it until ctx is done.
// It is a no-op when no issuer is configured.
func (v *Validator) Start(ctx context.Context) error {
	if v.issuer == "" {
		return nil
	}
	if err := v.refreshJWKS(ctx); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(jwksRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := v.refreshJWKS(ctx); err != nil {
					slog.Error("[AUTH] Error refreshing JWKS", "error", err)
				} else {
					slog.Info("[AUTH] JWKS refreshed successfully")
				}
			}
		}
	}()

	return nil
}

func (v *Validator) refreshJWKS(ctx context.Context) error {
	jwksURL := fmt.Sprintf("%s/.well-known/jwks.json", v.issuer)
	slog.Info("[AUTH] Fetching JWKS", "url", jwksURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build JWKS request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	v.jwksMu.Lock()
	v.jwks = &jwks
	v.jwksMu.Unlock()

	// Clear cache to force re-conversion
	v.cacheMu.Lock()
	v.cache = make(map[string]*rsa.PublicKey)
	v.cacheMu.Unlock()

	slog.Info("[AUTH] JWKS loaded", "keys", len(jwks.Keys))
	return nil
}

// ValidateToken parses and verifies a bearer token.
func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return nil, fmt.Errorf("token is empty: %w", ErrUnauthorized)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyFunc, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %v: %w", err, ErrUnauthorized)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims: %w", ErrUnauthorized)
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("invalid issuer: expected %s, got %s: %w", v.issuer, claims.Issuer, ErrUnauthorized)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject: %w", ErrUnauthorized)
	}
	return claims, nil
}

func (v *Validator) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodRSA:
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid not found in token header")
		}
		return v.getPublicKey(kid)
	case *jwt.SigningMethodHMAC:
		if v.secret == nil {
			return nil, errors.New("HS256 tokens are not accepted")
		}
		return v.secret, nil
	}
	return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
}

// Authenticate validates the token carried by the request.
func (v *Validator) Authenticate(r *http.Request) (Identity, error) {
	token := ExtractTokenFromRequest(r)
	if token == "" {
		return Identity{}, fmt.Errorf("token required: %w", ErrUnauthorized)
	}
	claims, err := v.ValidateToken(token)
	if err != nil {
		return Identity{}, err
	}
	return claims.Identity(), nil
}

// getPublicKey retrieves and caches the public key for a given kid
func (v *Validator) getPublicKey(kid string) (*rsa.PublicKey, error) {
	v.cacheMu.RLock()
	if key, exists := v.cache[kid]; exists {
		v.cacheMu.RUnlock()
		return key, nil
	}
	v.cacheMu.RUnlock()

	v.jwksMu.RLock()
	defer v.jwksMu.RUnlock()

	if v.jwks == nil {
		return nil, errors.New("JWKS not initialized")
	}

	for _, jwk := range v.jwks.Keys {
		if jwk.Kid != kid {
			continue
		}
		publicKey, err := jwkToPublicKey(jwk)
		if err != nil {
			return nil, err
		}

		v.cacheMu.Lock()
		v.cache[kid] = publicKey
		v.cacheMu.Unlock()

		return publicKey, nil
	}

	return nil, fmt.Errorf("key with kid %s not found in JWKS", kid)
}

// jwkToPublicKey converts JWK to RSA public key
func jwkToPublicKey(jwk JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)

	var e int
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	return &rsa.PublicKey{
		N: n,
		E: e,
	}, nil
}

// ExtractTokenFromRequest extracts JWT from request (query param or header)
func ExtractTokenFromRequest(r *http.Request) string {
	token := r.URL.Query().Get("token")
	if token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
