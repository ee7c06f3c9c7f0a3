// Package jwks verifies Firebase ID tokens against Google's published signing keys.
// It is used when the Firebase Admin SDK is not configured and by tests.
package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents an RSA JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	N   string `json:"n"`   // Modulus
	E   string `json:"e"`   // Exponent
}

// testKID identifies the key minted by NewTestClient.
const testKID = "test-key"

// Client handles JWKS discovery and caching
type Client struct {
	jwksURL    string
	httpClient *http.Client
	cache      *jwksCache
	testMode   bool
	testKey    *rsa.PrivateKey
}

// jwksCache stores cached JWKS with expiration
type jwksCache struct {
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	mutex     sync.RWMutex
}

// NewClient creates a new JWKS client
func NewClient(jwksURL string) *Client {
	return &Client{
		jwksURL: jwksURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache: &jwksCache{},
	}
}

// NewTestClient creates a client that trusts only a freshly generated key.
// Tokens for it are minted with SignTestToken.
func NewTestClient() *Client {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(fmt.Sprintf("generate test key: %v", err))
	}
	c := &Client{
		testMode: true,
		testKey:  priv,
		cache:    &jwksCache{},
	}
	c.cache.keys = map[string]*rsa.PublicKey{testKID: &priv.PublicKey}
	c.cache.expiresAt = time.Now().Add(100 * 365 * 24 * time.Hour)
	return c
}

// SignTestToken mints an ID token for uid accepted by a test client.
func (c *Client) SignTestToken(uid, issuer, audience string, ttl time.Duration) (string, error) {
	if !c.testMode {
		return "", fmt.Errorf("SignTestToken requires a test client")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":       issuer,
		"aud":       audience,
		"sub":       uid,
		"user_id":   uid,
		"iat":       now.Unix(),
		"auth_time": now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	})
	token.Header["kid"] = testKID
	return token.SignedString(c.testKey)
}

// fetchJWKS fetches the key set and decodes its RSA keys
func (c *Client) fetchJWKS(ctx context.Context) (map[string]*rsa.PublicKey, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var set JWKS
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, 0, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaKey(k)
		if err != nil {
			return nil, 0, fmt.Errorf("key %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	return keys, maxAge(resp.Header.Get("Cache-Control")), nil
}

// maxAge honours the Cache-Control max-age Google sends with its key set.
func maxAge(header string) time.Duration {
	var secs int
	for i := 0; i+8 <= len(header); i++ {
		if header[i:i+8] == "max-age=" {
			if _, err := fmt.Sscanf(header[i+8:], "%d", &secs); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 5 * time.Minute
}

func rsaKey(k JWK) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(new(big.Int).SetBytes(eb).Int64())}, nil
}

// getKey retrieves a key by kid from cache, refreshing the set when expired
func (c *Client) getKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.cache.mutex.RLock()
	if c.cache.keys != nil && time.Now().Before(c.cache.expiresAt) {
		key, ok := c.cache.keys[kid]
		c.cache.mutex.RUnlock()
		if ok {
			return key, nil
		}
		if c.testMode {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}
	} else {
		c.cache.mutex.RUnlock()
	}

	c.cache.mutex.Lock()
	defer c.cache.mutex.Unlock()

	keys, ttl, err := c.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.keys = keys
	c.cache.expiresAt = time.Now().Add(ttl)

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

// ValidateJWT verifies an RS256 token and its issuer, audience and expiry.
func (c *Client) ValidateJWT(ctx context.Context, tokenString string, expectedIssuer, expectedAudience string) (jwt.MapClaims, error) {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing or invalid kid in JWT header")
		}
		return c.getKey(ctx, kid)
	}

	parsed, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(expectedIssuer),
		jwt.WithAudience(expectedAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to verify JWT: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid JWT claims")
	}

	if sub, _ := claims["sub"].(string); sub == "" {
		return nil, fmt.Errorf("missing sub claim")
	}
	return claims, nil
}
