package coinbase

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"coin-pilot/internal/core"
)

const (
	tokenIssuer = "cdp"
	tokenTTL    = 120 * time.Second
	nonceBytes  = 16
)

// parsePrivateKey accepts PEM key material as exported by the CDP console.
// Escaped newlines are tolerated so keys can travel through env vars.
func parsePrivateKey(material string) (*rsa.PrivateKey, error) {
	material = strings.ReplaceAll(material, `\n`, "\n")
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(material))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrBadKeyMaterial, err)
	}
	return key, nil
}

// mintToken builds the short-lived bearer token for one request. The uri
// claim binds it to a single method+path, and the per-call nonce keeps two
// tokens for the same request distinct within the validity window. The key
// id and nonce ride in the header so the verifier can pick the public key
// without decoding claims.
func mintToken(key *rsa.PrivateKey, keyName, host, method, path string, now time.Time) (string, error) {
	nonce, err := newNonce()
	if err != nil {
		return "", err
	}
	claims := jwt.MapClaims{
		"sub": keyName,
		"iss": tokenIssuer,
		"nbf": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
		"uri": method + " " + host + path,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keyName
	token.Header["nonce"] = nonce
	return token.SignedString(key)
}

func newNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
