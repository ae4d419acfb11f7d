package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
)

// Auth holds the API credentials used to sign requests against the venue's
// private REST endpoints. Unlike a DEX CLOB, this venue has no on-chain
// identity to derive: every signed call uses the same API key/secret pair,
// so there is no L1/L2 split.
type Auth struct {
	apiKey string
	secret string
}

// NewAuth builds an Auth from a plain API key/secret pair.
func NewAuth(apiKey, secret string) *Auth {
	return &Auth{apiKey: apiKey, secret: secret}
}

// APIKey returns the key sent on the X-MBX-APIKEY-style header.
func (a *Auth) APIKey() string {
	return a.apiKey
}

// HasCredentials reports whether both key and secret are configured.
func (a *Auth) HasCredentials() bool {
	return a.apiKey != "" && a.secret != ""
}

// Sign computes the hex HMAC-SHA256 signature over an already-encoded query
// string, the venue's standard signed-request scheme: sign the full query
// string (including timestamp and recvWindow) and append the result as a
// `signature` parameter.
func (a *Auth) Sign(query string) string {
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignValues signs a url.Values set, returning the encoded query string with
// the signature parameter appended.
func (a *Auth) SignValues(v url.Values) string {
	encoded := v.Encode()
	sig := a.Sign(encoded)
	return encoded + "&signature=" + sig
}
