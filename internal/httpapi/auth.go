package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

const tokenAudience = "deliverytrack"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: 401, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: 403, code: "forbidden", message: message}
}

type tokenClaims struct {
	TenantID string
	Subject  string
	Scopes   map[string]struct{}
	Exp      int64
}

// wireClaims mirrors the JWT payload. Scopes may be a JSON array or a
// space-separated string.
type wireClaims struct {
	TenantID string          `json:"tenant_id"`
	Subject  string          `json:"sub"`
	Audience string          `json:"aud"`
	Exp      json.Number     `json:"exp"`
	Scopes   json.RawMessage `json:"scopes"`
}

// authorizeBearer verifies an HS256 bearer token issued for tenantID and
// carrying requiredScope. Empty tenantID or requiredScope skip that check.
func authorizeBearer(authHeader, jwtSecret, tenantID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	if jwtSecret == "" {
		return tokenClaims{}, &authError{status: 503, code: "unavailable", message: "bearer auth is not configured"}
	}
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	payload, authErr := verifySignature(strings.TrimSpace(raw), jwtSecret)
	if authErr != nil {
		return tokenClaims{}, authErr
	}

	var wire wireClaims
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	switch {
	case wire.TenantID == "":
		return tokenClaims{}, unauthorized("missing tenant_id claim")
	case wire.Subject == "":
		return tokenClaims{}, unauthorized("missing sub claim")
	case wire.Audience != tokenAudience:
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	exp, err := wire.Exp.Int64()
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if tenantID != "" && wire.TenantID != tenantID {
		return tokenClaims{}, forbidden("tenant mismatch")
	}

	claims := tokenClaims{TenantID: wire.TenantID, Subject: wire.Subject, Scopes: scopeSet(wire.Scopes), Exp: exp}
	if len(claims.Scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	if _, granted := claims.Scopes[requiredScope]; requiredScope != "" && !granted {
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

// verifySignature checks the HS256 signature of a compact JWT and returns
// its decoded payload.
func verifySignature(token, secret string) ([]byte, *authError) {
	header, rest, ok := strings.Cut(token, ".")
	body, sig, ok2 := strings.Cut(rest, ".")
	if !ok || !ok2 || strings.Contains(sig, ".") {
		return nil, unauthorized("invalid jwt format")
	}
	var head struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(header, &head); err != nil {
		return nil, unauthorized("invalid jwt header")
	}
	if head.Alg != "HS256" {
		return nil, unauthorized("unsupported jwt algorithm")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return nil, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(header + "." + body))
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return nil, unauthorized("jwt signature mismatch")
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, unauthorized("invalid jwt payload")
	}
	return payload, nil
}

func decodeSegment(segment string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func scopeSet(raw json.RawMessage) map[string]struct{} {
	out := map[string]struct{}{}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var joined string
		if json.Unmarshal(raw, &joined) != nil {
			return out
		}
		list = strings.Fields(joined)
	}
	for _, scope := range list {
		if scope != "" {
			out[scope] = struct{}{}
		}
	}
	return out
}

// verifyInternalHMAC checks hex(HMAC-SHA256(secret, timestamp + "\n" + body))
// and that timestamp lies within maxSkew of now.
func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if secret == "" {
		return &authError{status: 503, code: "unavailable", message: "internal routes are not configured"}
	}
	if timestamp == "" || signature == "" {
		return unauthorized("missing internal auth headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("invalid internal timestamp")
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return unauthorized("internal request outside replay window")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return unauthorized("internal signature mismatch")
	}
	return nil
}
