package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// codeVerifierBytes is the number of random bytes in a PKCE code verifier.
// Hex encoding doubles it to 128 characters, the RFC 7636 maximum.
const codeVerifierBytes = 64

// pkceMethodS256 is the SHA-256 code challenge method name.
const pkceMethodS256 = "S256"

// pkceMethodPlain is the plain code challenge method name. Accepted as
// evidence of PKCE support during capability checks, but challenges are
// always generated with S256.
const pkceMethodPlain = "plain"

// RandomString returns lengthBytes cryptographically secure random bytes,
// hex-encoded. A failure of the system randomness source is returned as an
// error; there is no fallback.
func RandomString(lengthBytes int) (string, error) {
	b := make([]byte, lengthBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// CodeChallengeS256 computes the S256 code challenge for a PKCE verifier:
// the SHA-256 digest of the verifier, base64url-encoded without padding
// per RFC 4648 section 5.
func CodeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// generatePKCE produces a fresh verifier/challenge pair.
func generatePKCE() (verifier, challenge string, err error) {
	verifier, err = RandomString(codeVerifierBytes)
	if err != nil {
		return "", "", err
	}
	return verifier, CodeChallengeS256(verifier), nil
}
