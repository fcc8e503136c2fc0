package oauth

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeChallengeS256(t *testing.T) {
	// Reference vector from RFC 7636 appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	assert.Equal(t, want, CodeChallengeS256(verifier))
}

func TestCodeChallengeIsUnpadded(t *testing.T) {
	for _, verifier := range []string{"a", "ab", "abc", "abcd"} {
		challenge := CodeChallengeS256(verifier)
		assert.NotContains(t, challenge, "=", "challenge for %q must be unpadded", verifier)
		_, err := base64.RawURLEncoding.DecodeString(challenge)
		assert.NoError(t, err)
	}
}

func TestRandomString(t *testing.T) {
	s1, err := RandomString(32)
	require.NoError(t, err)
	s2, err := RandomString(32)
	require.NoError(t, err)

	// Hex encoding doubles the byte count.
	assert.Len(t, s1, 64)
	assert.NotEqual(t, s1, s2)
}

func TestGeneratePKCE(t *testing.T) {
	verifier, challenge, err := generatePKCE()
	require.NoError(t, err)

	assert.Equal(t, CodeChallengeS256(verifier), challenge)
	// RFC 7636 bounds the verifier to 43..128 characters.
	assert.GreaterOrEqual(t, len(verifier), 43)
	assert.LessOrEqual(t, len(verifier), 128)

	// Verifier characters must stay within the RFC 7636 unreserved set.
	const allowed = "0123456789abcdef"
	for _, r := range verifier {
		assert.True(t, strings.ContainsRune(allowed, r), "unexpected verifier rune %q", r)
	}

	// Distinct invocations yield distinct verifiers.
	verifier2, _, err := generatePKCE()
	require.NoError(t, err)
	assert.NotEqual(t, verifier, verifier2)
}
