// ABOUTME: Tests for SSH signature authentication and the Authenticator
// ABOUTME: Keys are generated per test; covers replay, expiry, authorized keys and HTTP

package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newTestSigner(t *testing.T) *SSHSigner {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return NewSSHSigner(signer)
}

func headerGetter(h map[string]string) func(string) string {
	return func(k string) string { return h[k] }
}

func TestSSH_SignAndVerify(t *testing.T) {
	signer := newTestSigner(t)
	verifier := NewSSHVerifier()

	req, err := signer.Sign()
	require.NoError(t, err)

	fp, err := verifier.Verify(req)
	require.NoError(t, err)
	assert.Equal(t, signer.Fingerprint(), fp)

	_, err = verifier.Verify(req)
	assert.ErrorContains(t, err, "nonce already used")
}

func TestSSH_RejectsTampering(t *testing.T) {
	signer := newTestSigner(t)
	verifier := NewSSHVerifier()

	req, err := signer.Sign()
	require.NoError(t, err)
	req.Nonce = "other"
	_, err = verifier.Verify(req)
	assert.ErrorContains(t, err, "signature verification failed")

	other := newTestSigner(t)
	req, err = signer.Sign()
	require.NoError(t, err)
	otherReq, err := other.Sign()
	require.NoError(t, err)
	req.Pubkey = otherReq.Pubkey
	_, err = verifier.Verify(req)
	assert.Error(t, err, "signature from a different key")
}

func TestSSH_RejectsStaleTimestamps(t *testing.T) {
	signer := newTestSigner(t)
	verifier := NewSSHVerifier()
	now := time.Now()

	signer.now = func() time.Time { return now.Add(-10 * time.Minute) }
	req, err := signer.Sign()
	require.NoError(t, err)
	_, err = verifier.Verify(req)
	assert.ErrorContains(t, err, "signature expired")

	signer.now = func() time.Time { return now.Add(10 * time.Minute) }
	req, err = signer.Sign()
	require.NoError(t, err)
	_, err = verifier.Verify(req)
	assert.ErrorContains(t, err, "in the future")
}

func TestLoadSSHSignerAndAuthorizedKeys(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	keyPath := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	line := string(ssh.MarshalAuthorizedKey(sshPub))
	akPath := filepath.Join(dir, "authorized_keys")
	require.NoError(t, os.WriteFile(akPath, []byte("# agents\n"+line[:len(line)-1]+" build-box\n"), 0o600))

	signer, err := LoadSSHSigner(keyPath)
	require.NoError(t, err)
	keys, err := LoadAuthorizedKeys(akPath)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{signer.Fingerprint(): "build-box"}, keys)

	fp, err := ParseFingerprintFromKey(line)
	require.NoError(t, err)
	assert.Equal(t, signer.Fingerprint(), fp)

	_, err = LoadSSHSigner(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestAuthenticator(t *testing.T) {
	jwtv := NewJWTVerifier(testSecret)
	signer := newTestSigner(t)
	stranger := newTestSigner(t)

	a := &Authenticator{
		Tokens:         jwtv,
		SSH:            NewSSHVerifier(),
		AuthorizedKeys: map[string]string{signer.Fingerprint(): "build-box"},
	}

	token, err := jwtv.Generate("agent-7", time.Hour)
	require.NoError(t, err)
	id, err := a.Authenticate(headerGetter(map[string]string{"authorization": "Bearer " + token}))
	require.NoError(t, err)
	assert.Equal(t, "agent-7", id)

	req, err := signer.Sign()
	require.NoError(t, err)
	id, err = a.Authenticate(headerGetter(req.Headers()))
	require.NoError(t, err)
	assert.Equal(t, "build-box", id)

	req, err = stranger.Sign()
	require.NoError(t, err)
	_, err = a.Authenticate(headerGetter(req.Headers()))
	assert.ErrorIs(t, err, ErrUnauthenticated)

	for _, h := range []map[string]string{
		{},
		{"authorization": "Basic xyz"},
		{"authorization": "Bearer "},
		{"authorization": "Bearer junk"},
	} {
		_, err = a.Authenticate(headerGetter(h))
		assert.ErrorIs(t, err, ErrUnauthenticated, h)
	}

	open := &Authenticator{SSH: NewSSHVerifier()}
	req, err = stranger.Sign()
	require.NoError(t, err)
	id, err = open.Authenticate(headerGetter(req.Headers()))
	require.NoError(t, err)
	assert.Equal(t, stranger.Fingerprint(), id, "without authorized keys the fingerprint is the identity")

	_, err = open.Authenticate(headerGetter(map[string]string{"authorization": "Bearer " + token}))
	assert.ErrorIs(t, err, ErrUnauthenticated, "tokens disabled")
}

func TestHTTPAuthMiddleware(t *testing.T) {
	jwtv := NewJWTVerifier(testSecret)
	a := &Authenticator{Tokens: jwtv}

	var seen string
	h := HTTPAuthMiddleware(a, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = AgentFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := jwtv.Generate("agent-7", time.Hour)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent-7", seen)
}
