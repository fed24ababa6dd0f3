// ABOUTME: SSH public key authentication for agents
// ABOUTME: Agents sign "timestamp|nonce"; controllers verify and reject replayed nonces

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-agentd/internal/dedupe"
)

const (
	// SSHAuthMaxAge is the maximum age of a signature timestamp (5 minutes).
	SSHAuthMaxAge = 5 * time.Minute

	// SSHNonceCacheSize is the maximum number of nonces to track.
	SSHNonceCacheSize = 10000

	// SSH auth metadata keys.
	SSHPubkeyHeader    = "x-ssh-pubkey"
	SSHSignatureHeader = "x-ssh-signature"
	SSHTimestampHeader = "x-ssh-timestamp"
	SSHNonceHeader     = "x-ssh-nonce"
)

// SSHAuthRequest contains the data sent by an agent for SSH authentication.
type SSHAuthRequest struct {
	Pubkey    string // Full public key (e.g., "ssh-ed25519 AAAA...")
	Signature string // Base64-encoded signature over "timestamp|nonce"
	Timestamp int64  // Unix timestamp
	Nonce     string // Random string to prevent replay
}

func signedMessage(timestamp int64, nonce string) []byte {
	return []byte(fmt.Sprintf("%d|%s", timestamp, nonce))
}

// Headers returns the request as metadata key/value pairs.
func (r *SSHAuthRequest) Headers() map[string]string {
	return map[string]string{
		SSHPubkeyHeader:    r.Pubkey,
		SSHSignatureHeader: r.Signature,
		SSHTimestampHeader: strconv.FormatInt(r.Timestamp, 10),
		SSHNonceHeader:     r.Nonce,
	}
}

// SSHSigner produces fresh SSHAuthRequests from an agent's private key.
type SSHSigner struct {
	signer ssh.Signer
	now    func() time.Time
}

// NewSSHSigner wraps an ssh.Signer.
func NewSSHSigner(signer ssh.Signer) *SSHSigner {
	return &SSHSigner{signer: signer, now: time.Now}
}

// LoadSSHSigner reads an unencrypted private key file.
func LoadSSHSigner(path string) (*SSHSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", path, err)
	}
	return NewSSHSigner(signer), nil
}

// Fingerprint returns the signer's public key fingerprint.
func (s *SSHSigner) Fingerprint() string {
	return ComputeFingerprint(s.signer.PublicKey())
}

// Sign creates a request with a new nonce and the current time.
func (s *SSHSigner) Sign() (*SSHAuthRequest, error) {
	ts := s.now().Unix()
	nonce := uuid.NewString()
	sig, err := s.signer.Sign(rand.Reader, signedMessage(ts, nonce))
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return &SSHAuthRequest{
		Pubkey:    strings.TrimSpace(string(ssh.MarshalAuthorizedKey(s.signer.PublicKey()))),
		Signature: base64.StdEncoding.EncodeToString(ssh.Marshal(sig)),
		Timestamp: ts,
		Nonce:     nonce,
	}, nil
}

// SSHVerifier verifies SSH signatures for agent authentication.
type SSHVerifier struct {
	maxAge     time.Duration
	nonceCache *dedupe.Cache // Tracks used nonces to prevent replay attacks
	now        func() time.Time
}

// NewSSHVerifier creates a new SSH signature verifier with nonce replay protection.
func NewSSHVerifier() *SSHVerifier {
	return &SSHVerifier{
		maxAge:     SSHAuthMaxAge,
		nonceCache: dedupe.New(SSHAuthMaxAge, SSHNonceCacheSize),
		now:        time.Now,
	}
}

// Verify checks the SSH signature and returns the pubkey fingerprint if valid.
func (v *SSHVerifier) Verify(req *SSHAuthRequest) (fingerprint string, err error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(req.Pubkey))
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}

	// Check timestamp is recent
	age := v.now().Sub(time.Unix(req.Timestamp, 0))
	if age < 0 {
		// Timestamp is in the future - allow small clock skew
		if age < -time.Minute {
			return "", errors.New("timestamp is in the future")
		}
	} else if age > v.maxAge {
		return "", fmt.Errorf("signature expired (age: %v, max: %v)", age, v.maxAge)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %w", err)
	}
	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return "", fmt.Errorf("invalid signature format: %w", err)
	}
	if err := pubkey.Verify(signedMessage(req.Timestamp, req.Nonce), sig); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	// The nonce key includes the fingerprint to prevent cross-key replay.
	fp := ComputeFingerprint(pubkey)
	if v.nonceCache.CheckAndMark(fmt.Sprintf("%s:%d:%s", fp, req.Timestamp, req.Nonce)) {
		return "", errors.New("nonce already used (possible replay attack)")
	}
	return fp, nil
}

// ComputeFingerprint computes the SHA256 fingerprint of a public key.
// Returns lowercase hex encoding without colons.
func ComputeFingerprint(pubkey ssh.PublicKey) string {
	hash := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(hash[:])
}

// ParseFingerprintFromKey parses a public key string and returns its fingerprint.
func ParseFingerprintFromKey(pubkeyStr string) (string, error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubkeyStr))
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	return ComputeFingerprint(pubkey), nil
}

// LoadAuthorizedKeys reads an authorized_keys file and maps each key's
// fingerprint to its comment, which names the agent.
func LoadAuthorizedKeys(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading authorized keys: %w", err)
	}
	keys := make(map[string]string)
	for len(data) > 0 {
		pubkey, comment, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			// ParseAuthorizedKey skips blank and comment lines; an error
			// here means no further keys.
			break
		}
		fp := ComputeFingerprint(pubkey)
		if comment == "" {
			comment = fp
		}
		keys[fp] = comment
		data = rest
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys in %s", path)
	}
	return keys, nil
}

// sshRequestFrom extracts SSH auth fields using get.
// Returns nil if no SSH auth headers are present.
func sshRequestFrom(get func(string) string) *SSHAuthRequest {
	pubkey := get(SSHPubkeyHeader)
	signature := get(SSHSignatureHeader)
	timestampStr := get(SSHTimestampHeader)
	nonce := get(SSHNonceHeader)

	// If any SSH header is present, treat it as SSH auth attempt
	if pubkey == "" && signature == "" && timestampStr == "" && nonce == "" {
		return nil
	}

	timestamp, _ := strconv.ParseInt(timestampStr, 10, 64)
	return &SSHAuthRequest{
		Pubkey:    strings.TrimSpace(pubkey),
		Signature: strings.TrimSpace(signature),
		Timestamp: timestamp,
		Nonce:     strings.TrimSpace(nonce),
	}
}
