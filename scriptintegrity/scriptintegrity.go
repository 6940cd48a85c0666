// Package scriptintegrity signs and checksums script-execution packages
// exchanged with devices, and verifies both on return. The signing keypair
// is loaded once and persists across process restarts so that a package
// produced by one instance verifies under any other instance sharing the
// same key file.
package scriptintegrity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/fleetops/gateway/core"
)

// Manifest describes how a script should be executed on a device.
type Manifest struct {
	Interpreter  string            `json:"interpreter"`
	TimeoutSec   int               `json:"timeout"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	WorkingDir   string            `json:"working_dir,omitempty"`
	RetryPolicy  *RetryPolicy      `json:"retry_policy,omitempty"`
}

// RetryPolicy bounds device-side re-execution of a failed script.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"`
	BackoffMs   int `json:"backoff_ms"`
}

// Package is a signed bundle of an executable script and its manifest.
type Package struct {
	ID         string   `json:"id"`
	Script     string   `json:"script"` // base64-encoded
	Manifest   Manifest `json:"manifest"`
	Checksum   string   `json:"checksum"`  // hex SHA-256 of the raw script bytes
	Signature  string   `json:"signature"` // base64 Ed25519 signature
	ApprovalID string   `json:"approval_id,omitempty"`
	CreatedAt  string   `json:"created_at"`
}

// Signer holds the server's persistent Ed25519 keypair and produces /
// verifies Script Packages. The keypair is read-only after construction,
// so Signer requires no internal synchronization for signing or
// verification.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// LoadOrCreate reads an Ed25519 private key from keyPath, generating and
// persisting a fresh one if the file does not exist. Without this, a
// package signed by one process would fail verification after a restart
// rotated the key.
func LoadOrCreate(keyPath string) (*Signer, error) {
	if keyPath == "" {
		return nil, &core.FrameworkError{Op: "scriptintegrity.LoadOrCreate", Kind: "scriptintegrity", Message: "signing key path is required", Err: core.ErrMissingConfiguration}
	}

	if data, err := os.ReadFile(keyPath); err == nil {
		if len(data) != ed25519.SeedSize {
			return nil, &core.FrameworkError{Op: "scriptintegrity.LoadOrCreate", Kind: "scriptintegrity", ID: keyPath, Message: "signing key file has unexpected length", Err: core.ErrInvalidConfiguration}
		}
		priv := ed25519.NewKeyFromSeed(data)
		return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, &core.FrameworkError{Op: "scriptintegrity.LoadOrCreate", Kind: "scriptintegrity", Message: "key generation failed", Err: err}
	}
	if dir := filepath.Dir(keyPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, &core.FrameworkError{Op: "scriptintegrity.LoadOrCreate", Kind: "scriptintegrity", ID: keyPath, Message: "failed to create key directory", Err: err}
		}
	}
	if err := os.WriteFile(keyPath, priv.Seed(), 0o600); err != nil {
		return nil, &core.FrameworkError{Op: "scriptintegrity.LoadOrCreate", Kind: "scriptintegrity", ID: keyPath, Message: "failed to persist signing key", Err: err}
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// NewFromSeed builds a Signer directly from a 32-byte Ed25519 seed, used in
// tests to construct two independent Signer instances sharing one key
// without touching the filesystem.
func NewFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, &core.FrameworkError{Op: "scriptintegrity.NewFromSeed", Kind: "scriptintegrity", Message: "seed must be 32 bytes", Err: core.ErrInvalidConfiguration}
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKey returns the signer's public key, base64-encoded, stable across
// instances sharing the same key file.
func (s *Signer) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

func canonicalManifest(m Manifest) (string, error) {
	// json.Marshal on a struct with fixed field order produces a
	// deterministic encoding, which is all "canonical" requires here: the
	// same Manifest value always serializes identically.
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func signingPayload(id, scriptB64, manifestCanonical, checksum string) []byte {
	return []byte(id + "\x00" + scriptB64 + "\x00" + manifestCanonical + "\x00" + checksum)
}

// Package produces a signed Script Package for script under manifest,
// optionally associated with approvalID.
func (s *Signer) Package(script []byte, manifest Manifest, approvalID string, createdAt string) (*Package, error) {
	id := "pkg_" + hex.EncodeToString(mustRandomBytes(16))
	scriptB64 := base64.StdEncoding.EncodeToString(script)
	checksum := ChecksumHex(script)

	manifestCanonical, err := canonicalManifest(manifest)
	if err != nil {
		return nil, &core.FrameworkError{Op: "scriptintegrity.Package", Kind: "scriptintegrity", Message: "manifest encoding failed", Err: err}
	}

	sig := ed25519.Sign(s.priv, signingPayload(id, scriptB64, manifestCanonical, checksum))

	return &Package{
		ID:         id,
		Script:     scriptB64,
		Manifest:   manifest,
		Checksum:   checksum,
		Signature:  base64.StdEncoding.EncodeToString(sig),
		ApprovalID: approvalID,
		CreatedAt:  createdAt,
	}, nil
}

// VerifySignature strictly evaluates pkg's signature against the signer's
// public key; it returns false if the signature field is absent or does
// not verify, never an error.
func (s *Signer) VerifySignature(pkg *Package) bool {
	if pkg == nil || pkg.Signature == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(pkg.Signature)
	if err != nil {
		return false
	}
	manifestCanonical, err := canonicalManifest(pkg.Manifest)
	if err != nil {
		return false
	}
	payload := signingPayload(pkg.ID, pkg.Script, manifestCanonical, pkg.Checksum)
	return ed25519.Verify(s.pub, payload, sig)
}

// VerifyChecksum recomputes the SHA-256 of pkg's decoded script and
// compares it against the stored checksum.
func (s *Signer) VerifyChecksum(pkg *Package) bool {
	if pkg == nil {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(pkg.Script)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(ChecksumHex(raw)), []byte(pkg.Checksum)) == 1
}

// ChecksumHex returns the hex-encoded SHA-256 digest of script.
func ChecksumHex(script []byte) string {
	sum := sha256.Sum256(script)
	return hex.EncodeToString(sum[:])
}

func mustRandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read failing indicates a broken host entropy source;
		// a random package id is not security-critical, so fall back to a
		// UUID rather than panic.
		return []byte(uuid.NewString())[:n]
	}
	return b
}
