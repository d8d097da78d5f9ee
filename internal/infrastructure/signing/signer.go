// Package signing provides the node identity key used to authenticate
// HTTP API requests.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ai4all/worker/internal/errs"
)

// Signer signs API payloads with the node key.
type Signer interface {
	// Sign returns the hex-encoded signature of the payload.
	Sign(payload []byte) string

	// PublicKeyHex returns the hex-encoded public key.
	PublicKeyHex() string
}

// CanonicalString builds the signed registration payload. The timestamp
// is rendered in RFC3339 with millisecond precision.
func CanonicalString(accountID string, at time.Time) string {
	return fmt.Sprintf("AI4ALL:v1:%s:%s", accountID, at.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
}

// FileSigner is an ed25519 signer backed by a key file.
type FileSigner struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// LoadOrGenerate reads the node key from path, generating and
// persisting a fresh key when the file does not exist.
func LoadOrGenerate(path string) (*FileSigner, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		seed, err := hex.DecodeString(string(raw))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, errs.Newf(errs.CodeConfigParse, "node key file %s is not a valid ed25519 seed", path)
		}
		private := ed25519.NewKeyFromSeed(seed)
		return &FileSigner{private: private, public: private.Public().(ed25519.PublicKey)}, nil

	case os.IsNotExist(err):
		return generate(path)

	default:
		return nil, errs.Wrap(errs.CodeIORead, "reading node key", err)
	}
}

func generate(path string) (*FileSigner, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "generating node key", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errs.Wrap(errs.CodeIOWrite, "creating key directory", err)
	}
	encoded := hex.EncodeToString(private.Seed())
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, errs.Wrap(errs.CodeIOWrite, "writing node key", err)
	}
	return &FileSigner{private: private, public: public}, nil
}

func (s *FileSigner) Sign(payload []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.private, payload))
}

func (s *FileSigner) PublicKeyHex() string {
	return hex.EncodeToString(s.public)
}

// Verify checks a hex signature against a hex public key. Used in
// tests and by tooling; the coordinator performs the real validation.
func Verify(publicKeyHex, signatureHex string, payload []byte) bool {
	public, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(public) != ed25519.PublicKeySize {
		return false
	}
	signature, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(public), payload, signature)
}
