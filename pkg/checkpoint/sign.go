package checkpoint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/hkdf"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// EnvSecret names the environment variable holding the checkpoint HMAC
// secret. When unset, checkpoints are written and restored unsigned.
const EnvSecret = "AGORA_CHECKPOINT_SECRET"

const (
	hkdfSalt = "agora/checkpoint"
	hkdfInfo = "hmac-sha256"
	keySize  = 32
)

// Signer authenticates checkpoint documents with HMAC-SHA256 over their JCS
// canonical form. A nil *Signer is valid and means integrity is disabled:
// Sign and Verify both succeed without touching the document.
type Signer struct {
	key []byte
}

// NewSigner derives the HMAC key from secret with HKDF-SHA256. An empty
// secret yields a nil signer.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	kdf := hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		// HKDF-SHA256 produces up to 8160 bytes; a 32-byte read cannot fail.
		return nil
	}
	return &Signer{key: key}
}

// SignerFromEnv builds the signer AGORA_CHECKPOINT_SECRET configures, or nil
// when the variable is unset.
func SignerFromEnv() *Signer {
	return NewSigner(os.Getenv(EnvSecret))
}

// Sign computes and stores the document's HMAC.
func (s *Signer) Sign(doc *Document) error {
	if s == nil {
		return nil
	}
	mac, err := s.compute(doc)
	if err != nil {
		return err
	}
	doc.HMAC = mac
	return nil
}

// Verify recomputes the HMAC and compares in constant time. With a signer
// configured, an unsigned document fails: an attacker must not be able to
// strip the field.
func (s *Signer) Verify(doc *Document) error {
	if s == nil {
		return nil
	}
	if doc.HMAC == "" {
		return contracts.NewError(contracts.CodeNotAuthorized,
			"checkpoint is unsigned but a checkpoint secret is configured")
	}
	want, err := s.compute(doc)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(doc.HMAC)) {
		return contracts.NewError(contracts.CodeNotAuthorized,
			"checkpoint hmac mismatch; document was modified or signed with a different secret")
	}
	return nil
}

// compute hashes the document minus its own HMAC field.
func (s *Signer) compute(doc *Document) (string, error) {
	payload := *doc
	payload.HMAC = ""
	raw, err := json.Marshal(&payload)
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshal for signing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("checkpoint: canonicalize for signing: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
