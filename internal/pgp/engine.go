// Package pgp implements the OpenPGP engine used by the encryption stage.
// It loads a keyring once at startup and performs synchronous, per-call
// encryption and signing with ASCII-armored output.
package pgp

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

// armorType is the block type used for all encrypted output.
const armorType = "PGP MESSAGE"

// Engine encrypts and signs payloads against a keyring loaded from disk.
// It is safe for concurrent use: encryption is stateless per call, and the
// in-place unlock of signing key material is serialized on unlockMu because
// the keyring entities are shared across all callers.
type Engine struct {
	keyring  openpgp.EntityList
	unlockMu sync.Mutex
}

// NewEngine loads every keyring file found in dir (armored .asc and binary
// .gpg/.pgp files) into a single keyring. Files that cannot be parsed are
// skipped with a warning; an unreadable directory is a hard error.
func NewEngine(dir string) (*Engine, error) {
	if dir == "" {
		return nil, fmt.Errorf("keyring directory not configured")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring directory: %w", err)
	}

	var keyring openpgp.EntityList
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		entities, err := readKeyFile(path)
		if err != nil {
			slog.Warn("skipping unparseable keyring file",
				"path", path,
				"error", err,
			)
			continue
		}
		keyring = append(keyring, entities...)
	}

	if len(keyring) == 0 {
		return nil, fmt.Errorf("no usable keys in keyring directory %s", dir)
	}

	slog.Info("keyring loaded", "dir", dir, "keys", len(keyring))
	return &Engine{keyring: keyring}, nil
}

// NewEngineWithKeyring creates an Engine from an already-loaded keyring.
// Used for testing.
func NewEngineWithKeyring(keyring openpgp.EntityList) *Engine {
	return &Engine{keyring: keyring}
}

// Encrypt encrypts plaintext to the key identified by recipientKeyID and
// returns ASCII-armored ciphertext.
func (e *Engine) Encrypt(ctx context.Context, plaintext []byte, recipientKeyID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	recipient, err := e.lookup(recipientKeyID)
	if err != nil {
		return nil, err
	}

	return encryptArmored(plaintext, recipient, nil)
}

// EncryptAndSign encrypts plaintext to recipientKeyID and signs it with
// signerKeyID. The signing key's private material is unlocked with passphrase
// on first use; a locked key with no usable passphrase is an error here, not
// at engine construction.
func (e *Engine) EncryptAndSign(ctx context.Context, plaintext []byte, recipientKeyID, signerKeyID string, passphrase []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	recipient, err := e.lookup(recipientKeyID)
	if err != nil {
		return nil, err
	}

	signer, err := e.lookup(signerKeyID)
	if err != nil {
		return nil, err
	}
	if signer.PrivateKey == nil {
		return nil, fmt.Errorf("signing key %s has no private key material", signerKeyID)
	}

	// Decrypt mutates the shared entity, so concurrent first-signing calls
	// must not race on the check-then-unlock sequence.
	e.unlockMu.Lock()
	err = unlockEntity(signer, passphrase)
	e.unlockMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to unlock signing key %s: %w", signerKeyID, err)
	}

	return encryptArmored(plaintext, recipient, signer)
}

// lookup resolves a key identifier to a keyring entity. The identifier is
// matched against user identity email addresses (case-insensitive) and
// against hex fingerprints by suffix, so both full fingerprints and short
// key IDs work.
func (e *Engine) lookup(keyID string) (*openpgp.Entity, error) {
	if keyID == "" {
		return nil, fmt.Errorf("empty key identifier")
	}

	needle := strings.ToLower(strings.TrimSpace(keyID))
	for _, entity := range e.keyring {
		fingerprint := hex.EncodeToString(entity.PrimaryKey.Fingerprint[:])
		if strings.HasSuffix(fingerprint, needle) {
			return entity, nil
		}
		for _, identity := range entity.Identities {
			if identity.UserId != nil && strings.EqualFold(identity.UserId.Email, keyID) {
				return entity, nil
			}
		}
	}

	return nil, fmt.Errorf("key %q not found in keyring", keyID)
}

// encryptArmored runs the armor/encrypt writer pipeline and returns the
// complete armored message.
func encryptArmored(plaintext []byte, recipient, signer *openpgp.Entity) ([]byte, error) {
	var buf bytes.Buffer

	armorer, err := armor.Encode(&buf, armorType, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create armor encoder: %w", err)
	}

	crypter, err := openpgp.Encrypt(armorer, []*openpgp.Entity{recipient}, signer, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start encryption: %w", err)
	}

	if _, err := crypter.Write(plaintext); err != nil {
		return nil, fmt.Errorf("failed to write plaintext: %w", err)
	}
	if err := crypter.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize encryption: %w", err)
	}
	if err := armorer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize armor: %w", err)
	}

	return buf.Bytes(), nil
}

// unlockEntity decrypts the primary private key and all subkey private keys
// if they are passphrase-protected. Already-unlocked keys are left alone.
func unlockEntity(entity *openpgp.Entity, passphrase []byte) error {
	if entity.PrivateKey.Encrypted {
		if len(passphrase) == 0 {
			return fmt.Errorf("key is locked and no passphrase is configured")
		}
		if err := entity.PrivateKey.Decrypt(passphrase); err != nil {
			return err
		}
	}

	for _, subkey := range entity.Subkeys {
		if subkey.PrivateKey != nil && subkey.PrivateKey.Encrypted {
			if len(passphrase) == 0 {
				return fmt.Errorf("subkey is locked and no passphrase is configured")
			}
			if err := subkey.PrivateKey.Decrypt(passphrase); err != nil {
				return err
			}
		}
	}

	return nil
}

// readKeyFile reads one keyring file, trying armored format first and
// falling back to binary.
func readKeyFile(path string) (openpgp.EntityList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	entities, armorErr := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if armorErr == nil {
		return entities, nil
	}

	entities, binErr := openpgp.ReadKeyRing(bytes.NewReader(data))
	if binErr == nil {
		return entities, nil
	}

	return nil, fmt.Errorf("not armored (%v) and not binary (%v)", armorErr, binErr)
}

// WriteArmoredEntity serializes an entity's public part in armored form.
// Exposed for tooling and tests that need to provision keyring directories.
func WriteArmoredEntity(w io.Writer, entity *openpgp.Entity) error {
	armorer, err := armor.Encode(w, openpgp.PublicKeyType, nil)
	if err != nil {
		return err
	}
	if err := entity.Serialize(armorer); err != nil {
		return err
	}
	return armorer.Close()
}
