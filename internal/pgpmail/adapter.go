// Package pgpmail implements the encrypting mail stage of the proxy.
// It decorates a delivery provider: messages passed to Send are encrypted
// (and optionally signed) with OpenPGP before they reach the wrapped
// provider, with MIME metadata rewritten so the armored ciphertext survives
// transport untouched.
package pgpmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/jaytaylor/html2text"

	"github.com/shineum/pgp-proxy-lite/internal/email"
	"github.com/shineum/pgp-proxy-lite/internal/provider"
)

// defaultEncryptTimeout bounds a single engine call. Engines may shell out
// to an external process, which can hang.
const defaultEncryptTimeout = 30 * time.Second

// defaultTransferEncoding is the content-transfer-encoding forced onto
// encrypted bodies. Armored ciphertext is already 7-bit-safe text;
// re-encoding it as quoted-printable or base64 would corrupt the armor or
// double-encode it. RFC 3156 frames this differently, so the value is a
// policy knob rather than a hardcoded assumption.
const defaultTransferEncoding = "7bit"

// ErrMissingEncryptKey is returned by New when no encryption key resolves.
var ErrMissingEncryptKey = errors.New("pgpmail: no encryption key configured")

// Engine is the OpenPGP collaborator. Both operations return ASCII-armored
// ciphertext.
type Engine interface {
	// Encrypt encrypts plaintext to the key identified by recipientKeyID.
	Encrypt(ctx context.Context, plaintext []byte, recipientKeyID string) ([]byte, error)

	// EncryptAndSign additionally signs with signerKeyID, unlocking the
	// signing key with passphrase if needed.
	EncryptAndSign(ctx context.Context, plaintext []byte, recipientKeyID, signerKeyID string, passphrase []byte) ([]byte, error)
}

// Options configures an Adapter. EncryptKeyID is mandatory; a non-empty
// SignKeyID enables signing for every encryption the adapter performs.
// Passphrase sufficiency is only checked when the first signing call runs.
type Options struct {
	EncryptKeyID      string
	SignKeyID         string
	SignKeyPassphrase string

	// TransferEncoding overrides the encoding forced onto encrypted bodies.
	// Defaults to "7bit".
	TransferEncoding string

	// EncryptTimeout bounds each engine call. Defaults to 30s.
	EncryptTimeout time.Duration
}

// Adapter encrypts outbound messages and forwards them to an inner provider.
// It implements provider.Provider so it can be slotted anywhere a plain
// delivery backend is expected.
type Adapter struct {
	engine Engine
	inner  provider.Provider

	encryptKey       string
	signKey          string
	passphrase       []byte
	signingEnabled   bool
	transferEncoding string
	timeout          time.Duration
}

// New creates an Adapter. It fails when no encryption key is configured;
// no engine call is made on the failure path.
func New(engine Engine, inner provider.Provider, opts Options) (*Adapter, error) {
	if engine == nil {
		return nil, errors.New("pgpmail: engine is required")
	}
	if inner == nil {
		return nil, errors.New("pgpmail: inner provider is required")
	}
	if opts.EncryptKeyID == "" {
		return nil, ErrMissingEncryptKey
	}

	transferEncoding := opts.TransferEncoding
	if transferEncoding == "" {
		transferEncoding = defaultTransferEncoding
	}
	timeout := opts.EncryptTimeout
	if timeout <= 0 {
		timeout = defaultEncryptTimeout
	}

	return &Adapter{
		engine:           engine,
		inner:            inner,
		encryptKey:       opts.EncryptKeyID,
		signKey:          opts.SignKeyID,
		passphrase:       []byte(opts.SignKeyPassphrase),
		signingEnabled:   opts.SignKeyID != "",
		transferEncoding: transferEncoding,
		timeout:          timeout,
	}, nil
}

// SigningEnabled reports whether every encryption also signs.
func (a *Adapter) SigningEnabled() bool {
	return a.signingEnabled
}

// Name returns the provider name, prefixed to show the encryption stage.
func (a *Adapter) Name() string {
	return "pgp+" + a.inner.Name()
}

// Send implements provider.Provider. Already-encrypted messages pass through
// unchanged; everything else has its attachments and body encrypted, with
// HTML-only messages downgraded to a plain-text rendering first.
func (a *Adapter) Send(ctx context.Context, msg *email.Email) error {
	if alreadyEncrypted(msg) {
		slog.Info("message already encrypted, passing through",
			"message_id", msg.MessageID,
		)
		return a.inner.Send(ctx, msg)
	}

	job := a.NewJob(msg)

	attachments := msg.Attachments
	msg.Attachments = nil
	for _, att := range attachments {
		if _, err := job.AttachBytes(ctx, att.Content, att.Filename, att.ContentType); err != nil {
			return err
		}
	}

	if msg.TextBody == "" && msg.HtmlBody != "" {
		return a.SendHTML(ctx, job)
	}
	return a.SendPlain(ctx, job)
}

// SendPlain encrypts the job's text body and hands the message to the inner
// provider. The subject is unconditionally rewritten as a UTF-8 base64
// encoded word, line wrapping is disabled, and the content type and transfer
// encoding are forced so the armor is not re-encoded in transit.
func (a *Adapter) SendPlain(ctx context.Context, job *Job) error {
	msg := job.msg

	msg.Subject = encodeSubject(msg.Subject)
	msg.DisableWrap = true
	msg.ContentType = "text/plain; charset=UTF-8"
	msg.TransferEncoding = a.transferEncoding

	ciphertext, err := a.encrypt(ctx, []byte(msg.TextBody))
	if err != nil {
		return fmt.Errorf("body encryption failed: %w", err)
	}
	msg.TextBody = string(ciphertext)
	msg.HtmlBody = ""

	return a.inner.Send(ctx, msg)
}

// SendHTML downgrades an HTML body to plain text and delegates to SendPlain.
// There is no code path that encrypts markup; the downgrade is intentional.
func (a *Adapter) SendHTML(ctx context.Context, job *Job) error {
	slog.Warn("HTML mail cannot be encrypted, sending plain-text rendering instead",
		"message_id", job.msg.MessageID,
	)

	text, err := html2text.FromString(job.msg.HtmlBody)
	if err != nil {
		return fmt.Errorf("failed to render HTML body as text: %w", err)
	}

	job.msg.TextBody = text
	job.msg.HtmlBody = ""
	return a.SendPlain(ctx, job)
}

// encrypt runs one engine call on its own goroutine, bounded by the
// configured timeout. Engine failures propagate to the caller untouched.
func (a *Adapter) encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type result struct {
		ciphertext []byte
		err        error
	}
	resultCh := make(chan result, 1)

	go func() {
		var r result
		if a.signingEnabled {
			r.ciphertext, r.err = a.engine.EncryptAndSign(ctx, plaintext, a.encryptKey, a.signKey, a.passphrase)
		} else {
			r.ciphertext, r.err = a.engine.Encrypt(ctx, plaintext, a.encryptKey)
		}
		resultCh <- r
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("encryption did not complete: %w", ctx.Err())
	case r := <-resultCh:
		return r.ciphertext, r.err
	}
}

// encodeSubject rewrites a subject as a single UTF-8 base64 encoded word.
// Existing encoded words are decoded first so the base64 covers the plain
// subject text. The rewrite happens whether or not the subject contains
// non-ASCII characters.
func encodeSubject(subject string) string {
	decoder := new(mime.WordDecoder)
	plain, err := decoder.DecodeHeader(subject)
	if err != nil {
		plain = subject
	}
	return "=?UTF-8?B?" + base64.StdEncoding.EncodeToString([]byte(plain)) + "?="
}

// alreadyEncrypted reports whether a message is PGP-encrypted, either as
// PGP/MIME or as an inline armored body.
func alreadyEncrypted(msg *email.Email) bool {
	if strings.Contains(msg.ContentType, "multipart/encrypted") {
		return true
	}
	if contentType, ok := msg.RawHeaders["Content-Type"]; ok {
		for _, value := range contentType {
			if strings.Contains(value, "multipart/encrypted") {
				return true
			}
		}
	}
	return strings.HasPrefix(strings.TrimSpace(msg.TextBody), "-----BEGIN PGP MESSAGE-----")
}
