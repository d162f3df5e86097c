package pgpmail

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shineum/pgp-proxy-lite/internal/email"
)

// Job is one outbound message being prepared for encrypted delivery. It
// wraps the message value rather than extending it: the adapter decorates a
// message with encryption, it is not a message itself. A Job is single-use
// and not safe for concurrent use; body and attachment buffers are owned
// exclusively by the job and overwritten in place.
type Job struct {
	adapter *Adapter
	msg     *email.Email
}

// NewJob wraps a message for encrypted delivery through this adapter.
func (a *Adapter) NewJob(msg *email.Email) *Job {
	return &Job{adapter: a, msg: msg}
}

// Message returns the wrapped message.
func (j *Job) Message() *email.Email {
	return j.msg
}

// AttachFile reads path fully into memory, encrypts it, and attaches the
// ciphertext. A missing or unreadable source is a logged no-op, not an
// error; engine failures do propagate. Returns the job for chaining.
//
// destName defaults to the source base name. mimeType names the original
// content type of the source; the attached part is always declared as a
// generic binary type because the ciphertext no longer matches the original.
func (j *Job) AttachFile(ctx context.Context, path, destName, mimeType string) (*Job, error) {
	if path == "" {
		slog.Warn("no attachment source given, skipping")
		return j, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("attachment source unreadable, skipping",
			"path", path,
			"error", err,
		)
		return j, nil
	}

	if destName == "" {
		destName = filepath.Base(path)
	}
	return j.AttachBytes(ctx, content, destName, mimeType)
}

// AttachBytes encrypts content and attaches the ciphertext under
// destName with a ".pgp" suffix. Empty content is a logged no-op.
func (j *Job) AttachBytes(ctx context.Context, content []byte, destName, mimeType string) (*Job, error) {
	if len(content) == 0 {
		slog.Warn("empty attachment source, skipping", "name", destName)
		return j, nil
	}
	if destName == "" {
		destName = "attachment"
	}

	ciphertext, err := j.adapter.encrypt(ctx, content)
	if err != nil {
		return j, fmt.Errorf("attachment encryption failed for %s: %w", destName, err)
	}

	name := destName + ".pgp"
	j.msg.Attachments = append(j.msg.Attachments, email.Attachment{
		Filename:         name,
		ContentType:      attachmentContentType(name),
		Content:          ciphertext,
		TransferEncoding: j.adapter.transferEncoding,
	})

	return j, nil
}

// attachmentContentType builds the exact header value used for encrypted
// attachments. The embedded newline, tab, and single quoting match the
// header-folding expectations of legacy mail composers that consume this
// relay's output.
func attachmentContentType(name string) string {
	return fmt.Sprintf("application/octet-stream;\n\tname='%s'\n", name)
}
