// Package email defines the core email data model used throughout the proxy.
package email

// Email represents a parsed email message with all its components.
//
// ContentType and TransferEncoding describe the top-level body part. They are
// normally empty (providers pick sensible defaults) but the encryption stage
// sets them explicitly, because ASCII-armored OpenPGP output must be shipped
// exactly as produced.
type Email struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string

	// ContentType overrides the body content type (e.g. "text/plain; charset=UTF-8").
	ContentType string

	// TransferEncoding overrides the body content-transfer-encoding (e.g. "7bit").
	TransferEncoding string

	// DisableWrap disables any line-length rewrapping of the body. Armored
	// ciphertext carries a CRC over its exact text; rewrapping breaks it.
	DisableWrap bool
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte

	// TransferEncoding, when set, tells providers how the content is already
	// encoded instead of applying their default base64 encoding.
	TransferEncoding string
}
