package message

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes  = 4096 // 4KB max text size
	MaxTextChars     = 2000 // max character count
	MaxFilenameBytes = 255
)

// ErrInvalidBody wraps every body validation failure.
var ErrInvalidBody = errors.New("message: invalid body")

// ValidateText checks that a text body meets content requirements.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message text is empty", ErrInvalidBody)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrInvalidBody, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalidBody)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrInvalidBody, MaxTextChars)
	}
	return nil
}

// ValidateAttachment checks that all attachment metadata is present.
func ValidateAttachment(a *Attachment) error {
	switch {
	case a.URL == "":
		return fmt.Errorf("%w: attachment url is empty", ErrInvalidBody)
	case a.Filename == "":
		return fmt.Errorf("%w: attachment filename is empty", ErrInvalidBody)
	case a.Mimetype == "":
		return fmt.Errorf("%w: attachment media type is empty", ErrInvalidBody)
	case len(a.Filename) > MaxFilenameBytes:
		return fmt.Errorf("%w: attachment filename exceeds %d bytes", ErrInvalidBody, MaxFilenameBytes)
	}
	return nil
}

// ValidateBody enforces text XOR attachment.
func ValidateBody(b Body) error {
	if b.File != nil && b.Text != "" {
		return fmt.Errorf("%w: message has both text and attachment", ErrInvalidBody)
	}
	if b.File != nil {
		return ValidateAttachment(b.File)
	}
	return ValidateText(b.Text)
}
