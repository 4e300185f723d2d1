// Package normalize turns a raw mail message into the notification text sent
// to chat recipients. It performs no I/O: decode problems are returned as
// warnings and the affected field is left empty.
package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/emersion/go-message"

	"github.com/dhcgn/imap-to-telegram/model"
)

const (
	// MaxMessageLength is the chat channel's message size limit in characters.
	MaxMessageLength = 4096

	maxFieldLength   = 512
	blockMarker      = "```"
	truncationSuffix = "\n..." + blockMarker
	emptyBody        = "(без текста)"
)

var errBodyFound = errors.New("plain text body found")

// Format parses raw and renders the notification text.
func Format(raw model.RawMessage) (model.FormattedMessage, []error) {
	parsed, warnings := Parse(raw)
	return Render(parsed), warnings
}

// Parse decodes sender, subject and the preferred body of raw. It never
// fails; every problem is reported in the returned slice and wraps
// model.ErrDecode.
func Parse(raw model.RawMessage) (model.ParsedEmail, []error) {
	var warnings []error

	entity, err := message.Read(bytes.NewReader(raw))
	if entity == nil {
		text, _ := DecodeBytes(raw, "")
		warnings = append(warnings, fmt.Errorf("%w: parse message: %w", model.ErrDecode, err))
		return model.ParsedEmail{Body: strings.TrimSpace(text)}, warnings
	}

	parsed := model.ParsedEmail{
		Sender:  headerField(entity.Header, "From", &warnings),
		Subject: headerField(entity.Header, "Subject", &warnings),
	}

	mediaType, _, _ := entity.Header.ContentType()
	if !strings.HasPrefix(mediaType, "multipart/") {
		body, decodeErr := decodePart(entity, err)
		if decodeErr != nil {
			warnings = append(warnings, fmt.Errorf("body: %w", decodeErr))
		}
		parsed.Body = strings.TrimSpace(body)
		return parsed, warnings
	}

	body, bodyWarnings := selectBody(entity)
	parsed.Body = body
	return parsed, append(warnings, bodyWarnings...)
}

func headerField(h message.Header, key string, warnings *[]error) string {
	value, err := DecodeHeader(h.Get(key))
	if err != nil {
		*warnings = append(*warnings, fmt.Errorf("%s header: %w", key, err))
	}
	return value
}

// selectBody walks a multipart entity depth-first. The first non-empty
// text/plain part wins; without one, the first non-empty text/html part is
// converted to text.
func selectBody(root *message.Entity) (string, []error) {
	var (
		plain, html string
		warnings    []error
	)

	walkErr := root.Walk(func(path []int, part *message.Entity, err error) error {
		if part == nil {
			return nil
		}
		mediaType, _, _ := part.Header.ContentType()
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}
		if disposition, _, _ := part.Header.ContentDisposition(); disposition == "attachment" {
			return nil
		}

		switch {
		case mediaType == "text/plain" || mediaType == "":
			text, decodeErr := decodePart(part, err)
			if decodeErr != nil {
				warnings = append(warnings, fmt.Errorf("text/plain part %v: %w", path, decodeErr))
			}
			if text = strings.TrimSpace(text); text != "" {
				plain = text
				return errBodyFound
			}
		case mediaType == "text/html" && html == "":
			text, decodeErr := decodePart(part, err)
			if decodeErr != nil {
				warnings = append(warnings, fmt.Errorf("text/html part %v: %w", path, decodeErr))
			}
			html = text
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errBodyFound) {
		warnings = append(warnings, fmt.Errorf("%w: walk parts: %w", model.ErrDecode, walkErr))
	}

	if plain != "" {
		return plain, warnings
	}
	if strings.TrimSpace(html) == "" {
		return "", warnings
	}

	text, err := HTMLToText(html)
	if err != nil {
		warnings = append(warnings, err)
		return "", warnings
	}
	return text, warnings
}

// HTMLToText renders HTML as Markdown flavoured text, keeping link targets
// inline.
func HTMLToText(html string) (string, error) {
	text, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("%w: html to text: %w", model.ErrDecode, err)
	}
	return strings.TrimSpace(text), nil
}

// Render builds the notification from the fixed template. The result never
// exceeds MaxMessageLength characters; a body that does not fit is cut and
// the code block is closed again.
func Render(p model.ParsedEmail) model.FormattedMessage {
	var head strings.Builder
	head.WriteString("*Новое письмо*\n\n")
	head.WriteString("От: " + escapeMarkdown(clip(stripControl(p.Sender), maxFieldLength)) + "\n")
	head.WriteString("Тема: " + escapeMarkdown(clip(stripControl(p.Subject), maxFieldLength)) + "\n\n")
	head.WriteString(blockMarker)

	// A backtick inside the block would end it early.
	body := strings.ReplaceAll(strings.TrimSpace(stripControl(p.Body)), "`", "'")
	if body == "" {
		body = emptyBody
	}

	text := head.String() + body + blockMarker
	if utf8.RuneCountInString(text) <= MaxMessageLength {
		return model.FormattedMessage(text)
	}

	budget := MaxMessageLength - utf8.RuneCountInString(head.String()) - utf8.RuneCountInString(truncationSuffix)
	return model.FormattedMessage(head.String() + clip(body, budget) + truncationSuffix)
}

// stripControl drops control characters except newlines and tabs. CRLF
// becomes LF.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, s)
}

func clip(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

var markdownEscaper = strings.NewReplacer(
	`_`, `\_`,
	`*`, `\*`,
	"`", "\\`",
	`[`, `\[`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
