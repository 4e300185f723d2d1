package normalize

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/dhcgn/imap-to-telegram/model"
)

func init() {
	// Chinese providers label bodies gbk or gb2312, which go-message does not
	// know about on its own.
	charset.RegisterEncoding("gbk", simplifiedchinese.GBK)
	charset.RegisterEncoding("gb2312", simplifiedchinese.GBK)
}

var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(label string, input io.Reader) (io.Reader, error) {
		raw, err := io.ReadAll(input)
		if err != nil {
			return nil, err
		}
		text, err := DecodeBytes(raw, label)
		if err != nil {
			return nil, err
		}
		return strings.NewReader(text), nil
	},
}

// DecodeBytes converts raw text in the declared charset to UTF-8. An empty
// label means UTF-8. Invalid sequences are dropped. On failure the returned
// string is empty and the error wraps model.ErrDecode.
func DecodeBytes(raw []byte, declaredCharset string) (string, error) {
	label := strings.ToLower(strings.TrimSpace(declaredCharset))
	switch label {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return strings.ToValidUTF8(string(raw), ""), nil
	}

	r, err := charset.Reader(label, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: charset %q: %w", model.ErrDecode, declaredCharset, err)
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: charset %q: %w", model.ErrDecode, declaredCharset, err)
	}
	return strings.ToValidUTF8(string(decoded), ""), nil
}

// DecodeHeader decodes RFC 2047 encoded-words in a header value.
func DecodeHeader(value string) (string, error) {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return "", fmt.Errorf("%w: header %q: %w", model.ErrDecode, value, err)
	}
	return strings.TrimSpace(strings.ToValidUTF8(decoded, "")), nil
}

// decodePart reads one leaf entity. go-message has already undone the
// transfer encoding and, when a known charset was declared, converted the
// body to UTF-8; walkErr carries its complaint when it could not.
func decodePart(e *message.Entity, walkErr error) (string, error) {
	if walkErr != nil {
		return "", fmt.Errorf("%w: %w", model.ErrDecode, walkErr)
	}
	body, err := io.ReadAll(e.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read body: %w", model.ErrDecode, err)
	}
	return DecodeBytes(body, "")
}
