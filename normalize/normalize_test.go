package normalize

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/imap-to-telegram/model"
)

func rawMessage(lines ...string) model.RawMessage {
	return model.RawMessage(strings.Join(lines, "\r\n"))
}

func TestFormat_PlainMessage(t *testing.T) {
	raw := rawMessage(
		"From: a@x.com",
		"Subject: Hi",
		"",
		"Hello",
		"",
	)

	text, warnings := Format(raw)
	require.Empty(t, warnings)

	assert.Contains(t, string(text), "От: a@x.com")
	assert.Contains(t, string(text), "Тема: Hi")
	assert.Contains(t, string(text), "```Hello```")
	assert.True(t, strings.HasPrefix(string(text), "*Новое письмо*\n\n"))
}

func TestParse_PrefersPlainOverHTML(t *testing.T) {
	raw := rawMessage(
		"From: Sender <s@example.com>",
		"Subject: Both",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		`Content-Type: text/html; charset="utf-8"`,
		"",
		"<p>html version</p>",
		"--b1",
		`Content-Type: text/plain; charset="utf-8"`,
		"",
		"plain version",
		"--b1--",
		"",
	)

	parsed, warnings := Parse(raw)
	require.Empty(t, warnings)
	assert.Equal(t, "plain version", parsed.Body)
	assert.Equal(t, "Sender <s@example.com>", parsed.Sender)
}

func TestParse_HTMLFallbackKeepsLinks(t *testing.T) {
	raw := rawMessage(
		"From: news@example.com",
		"Subject: Digest",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		`Content-Type: text/html; charset="utf-8"`,
		"",
		`<html><body><h1>Weekly</h1><p>Read <a href="https://example.com/post">the post</a></p></body></html>`,
		"--b1--",
		"",
	)

	parsed, warnings := Parse(raw)
	require.Empty(t, warnings)
	assert.Contains(t, parsed.Body, "https://example.com/post")
	assert.Contains(t, parsed.Body, "Weekly")
	assert.NotContains(t, parsed.Body, "<a")
	assert.NotContains(t, parsed.Body, "<p>")
}

func TestParse_SinglePartDecodedDirectly(t *testing.T) {
	raw := rawMessage(
		"From: a@x.com",
		"Subject: html only",
		`Content-Type: text/html; charset="utf-8"`,
		"",
		"<p>kept as is</p>",
	)

	parsed, warnings := Parse(raw)
	require.Empty(t, warnings)
	assert.Equal(t, "<p>kept as is</p>", parsed.Body)
}

func TestParse_DepthFirstFirstMatchWins(t *testing.T) {
	raw := rawMessage(
		"From: a@x.com",
		"Subject: nested",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="outer"`,
		"",
		"--outer",
		`Content-Type: multipart/alternative; boundary="inner"`,
		"",
		"--inner",
		"Content-Type: text/plain",
		"",
		"first",
		"--inner--",
		"--outer",
		"Content-Type: text/plain",
		"",
		"second",
		"--outer--",
		"",
	)

	parsed, warnings := Parse(raw)
	require.Empty(t, warnings)
	assert.Equal(t, "first", parsed.Body)
}

func TestParse_SkipsAttachments(t *testing.T) {
	raw := rawMessage(
		"From: a@x.com",
		"Subject: report",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="m"`,
		"",
		"--m",
		"Content-Type: text/plain",
		`Content-Disposition: attachment; filename="notes.txt"`,
		"",
		"attached notes",
		"--m",
		"Content-Type: text/html",
		"",
		"<p>inline html</p>",
		"--m--",
		"",
	)

	parsed, _ := Parse(raw)
	assert.Equal(t, "inline html", parsed.Body)
}

func TestParse_DecodesCharsets(t *testing.T) {
	raw := rawMessage(
		"From: =?koi8-r?B?8NLJ18XU?= <ivan@example.ru>",
		"Subject: =?UTF-8?B?0J/RgNC40LLQtdGC?=",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b"`,
		"",
		"--b",
		"Content-Type: text/plain; charset=windows-1251",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"=C7=E4=F0=E0=E2=F1=F2=E2=F3=E9=F2=E5, =EC=E8=F0",
		"--b--",
		"",
	)

	parsed, warnings := Parse(raw)
	require.Empty(t, warnings)
	assert.Equal(t, "Привет <ivan@example.ru>", parsed.Sender)
	assert.Equal(t, "Привет", parsed.Subject)
	assert.Equal(t, "Здравствуйте, мир", parsed.Body)
}

func TestParse_UnknownCharsetIsNonFatal(t *testing.T) {
	raw := rawMessage(
		"From: a@x.com",
		"Subject: =?x-no-such-charset?Q?abc?=",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b"`,
		"",
		"--b",
		"Content-Type: text/plain; charset=x-no-such-charset",
		"",
		"unreadable",
		"--b",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>readable</p>",
		"--b--",
		"",
	)

	parsed, warnings := Parse(raw)
	require.NotEmpty(t, warnings)
	for _, w := range warnings {
		assert.True(t, errors.Is(w, model.ErrDecode), "warning %v should wrap ErrDecode", w)
	}
	assert.Equal(t, "", parsed.Subject)
	assert.Equal(t, "a@x.com", parsed.Sender)
	assert.Equal(t, "readable", parsed.Body)
}

func TestParse_DoesNotMutateInput(t *testing.T) {
	raw := rawMessage(
		"From: a@x.com",
		"Subject: Hi",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVsbG8=",
	)
	original := bytes.Clone(raw)

	parsed, _ := Parse(raw)
	assert.Equal(t, "Hello", parsed.Body)
	assert.Equal(t, original, []byte(raw))
}

func TestRender_TruncatesToLimit(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "ascii", body: strings.Repeat("a", 5000)},
		{name: "cyrillic", body: strings.Repeat("я", 5000)},
		{name: "just over", body: strings.Repeat("b", MaxMessageLength)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := string(Render(model.ParsedEmail{Sender: "a@x.com", Subject: "long", Body: tt.body}))

			assert.Equal(t, MaxMessageLength, utf8.RuneCountInString(text))
			assert.True(t, utf8.ValidString(text))
			assert.True(t, strings.HasSuffix(text, "\n..."+"```"))
			assert.Contains(t, text, "От: a@x.com")
		})
	}
}

func TestRender_ShortMessageUntouched(t *testing.T) {
	text := string(Render(model.ParsedEmail{Sender: "a@x.com", Subject: "s", Body: "  body \n"}))
	assert.Equal(t, "*Новое письмо*\n\nОт: a@x.com\nТема: s\n\n```body```", text)
}

func TestRender_EscapesHeaderAndBody(t *testing.T) {
	text := string(Render(model.ParsedEmail{
		Sender:  "john_doe@x.com",
		Subject: "*sale* [now]",
		Body:    "run `make`",
	}))

	assert.Contains(t, text, `От: john\_doe@x.com`)
	assert.Contains(t, text, `Тема: \*sale\* \[now]`)
	assert.Contains(t, text, "```run 'make'```")
}

func TestRender_EmptyBody(t *testing.T) {
	text := string(Render(model.ParsedEmail{Sender: "a@x.com"}))
	assert.True(t, strings.HasSuffix(text, "```"+emptyBody+"```"))
}

func TestRender_LongHeadersStayWithinLimit(t *testing.T) {
	text := string(Render(model.ParsedEmail{
		Sender:  strings.Repeat("_", 3000),
		Subject: strings.Repeat("*", 3000),
		Body:    strings.Repeat("x", 3000),
	}))
	assert.LessOrEqual(t, utf8.RuneCountInString(text), MaxMessageLength)
	assert.True(t, strings.HasSuffix(text, "```"))
}

func TestDecodeBytes(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		charset string
		want    string
		wantErr bool
	}{
		{name: "no charset", raw: []byte("hello"), charset: "", want: "hello"},
		{name: "utf-8", raw: []byte("привет"), charset: "UTF-8", want: "привет"},
		{name: "invalid utf-8 dropped", raw: []byte{'o', 'k', 0xff}, charset: "", want: "ok"},
		{name: "windows-1251", raw: []byte{0xd2, 0xe5, 0xf1, 0xf2}, charset: "windows-1251", want: "Тест"},
		{name: "koi8-r", raw: []byte{0xf4, 0xc5, 0xd3, 0xd4}, charset: "koi8-r", want: "Тест"},
		{name: "gbk", raw: []byte{0xc4, 0xe3, 0xba, 0xc3}, charset: "GBK", want: "你好"},
		{name: "unknown", raw: []byte("x"), charset: "x-no-such-charset", want: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBytes(tt.raw, tt.charset)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, model.ErrDecode)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeHeader(t *testing.T) {
	got, err := DecodeHeader("=?UTF-8?B?0J/RgNC40LLQtdGC?= world")
	require.NoError(t, err)
	assert.Equal(t, "Привет world", got)

	got, err = DecodeHeader("plain value")
	require.NoError(t, err)
	assert.Equal(t, "plain value", got)
}

func TestFormat_UnparsableHeaderDropsControlBytes(t *testing.T) {
	text, warnings := Format(model.RawMessage("\x00\x01not a mail at all"))
	require.NotEmpty(t, warnings)
	assert.True(t, strings.HasSuffix(string(text), "```not a mail at all```"))
	assert.NotContains(t, string(text), "\x00")
	assert.NotContains(t, string(text), "\x01")
}

func TestRender_StripsControlCharacters(t *testing.T) {
	text := string(Render(model.ParsedEmail{
		Sender:  "a@x.com\x1b",
		Subject: "bell\x07 ring",
		Body:    "line one\r\nline\x00 two\tend\u0085",
	}))

	assert.Equal(t, "*Новое письмо*\n\nОт: a@x.com\nТема: bell ring\n\n```line one\nline two\tend```", text)
}
