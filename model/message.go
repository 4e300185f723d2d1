package model

import "strings"

// MessageID identifies one message within a mailbox session. For IMAP it is
// the message UID, for mbox replay the 1-based position in the file.
type MessageID uint32

// RawMessage is one RFC 5322 message exactly as fetched from the mailbox.
type RawMessage []byte

// ParsedEmail is the decoded view of a RawMessage used to build a
// notification.
type ParsedEmail struct {
	Sender  string
	Subject string
	Body    string
}

// FormattedMessage is the notification text handed to the dispatcher.
type FormattedMessage string

// RecipientSet lists chat destinations in configuration order. Blank entries
// are kept so the dispatcher can skip them.
type RecipientSet []string

// ParseRecipients splits a comma separated list, trimming each entry.
func ParseRecipients(list string) RecipientSet {
	if strings.TrimSpace(list) == "" {
		return nil
	}
	parts := strings.Split(list, ",")
	out := make(RecipientSet, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// Valid returns the non-blank entries.
func (r RecipientSet) Valid() []string {
	out := make([]string, 0, len(r))
	for _, id := range r {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
