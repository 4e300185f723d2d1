package model

import "errors"

// Error kinds shared by every stage of a poll cycle. Operations wrap one of
// them together with the underlying cause, callers branch with errors.Is.
var (
	ErrConnection   = errors.New("mailbox unreachable")
	ErrAuth         = errors.New("mailbox authentication rejected")
	ErrFetch        = errors.New("mailbox fetch failed")
	ErrDecode       = errors.New("message decode failed")
	ErrDispatch     = errors.New("notification send failed")
	ErrSessionAbort = errors.New("mailbox session aborted")
)
