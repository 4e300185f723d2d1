package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/imap-to-telegram/model"
)

// Options captures the filtering configuration. Include and exclude rules
// are mutually exclusive.
type Options struct {
	IncludeSender  []string
	IncludeSubject []string
	IncludeBody    []string
	ExcludeSender  []string
	ExcludeSubject []string
	ExcludeBody    []string
}

// Filter decides which parsed messages are forwarded.
type Filter struct {
	includeMode    bool
	excludeMode    bool
	includeSender  []*regexp.Regexp
	includeSubject []*regexp.Regexp
	includeBody    []*regexp.Regexp
	excludeSender  []*regexp.Regexp
	excludeSubject []*regexp.Regexp
	excludeBody    []*regexp.Regexp
}

// New compiles the patterns in opts.
func New(opts Options) (*Filter, error) {
	f := &Filter{}
	fields := []struct {
		name     string
		patterns []string
		dst      *[]*regexp.Regexp
	}{
		{"include-sender", opts.IncludeSender, &f.includeSender},
		{"include-subject", opts.IncludeSubject, &f.includeSubject},
		{"include-body", opts.IncludeBody, &f.includeBody},
		{"exclude-sender", opts.ExcludeSender, &f.excludeSender},
		{"exclude-subject", opts.ExcludeSubject, &f.excludeSubject},
		{"exclude-body", opts.ExcludeBody, &f.excludeBody},
	}
	for _, field := range fields {
		compiled, err := compilePatterns(field.patterns)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern: %w", field.name, err)
		}
		*field.dst = compiled
	}

	f.includeMode = len(f.includeSender) > 0 || len(f.includeSubject) > 0 || len(f.includeBody) > 0
	f.excludeMode = len(f.excludeSender) > 0 || len(f.excludeSubject) > 0 || len(f.excludeBody) > 0
	if f.includeMode && f.excludeMode {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return f, nil
}

// Active reports whether any rule is configured.
func (f *Filter) Active() bool {
	return f != nil && (f.includeMode || f.excludeMode)
}

// Allows returns true if the message passes the filter criteria. A nil
// Filter allows everything.
func (f *Filter) Allows(p model.ParsedEmail) bool {
	if f == nil {
		return true
	}

	if f.includeMode {
		return matchAny(f.includeSender, p.Sender) ||
			matchAny(f.includeSubject, p.Subject) ||
			matchAny(f.includeBody, p.Body)
	}

	if f.excludeMode {
		if matchAny(f.excludeSender, p.Sender) ||
			matchAny(f.excludeSubject, p.Subject) ||
			matchAny(f.excludeBody, p.Body) {
			return false
		}
	}

	return true
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
