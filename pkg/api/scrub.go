// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"regexp"
	"sync"
)

// Redaction replaces every match of Pattern with Replacement.
type Redaction struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// DefaultRedactions covers credentials and personal data that can end up
// in error text: auth headers, tokens, e-mail addresses, card numbers and
// home directory paths.
func DefaultRedactions() []Redaction {
	return []Redaction{
		{
			Name:        "bearer_token",
			Pattern:     regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.=]+`),
			Replacement: "Bearer [TOKEN_REDACTED]",
		},
		{
			Name:        "jwt",
			Pattern:     regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			Replacement: "[JWT_REDACTED]",
		},
		{
			Name:        "api_key",
			Pattern:     regexp.MustCompile(`(?i)(api[_\-]?key|secret[_\-]?key|auth[_\-]?token|access[_\-]?token)([=:\s]+)["']?[a-zA-Z0-9_\-]{16,}["']?`),
			Replacement: "${1}${2}[KEY_REDACTED]",
		},
		{
			Name:        "url_credentials",
			Pattern:     regexp.MustCompile(`://[^:/@\s]+:[^@/\s]+@`),
			Replacement: "://[CREDENTIALS_REDACTED]@",
		},
		{
			Name:        "email",
			Pattern:     regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
			Replacement: "[EMAIL_REDACTED]",
		},
		{
			Name:        "card_number",
			Pattern:     regexp.MustCompile(`\b(?:\d{4}[\s\-]?){3}\d{4}\b`),
			Replacement: "[CARD_REDACTED]",
		},
		{
			Name:        "home_path",
			Pattern:     regexp.MustCompile(`/(?:Users|home)/[a-zA-Z0-9_\-.]+/`),
			Replacement: "/[HOME]/",
		},
	}
}

// Scrubber removes sensitive substrings from text before it leaves the
// process.
//
// # Thread Safety
//
// Safe for concurrent use.
type Scrubber struct {
	mu         sync.RWMutex
	redactions []Redaction
	counts     map[string]int64
}

// NewScrubber applies redactions in order. With none given it uses
// DefaultRedactions.
func NewScrubber(redactions ...Redaction) *Scrubber {
	if len(redactions) == 0 {
		redactions = DefaultRedactions()
	}
	return &Scrubber{
		redactions: redactions,
		counts:     make(map[string]int64),
	}
}

// Add appends a redaction. It runs after the existing ones.
func (s *Scrubber) Add(r Redaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redactions = append(s.redactions, r)
}

// Scrub returns text with every redaction applied.
func (s *Scrubber) Scrub(text string) string {
	if text == "" {
		return text
	}
	s.mu.RLock()
	redactions := s.redactions
	s.mu.RUnlock()

	hits := make(map[string]int64)
	for _, r := range redactions {
		if n := len(r.Pattern.FindAllStringIndex(text, -1)); n > 0 {
			hits[r.Name] += int64(n)
			text = r.Pattern.ReplaceAllString(text, r.Replacement)
		}
	}

	if len(hits) > 0 {
		s.mu.Lock()
		for name, n := range hits {
			s.counts[name] += n
		}
		s.mu.Unlock()
	}
	return text
}

// Counts returns the number of redactions made so far, by name.
func (s *Scrubber) Counts() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// scrubReport applies s to every free-text field of r.
func (s *Scrubber) scrubReport(r ClientError) ClientError {
	r.Message = s.Scrub(r.Message)
	r.Stack = s.Scrub(r.Stack)
	r.URL = s.Scrub(r.URL)
	return r
}
