// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for identifiers that end up
// in storage keys and URLs.
//
// Participant ids come from recruitment platforms and request paths. They
// become badger key segments and sqlite values, so only a small character
// set is accepted.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxParticipantIDLen bounds participant ids.
const MaxParticipantIDLen = 64

var participantPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateParticipantID checks that id is 1-64 ASCII letters, digits,
// underscores or hyphens.
//
// Example:
//
//	if err := validation.ValidateParticipantID(id); err != nil {
//	    return err
//	}
func ValidateParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("participant id cannot be empty")
	}
	if !participantPattern.MatchString(id) {
		return fmt.Errorf("invalid participant id: %q (must be 1-%d letters, digits, underscores, or hyphens)",
			id, MaxParticipantIDLen)
	}
	return nil
}

// SanitizeParticipantID trims surrounding whitespace and validates the
// result. Case is preserved; "P_ab" and "p_ab" are different participants.
func SanitizeParticipantID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateParticipantID(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
