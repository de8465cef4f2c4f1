// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"strings"
	"testing"
)

func TestValidateParticipantID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid ids
		{"generated", "p_k3j2h1g0f", false},
		{"prolific style", "5f8a9c0d1e2b3a4c5d6e7f80", false},
		{"hyphenated", "PROLIFIC-42", false},
		{"single char", "x", false},
		{"max length", strings.Repeat("a", MaxParticipantIDLen), false},

		// Invalid ids
		{"empty", "", true},
		{"too long", strings.Repeat("a", MaxParticipantIDLen+1), true},
		{"path traversal", "../etc/passwd", true},
		{"key separator", "p_1:stage", true},
		{"spaces", "p 1", true},
		{"newline", "p_1\n", true},
		{"unicode", "p_ünï", true},
		{"sql quote", "p_1'--", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParticipantID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateParticipantID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeParticipantID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		want    string
		wantErr bool
	}{
		{"passthrough", "p_abc", "p_abc", false},
		{"trimmed", "  p_abc\t", "p_abc", false},
		{"case preserved", "P_AbC", "P_AbC", false},
		{"blank rejected", "   ", "", true},
		{"invalid rejected", "p/abc", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeParticipantID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SanitizeParticipantID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SanitizeParticipantID(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func FuzzValidateParticipantID(f *testing.F) {
	for _, seed := range []string{"p_abc", "", "../x", "a:b"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, id string) {
		if ValidateParticipantID(id) != nil {
			return
		}
		if strings.ContainsAny(id, ":/.\\ \n\x00") {
			t.Fatalf("accepted unsafe id %q", id)
		}
	})
}
