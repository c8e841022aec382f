// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package materializer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// userStoryHeadingRe matches "## User Story US-<NNN>" headings so
// AddUserStory can determine the next US number (spec.md §4.2: "renumber
// US- using current count+1").
var userStoryHeadingRe = regexp.MustCompile(`^## User Story US-(\d+)`)

// AddUserStory appends a new user-story block to requirements.md,
// formatting each acceptance criterion in EARS style (spec.md §4.2,
// glossary: WHEN/IF…THEN/WHILE/WHERE/THE SYSTEM SHALL).
func (m *Materializer) AddUserStory(specID, asA, iWant, soThat string, requirements []string) error {
	if _, err := m.readSpecRecord(specID); err != nil {
		return err
	}

	path := filepath.Join(m.SpecDir(specID), "requirements.md")
	data, err := os.ReadFile(path) //nolint:gosec // path derived from validated specID under the workspace root
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	next := nextUserStoryNumber(string(data))
	block := formatUserStory(next, asA, iWant, soThat, requirements)

	content := strings.TrimRight(string(data), "\n") + "\n\n" + block + "\n"
	return os.WriteFile(path, []byte(content), 0600)
}

func nextUserStoryNumber(content string) int {
	max := 0
	for _, line := range strings.Split(content, "\n") {
		m := userStoryHeadingRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n := 0
		fmt.Sscanf(m[1], "%d", &n)
		if n > max {
			max = n
		}
	}
	return max + 1
}

func formatUserStory(number int, asA, iWant, soThat string, requirements []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## User Story US-%03d\n\n", number)
	fmt.Fprintf(&b, "As a %s, I want %s, so that %s.\n\n", asA, iWant, soThat)
	if len(requirements) > 0 {
		b.WriteString("### Acceptance Criteria\n\n")
		for i, req := range requirements {
			fmt.Fprintf(&b, "- [US-%03d-R%02d] %s\n", number, i+1, formatEARS(req))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatEARS renders a raw acceptance-criterion condition in EARS style:
// "<condition> THE SYSTEM SHALL <response>". If the caller's text
// already contains an EARS trigger keyword (WHEN/IF/WHILE/WHERE) and
// "SHALL", it is passed through unchanged; otherwise it is wrapped.
func formatEARS(requirement string) string {
	upper := strings.ToUpper(requirement)
	hasTrigger := strings.Contains(upper, "WHEN ") || strings.Contains(upper, "IF ") ||
		strings.Contains(upper, "WHILE ") || strings.Contains(upper, "WHERE ")
	if hasTrigger && strings.Contains(upper, "SHALL") {
		return requirement
	}
	return fmt.Sprintf("WHEN %s THE SYSTEM SHALL satisfy this condition", requirement)
}
