// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package operation

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	kerrors "github.com/specforged/broker/internal/errors"
)

// Limits from spec.md §4.3.
const (
	MaxNameLen        = 100
	MaxDescriptionLen = 500
	MaxContentLen     = 100000

	baseBackoffMs = 1000
	maxBackoffMs  = 60000
)

// Intent is what an external caller submits to the broker (spec.md §6,
// "Operation submission API"): an un-assigned operation waiting on
// factory validation and id/timestamp assignment.
type Intent struct {
	Type         Type
	Params       Params
	Priority     Priority
	Source       Source
	Dependencies []string
}

// Validate checks an Intent's params against the field rules in spec.md
// §4.3, returning a single VALIDATION_ERROR naming every offending
// field (not just the first).
func Validate(intent Intent) error {
	var problems []string
	p := intent.Params

	switch intent.Type {
	case TypeCreateSpec:
		problems = append(problems, validateName(p.Name)...)
		problems = append(problems, validateDescription(p.Description)...)
		if p.SpecID != "" {
			problems = append(problems, validateSpecID(p.SpecID)...)
		}
	case TypeUpdateRequirements, TypeUpdateDesign, TypeUpdateTasks:
		problems = append(problems, validateSpecID(p.SpecID)...)
		problems = append(problems, validateContent(p.Content)...)
	case TypeUpdateTaskStatus:
		problems = append(problems, validateSpecID(p.SpecID)...)
		if strings.TrimSpace(p.TaskNumber) == "" {
			problems = append(problems, "taskNumber: must not be empty")
		}
		switch p.TaskStatus {
		case "pending", "in_progress", "completed":
		default:
			problems = append(problems, fmt.Sprintf("status: %q is not one of pending, in_progress, completed", p.TaskStatus))
		}
	case TypeAddUserStory:
		problems = append(problems, validateSpecID(p.SpecID)...)
		if strings.TrimSpace(p.AsA) == "" {
			problems = append(problems, "asA: must not be empty")
		}
		if strings.TrimSpace(p.IWant) == "" {
			problems = append(problems, "iWant: must not be empty")
		}
		if strings.TrimSpace(p.SoThat) == "" {
			problems = append(problems, "soThat: must not be empty")
		}
	case TypeDeleteSpec, TypeSetCurrentSpec:
		problems = append(problems, validateSpecID(p.SpecID)...)
	case TypeFileCreate, TypeFileWrite, TypeDirectoryCreate:
		problems = append(problems, validatePath(p.Path)...)
		if intent.Type == TypeFileWrite {
			problems = append(problems, validateContent(p.Content)...)
		}
	case TypeFileDelete:
		problems = append(problems, validatePath(p.Path)...)
	case TypeSyncStatus, TypeHeartbeat:
		// no params to validate
	default:
		problems = append(problems, fmt.Sprintf("type: %q is not a recognized operation type", intent.Type))
	}

	if len(problems) > 0 {
		return kerrors.NewValidationError(strings.Join(problems, "; "),
			"fix the listed fields and resubmit", nil)
	}
	return nil
}

func validateName(name string) []string {
	if name == "" {
		return []string{"name: must not be empty"}
	}
	if len(name) > MaxNameLen {
		return []string{fmt.Sprintf("name: exceeds %d characters", MaxNameLen)}
	}
	return nil
}

func validateDescription(desc string) []string {
	if len(desc) > MaxDescriptionLen {
		return []string{fmt.Sprintf("description: exceeds %d characters", MaxDescriptionLen)}
	}
	return nil
}

func validateContent(content string) []string {
	if content == "" {
		return []string{"content: must not be empty"}
	}
	if len(content) > MaxContentLen {
		return []string{fmt.Sprintf("content: exceeds %d characters", MaxContentLen)}
	}
	return nil
}

func validateSpecID(specID string) []string {
	if specID == "" {
		return []string{"specId: must not be empty"}
	}
	for _, r := range specID {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' {
			return []string{"specId: must match ^[a-z0-9-]+$"}
		}
	}
	return nil
}

func validatePath(path string) []string {
	if path == "" {
		return []string{"path: must not be empty"}
	}
	for _, part := range strings.Split(filepathClean(path), "/") {
		if part == ".." {
			return []string{"path: must not contain '..' segments"}
		}
	}
	return nil
}

// filepathClean splits on both separators without pulling in path/filepath,
// since validation here only needs to reject ".." segments, not resolve
// the path against the workspace root (the materializer does that).
func filepathClean(path string) string {
	return strings.ReplaceAll(path, "\\", "/")
}

// NextRetryAt computes the exponential backoff with jitter described in
// spec.md §4.3: base * 2^retryCount, capped at maxBackoffMs, plus jitter
// in [0, baseMs/2).
func NextRetryAt(now time.Time, retryCount int) time.Time {
	backoff := float64(baseBackoffMs) * pow2(retryCount)
	if backoff > maxBackoffMs {
		backoff = maxBackoffMs
	}
	jitter := rand.Float64() * (baseBackoffMs / 2) //nolint:gosec // timing jitter, not security-sensitive
	return now.Add(time.Duration(backoff+jitter) * time.Millisecond)
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

// DeriveSpecID slugifies a spec name per spec.md §4.2: lowercase, strip
// non-alphanumerics other than spaces/hyphens, collapse whitespace to
// single hyphens, trim leading/trailing hyphens.
func DeriveSpecID(name string) string {
	lower := strings.ToLower(name)
	var b strings.Builder
	lastWasSpace := false
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastWasSpace = false
		case r == ' ' || r == '-' || r == '\t' || r == '\n':
			if !lastWasSpace {
				b.WriteRune('-')
				lastWasSpace = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
