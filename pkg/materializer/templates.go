// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package materializer

import "fmt"

// requirementsTemplate seeds requirements.md with an empty user-story
// section that add_user_story appends to.
func requirementsTemplate(name string) string {
	return fmt.Sprintf(`# Requirements

%s

## User Stories

<!-- add_user_story appends "## User Story US-<NNN>" blocks below this line -->
`, name)
}

// designTemplate seeds design.md.
func designTemplate(name string) string {
	return fmt.Sprintf(`# Design

%s

## Approach

<!-- describe the technical approach here -->
`, name)
}

// tasksTemplate seeds tasks.md with a reminder of the checkbox task-line
// format that update_task_status edits, embedded the way the teacher's
// pkg/tools/schema.go embeds reference documentation: as a constant
// string shipped alongside the generated content.
func tasksTemplate(name string) string {
	return fmt.Sprintf(`# Tasks

%s

<!--
Tasks are tracked as checkbox lines: "- [ ] <number>. <description>".
update_task_status flips the checkbox for a given task number.
-->
`, name)
}
