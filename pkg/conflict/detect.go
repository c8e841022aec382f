// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package conflict

import (
	"fmt"
	"time"

	"github.com/specforged/broker/pkg/operation"
)

// duplicateWindow bounds how recently two operations must have been
// submitted for a shared signature to count as duplicate_operation
// contention rather than an unrelated resubmission (spec.md §4.4:
// "within a short window").
const duplicateWindow = 30 * time.Second

// SpecExists reports whether a specId has a materialized directory;
// satisfied by *materializer.Materializer in production and a stub in
// tests.
type SpecExists func(specID string) bool

// Detector finds contention among a set of queued, non-terminal
// operations.
type Detector struct {
	SpecExists SpecExists
}

// New returns a Detector that consults specExists for
// resource_not_found detection.
func New(specExists SpecExists) *Detector {
	return &Detector{SpecExists: specExists}
}

// Detect runs every detection rule over ops and returns newly found
// conflicts. It does not mutate ops; the caller attaches resulting
// conflict ids.
func (d *Detector) Detect(ops []*operation.Operation) []*Conflict {
	var found []*Conflict
	found = append(found, d.detectDuplicates(ops)...)
	found = append(found, d.detectConcurrentModification(ops)...)
	found = append(found, d.detectDependencyCycles(ops)...)
	found = append(found, d.detectResourceNotFound(ops)...)
	return found
}

func nonTerminal(op *operation.Operation) bool {
	return !op.IsTerminal()
}

func (d *Detector) detectDuplicates(ops []*operation.Operation) []*Conflict {
	var conflicts []*Conflict
	bySignature := make(map[string][]*operation.Operation)
	for _, op := range ops {
		if !nonTerminal(op) {
			continue
		}
		bySignature[op.Signature()] = append(bySignature[op.Signature()], op)
	}
	for sig, group := range bySignature {
		if len(group) < 2 {
			continue
		}
		for i := 1; i < len(group); i++ {
			if group[i].Timestamp.Sub(group[0].Timestamp) > duplicateWindow {
				continue
			}
			conflicts = append(conflicts, newConflict(TypeDuplicateOperation, group[0].ResourcePath(),
				fmt.Sprintf("operations %s and %s share signature %s", group[0].ID, group[i].ID, sig[:8]),
				severityFor(TypeDuplicateOperation), group[0].ID, group[i].ID))
		}
	}
	return conflicts
}

func (d *Detector) detectConcurrentModification(ops []*operation.Operation) []*Conflict {
	var conflicts []*Conflict
	byResource := make(map[string][]*operation.Operation)
	for _, op := range ops {
		if !nonTerminal(op) || !contentChanging(op.Type) {
			continue
		}
		byResource[op.ResourcePath()] = append(byResource[op.ResourcePath()], op)
	}
	for resource, group := range byResource {
		if len(group) < 2 {
			continue
		}
		hasInProgress := false
		for _, op := range group {
			if op.Status == operation.StatusInProgress {
				hasInProgress = true
				break
			}
		}
		if !hasInProgress {
			continue
		}
		ids := make([]string, len(group))
		for i, op := range group {
			ids[i] = op.ID
		}
		conflicts = append(conflicts, newConflict(TypeConcurrentModification, resource,
			fmt.Sprintf("%d operations target %s while one is in_progress", len(group), resource),
			severityFor(TypeConcurrentModification), ids...))
	}
	return conflicts
}

// detectDependencyCycles walks the dependency graph induced by
// op.Dependencies, reporting a dependency_cycle conflict for the
// operation whose dependency edge closes each cycle found.
func (d *Detector) detectDependencyCycles(ops []*operation.Operation) []*Conflict {
	byID := make(map[string]*operation.Operation, len(ops))
	for _, op := range ops {
		if nonTerminal(op) {
			byID[op.ID] = op
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(byID))
	var conflicts []*Conflict
	reported := make(map[string]bool)

	var visit func(id string, path []string) bool
	visit = func(id string, path []string) bool {
		op, ok := byID[id]
		if !ok {
			return false
		}
		state[id] = visiting
		path = append(path, id)
		for _, dep := range op.Dependencies {
			switch state[dep] {
			case visiting:
				if !reported[id] {
					reported[id] = true
					conflicts = append(conflicts, newConflict(TypeDependencyCycle, op.ResourcePath(),
						fmt.Sprintf("dependency cycle closed by operation %s via %s", id, dep),
						severityFor(TypeDependencyCycle), append(append([]string(nil), path...), dep)...))
				}
				return true
			case unvisited:
				if visit(dep, path) {
					return true
				}
			}
		}
		state[id] = done
		return false
	}

	for id := range byID {
		if state[id] == unvisited {
			visit(id, nil)
		}
	}
	return conflicts
}

func (d *Detector) detectResourceNotFound(ops []*operation.Operation) []*Conflict {
	if d.SpecExists == nil {
		return nil
	}
	var conflicts []*Conflict
	for _, op := range ops {
		if !nonTerminal(op) {
			continue
		}
		if op.Type == operation.TypeCreateSpec || op.Params.SpecID == "" {
			continue
		}
		if d.SpecExists(op.Params.SpecID) {
			continue
		}
		conflicts = append(conflicts, newConflict(TypeResourceNotFound, op.ResourcePath(),
			fmt.Sprintf("operation %s targets specId %q with no materialized directory", op.ID, op.Params.SpecID),
			severityFor(TypeResourceNotFound), op.ID))
	}
	return conflicts
}
