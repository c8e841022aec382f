// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package conflict

import (
	"fmt"
	"time"

	kerrors "github.com/specforged/broker/internal/errors"
	"github.com/specforged/broker/pkg/operation"
)

// Resolver applies the ordered resolution strategies of spec.md §4.4 to
// newly detected conflicts, given the full set of queued operations so
// it can mutate dependencies/status on the operations it resolves
// between.
type Resolver struct {
	SpecExists SpecExists
}

// NewResolver returns a Resolver consulting specExists for the defer
// strategy's lookahead.
func NewResolver(specExists SpecExists) *Resolver {
	return &Resolver{SpecExists: specExists}
}

// Resolve attempts each strategy in the order spec.md §4.4 lists them,
// applying only the first applicable one. ops is indexed by id so the
// resolver can mutate the operations referenced by c. Resolve is
// idempotent: calling it again on an already-resolved conflict is a
// no-op (spec.md §4.4).
func (r *Resolver) Resolve(c *Conflict, ops map[string]*operation.Operation, queuedCreateSpec map[string]bool) {
	if c.Resolved() {
		return
	}

	switch c.Type {
	case TypeDuplicateOperation:
		if r.dropNewerDuplicate(c, ops) {
			return
		}
	case TypeConcurrentModification:
		if r.sequenceByPriority(c, ops) {
			return
		}
	case TypeDependencyCycle:
		if r.rejectCycleMember(c, ops) {
			return
		}
	case TypeResourceNotFound:
		if r.defer_(c, ops, queuedCreateSpec) {
			return
		}
	}
	r.escalate(c)
}

// ResolveAs forces a specific strategy rather than the one Resolve would
// pick automatically (spec.md §6: resolveConflict(conflictId,
// resolution?) accepts an optional explicit strategy). Escalates if the
// requested strategy isn't applicable to c's members.
func (r *Resolver) ResolveAs(c *Conflict, strategy Strategy, ops map[string]*operation.Operation, queuedCreateSpec map[string]bool) {
	if c.Resolved() {
		return
	}
	var applied bool
	switch strategy {
	case StrategyDropNewerDuplicate:
		applied = r.dropNewerDuplicate(c, ops)
	case StrategySequenceByPriority:
		applied = r.sequenceByPriority(c, ops)
	case StrategyRejectCycleMember:
		applied = r.rejectCycleMember(c, ops)
	case StrategyDefer:
		applied = r.defer_(c, ops, queuedCreateSpec)
	}
	if !applied {
		r.escalate(c)
	}
}

// dropNewerDuplicate cancels every operation in the group after the
// first when their payloads hash-equal (spec.md: "when payloads
// hash-equal" — duplicates are only grouped by identical signature, so
// this always holds for TypeDuplicateOperation conflicts).
func (r *Resolver) dropNewerDuplicate(c *Conflict, ops map[string]*operation.Operation) bool {
	if len(c.OperationIDs) < 2 {
		return false
	}
	kept := c.OperationIDs[0]
	for _, id := range c.OperationIDs[1:] {
		op, ok := ops[id]
		if !ok || op.IsTerminal() {
			continue
		}
		op.Status = operation.StatusCancelled
		op.Error = fmt.Sprintf("duplicate of operation %s", kept)
	}
	r.markResolved(c, "system", StrategyDropNewerDuplicate)
	return true
}

// sequenceByPriority lets the higher-priority operation in a
// concurrent_modification group proceed; every other member becomes
// dependent on it.
func (r *Resolver) sequenceByPriority(c *Conflict, ops map[string]*operation.Operation) bool {
	var winner *operation.Operation
	for _, id := range c.OperationIDs {
		op, ok := ops[id]
		if !ok {
			continue
		}
		if winner == nil || op.Priority > winner.Priority ||
			(op.Priority == winner.Priority && op.Timestamp.Before(winner.Timestamp)) {
			winner = op
		}
	}
	if winner == nil {
		return false
	}
	for _, id := range c.OperationIDs {
		if id == winner.ID {
			continue
		}
		op, ok := ops[id]
		if !ok || op.IsTerminal() {
			continue
		}
		op.Status = operation.StatusPending
		op.Dependencies = appendUnique(op.Dependencies, winner.ID)
	}
	r.markResolved(c, "system", StrategySequenceByPriority)
	return true
}

// rejectCycleMember fails the operation that closes the cycle with a
// non-retryable error, breaking the cycle so the rest of the group can
// proceed once their remaining dependencies clear.
func (r *Resolver) rejectCycleMember(c *Conflict, ops map[string]*operation.Operation) bool {
	if len(c.OperationIDs) < 2 {
		return false
	}
	closer := c.OperationIDs[len(c.OperationIDs)-2]
	op, ok := ops[closer]
	if !ok {
		return false
	}
	now := time.Now()
	op.Status = operation.StatusFailed
	op.CompletedAt = &now
	op.Error = kerrors.NewDependencyCycleError(
		fmt.Sprintf("operation %s closes a dependency cycle", closer),
		"remove the circular dependency and resubmit", nil).Error()
	op.RetryCount = op.MaxRetries // non-retryable: exhaust the retry budget
	r.markResolved(c, "system", StrategyRejectCycleMember)
	return true
}

// defer_ inserts a synthetic dependency on a queued create_spec
// operation for the same specId, deferring the resource_not_found
// operation until that spec materializes instead of escalating.
func (r *Resolver) defer_(c *Conflict, ops map[string]*operation.Operation, queuedCreateSpec map[string]bool) bool {
	if len(c.OperationIDs) == 0 {
		return false
	}
	op, ok := ops[c.OperationIDs[0]]
	if !ok {
		return false
	}
	specID := op.Params.SpecID
	creatorID, found := findCreateSpecFor(ops, specID)
	if !found {
		if !queuedCreateSpec[specID] {
			return false
		}
		return false // a create_spec is queued but not yet resolvable to an id; escalate until it lands
	}
	op.Dependencies = appendUnique(op.Dependencies, creatorID)
	r.markResolved(c, "system", StrategyDefer)
	return true
}

func findCreateSpecFor(ops map[string]*operation.Operation, specID string) (string, bool) {
	for id, op := range ops {
		if op.Type == operation.TypeCreateSpec && op.Params.SpecID == specID && !op.IsTerminal() {
			return id, true
		}
	}
	return "", false
}

// escalate leaves c unresolved; the queue's eligible-set computation
// excludes every operation c.OperationIDs references (spec.md §4.4).
func (r *Resolver) escalate(c *Conflict) {
	c.ResolutionStrategy = StrategyEscalate
}

func (r *Resolver) markResolved(c *Conflict, by string, strategy Strategy) {
	now := time.Now()
	c.ResolvedAt = &now
	c.ResolvedBy = by
	c.ResolutionStrategy = strategy
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

// Cleanup removes resolved conflicts older than maxAge (spec.md §4.4
// default: 24h).
func Cleanup(conflicts []*Conflict, maxAge time.Duration, now time.Time) []*Conflict {
	kept := conflicts[:0:0]
	for _, c := range conflicts {
		if c.Resolved() && now.Sub(*c.ResolvedAt) > maxAge {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}
