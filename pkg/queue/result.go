// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"time"

	"github.com/specforged/broker/pkg/atomicfile"
)

// OperationResult is the record written to mcp-results.json (SPEC_FULL.md
// §3, ADDED: referenced but not spelled out by the original operation
// model).
type OperationResult struct {
	OperationID string                 `json:"operationId"`
	Type        string                 `json:"type"`
	Status      string                 `json:"status"` // "success" | "failure"
	Data        map[string]interface{} `json:"data,omitempty"`
	Error       string                 `json:"error,omitempty"`
	DurationMs  int64                  `json:"durationMs"`
	CompletedAt time.Time              `json:"completedAt"`
	Reconciled  bool                   `json:"reconciled"`
}

// resultsFile is the JSON-persisted shape of mcp-results.json.
type resultsFile struct {
	Results     []*OperationResult `json:"results"`
	LastUpdated time.Time          `json:"lastUpdated"`
}

// maxResults bounds mcp-results.json to the most recent entries
// (spec.md §6: "bounded to the most recent 100").
const maxResults = 100

// ResultStore persists OperationResult records to mcp-results.json.
type ResultStore struct {
	store   *atomicfile.Store
	version int
}

// NewResultStore returns a ResultStore persisted at path.
func NewResultStore(path string, fileOpts atomicfile.Options) *ResultStore {
	return &ResultStore{store: atomicfile.New(path, fileOpts)}
}

// Append records a new result, trimming to maxResults and rewriting the
// file (spec.md §6).
func (r *ResultStore) Append(res *OperationResult) error {
	var f resultsFile
	if _, err := r.store.Read(&f); err != nil {
		return err
	}
	f.Results = append(f.Results, res)
	if len(f.Results) > maxResults {
		f.Results = f.Results[len(f.Results)-maxResults:]
	}
	f.LastUpdated = time.Now()
	r.version++
	return r.store.Write(&f, r.version)
}

// Unreconciled returns every result not yet merged back into its
// operation record by C6.
func (r *ResultStore) Unreconciled() ([]*OperationResult, error) {
	var f resultsFile
	if _, err := r.store.Read(&f); err != nil {
		return nil, err
	}
	var out []*OperationResult
	for _, res := range f.Results {
		if !res.Reconciled {
			out = append(out, res)
		}
	}
	return out, nil
}

// MarkReconciled rewrites the results file keeping only unreconciled
// entries (spec.md §4.6: "rewrite mcp-results.json to keep only
// unreconciled entries").
func (r *ResultStore) MarkReconciled(ids map[string]bool) error {
	var f resultsFile
	if _, err := r.store.Read(&f); err != nil {
		return err
	}
	kept := f.Results[:0:0]
	for _, res := range f.Results {
		if ids[res.OperationID] {
			continue
		}
		kept = append(kept, res)
	}
	f.Results = kept
	f.LastUpdated = time.Now()
	r.version++
	return r.store.Write(&f, r.version)
}
