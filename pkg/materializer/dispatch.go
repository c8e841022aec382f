// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package materializer

import (
	"context"
	"fmt"

	kerrors "github.com/specforged/broker/internal/errors"
	"github.com/specforged/broker/pkg/operation"
)

// Dispatch runs op against the materialized file tree. It satisfies
// pkg/queue.Dispatcher structurally (no import of pkg/queue is needed:
// Go interfaces are satisfied by method set alone), keeping the
// dependency edge one-directional: queue depends on nothing materializer-
// specific beyond this method shape.
func (m *Materializer) Dispatch(_ context.Context, op *operation.Operation) (map[string]interface{}, error) {
	p := op.Params
	switch op.Type {
	case operation.TypeCreateSpec:
		rec, err := m.CreateSpec(p.Name, p.Description, p.SpecID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"specId": rec.SpecID}, nil

	case operation.TypeUpdateRequirements:
		if err := m.UpdateRequirements(p.SpecID, p.Content); err != nil {
			return nil, err
		}
		return map[string]interface{}{"specId": p.SpecID}, nil

	case operation.TypeUpdateDesign:
		if err := m.UpdateDesign(p.SpecID, p.Content); err != nil {
			return nil, err
		}
		return map[string]interface{}{"specId": p.SpecID}, nil

	case operation.TypeUpdateTasks:
		if err := m.UpdateTasks(p.SpecID, p.Content); err != nil {
			return nil, err
		}
		return map[string]interface{}{"specId": p.SpecID}, nil

	case operation.TypeAddUserStory:
		if err := m.AddUserStory(p.SpecID, p.AsA, p.IWant, p.SoThat, p.Requirements); err != nil {
			return nil, err
		}
		return map[string]interface{}{"specId": p.SpecID}, nil

	case operation.TypeUpdateTaskStatus:
		if err := m.UpdateTaskStatus(p.SpecID, p.TaskNumber, p.TaskStatus); err != nil {
			return nil, err
		}
		return map[string]interface{}{"specId": p.SpecID, "taskNumber": p.TaskNumber}, nil

	case operation.TypeDeleteSpec:
		if err := m.DeleteSpec(p.SpecID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"specId": p.SpecID}, nil

	case operation.TypeSetCurrentSpec:
		if err := m.SetCurrentSpec(p.SpecID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"specId": p.SpecID}, nil

	case operation.TypeFileCreate:
		if err := m.FileCreate(p.Path, p.Content); err != nil {
			return nil, err
		}
		return map[string]interface{}{"path": p.Path}, nil

	case operation.TypeFileWrite:
		if err := m.FileWrite(p.Path, p.Content); err != nil {
			return nil, err
		}
		return map[string]interface{}{"path": p.Path}, nil

	case operation.TypeFileDelete:
		if err := m.FileDelete(p.Path); err != nil {
			return nil, err
		}
		return map[string]interface{}{"path": p.Path}, nil

	case operation.TypeDirectoryCreate:
		if err := m.DirectoryCreate(p.Path); err != nil {
			return nil, err
		}
		return map[string]interface{}{"path": p.Path}, nil

	default:
		return nil, kerrors.NewInternalError("Unsupported operation type",
			fmt.Sprintf("materializer has no dispatch case for %q", op.Type), "add a case to Dispatch", nil)
	}
}
