package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"podline/internal/domain"
	"podline/internal/engine"
)

func registerCheckpoints(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-checkpoint",
		Method:        http.MethodPost,
		Path:          "/work-orders/{id}/checkpoints",
		Summary:       "Add a pending checkpoint",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body AddCheckpointRequest `json:"body"`
	}) (*struct {
		Body domain.Checkpoint `json:"body"`
	}, error) {
		cp, err := e.AddCheckpoint(ctx, input.ID, input.Body.PhaseID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Checkpoint `json:"body"`
		}{Body: cp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reach-checkpoint",
		Method:      http.MethodPost,
		Path:        "/checkpoints/{checkpoint_id}/reach",
		Summary:     "Mark a checkpoint reached",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CheckpointID string `path:"checkpoint_id"`
	}) (*workOrderOutput, error) {
		return orderResult(e.ReachCheckpoint(ctx, input.CheckpointID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-checkpoint",
		Method:      http.MethodPost,
		Path:        "/checkpoints/{checkpoint_id}/respond",
		Summary:     "Decide a reached checkpoint",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CheckpointID string                   `path:"checkpoint_id"`
		Body         RespondCheckpointRequest `json:"body"`
	}) (*workOrderOutput, error) {
		return orderResult(e.RespondCheckpoint(ctx, input.CheckpointID, domain.CheckpointDecision{
			Action:    domain.DecisionAction(input.Body.Action),
			Rationale: input.Body.Rationale,
		}))
	})
}

func registerArtifacts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-artifact",
		Method:        http.MethodPost,
		Path:          "/work-orders/{id}/artifacts",
		Summary:       "Record an artifact",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body AddArtifactRequest `json:"body"`
	}) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		a, err := e.AddArtifact(ctx, input.ID, engine.ArtifactInput{
			PodID:   input.Body.PodID,
			Name:    input.Body.Name,
			Path:    input.Body.Path,
			Type:    input.Body.Type,
			Content: input.Body.Content,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-artifact",
		Method:      http.MethodPatch,
		Path:        "/artifacts/{artifact_id}",
		Summary:     "Update an artifact",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ArtifactID string                `path:"artifact_id"`
		Body       UpdateArtifactRequest `json:"body"`
	}) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		a, err := e.UpdateArtifact(ctx, input.ArtifactID, engine.ArtifactPatch{
			Name:    input.Body.Name,
			Path:    input.Body.Path,
			Type:    input.Body.Type,
			Content: input.Body.Content,
			Status:  input.Body.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: a}, nil
	})
}
