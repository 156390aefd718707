package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"podline/internal/domain"
	"podline/internal/engine"
)

type podPath struct {
	PodID string `path:"pod_id"`
}

type podOutput struct {
	Body domain.Pod `json:"body"`
}

func podResult(p domain.Pod, err error) (*podOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &podOutput{Body: p}, nil
}

func registerPods(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "spawn-pod",
		Method:        http.MethodPost,
		Path:          "/work-orders/{id}/pods",
		Summary:       "Spawn a pod for a role",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body SpawnPodRequest `json:"body"`
	}) (*podOutput, error) {
		return podResult(e.Spawn(ctx, input.ID, domain.PodRole(input.Body.Role)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pod",
		Method:      http.MethodGet,
		Path:        "/pods/{pod_id}",
		Summary:     "Get pod",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *podPath) (*podOutput, error) {
		return podResult(e.Pod(input.PodID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pod-work-order",
		Method:      http.MethodGet,
		Path:        "/pods/{pod_id}/work-order",
		Summary:     "Get the work order owning a pod",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *podPath) (*workOrderOutput, error) {
		return orderResult(e.GetByPodID(input.PodID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-pod",
		Method:      http.MethodPatch,
		Path:        "/pods/{pod_id}",
		Summary:     "Update pod",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PodID string           `path:"pod_id"`
		Body  UpdatePodRequest `json:"body"`
	}) (*podOutput, error) {
		return podResult(e.UpdatePod(ctx, input.PodID, input.Body.patch()))
	})

	huma.Register(api, huma.Operation{
		OperationID: "terminate-pod",
		Method:      http.MethodPost,
		Path:        "/pods/{pod_id}/terminate",
		Summary:     "Terminate pod",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *podPath) (*podOutput, error) {
		return podResult(e.TerminatePod(ctx, input.PodID))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-pod-task",
		Method:        http.MethodPost,
		Path:          "/pods/{pod_id}/tasks",
		Summary:       "Queue a task on a pod",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		PodID string            `path:"pod_id"`
		Body  AssignTaskRequest `json:"body"`
	}) (*podOutput, error) {
		return podResult(e.AssignTask(ctx, input.PodID, domain.PodTask{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			PhaseID:     input.Body.PhaseID,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-pod-task",
		Method:      http.MethodPost,
		Path:        "/pods/{pod_id}/tasks/{task_id}/complete",
		Summary:     "Complete a queued pod task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PodID  string `path:"pod_id"`
		TaskID string `path:"task_id"`
	}) (*podOutput, error) {
		return podResult(e.CompletePodTask(ctx, input.PodID, input.TaskID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "pod-heartbeat",
		Method:      http.MethodPost,
		Path:        "/pods/{pod_id}/heartbeat",
		Summary:     "Record a pod heartbeat",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PodID string           `path:"pod_id"`
		Body  HeartbeatRequest `json:"body"`
	}) (*podOutput, error) {
		return podResult(e.RecordHeartbeat(ctx, input.PodID, engine.HeartbeatReport{
			Healthy: input.Body.Healthy,
			Warning: input.Body.Warning,
			Usage:   input.Body.Usage,
		}))
	})
}
