package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"podline/internal/domain"
	"podline/internal/engine"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
	http.StatusBadGateway,
}

type workOrderPath struct {
	ID string `path:"id"`
}

type workOrderOutput struct {
	Body WorkOrderResponse `json:"body"`
}

func orderResult(wo domain.WorkOrder, err error) (*workOrderOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &workOrderOutput{Body: workOrderResponse(wo)}, nil
}

func registerWorkOrders(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-order",
		Method:        http.MethodPost,
		Path:          "/work-orders",
		Summary:       "Create work order",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateWorkOrderRequest `json:"body"`
	}) (*workOrderOutput, error) {
		return orderResult(e.Create(ctx, input.Body.options()))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-orders",
		Method:      http.MethodGet,
		Path:        "/work-orders",
		Summary:     "List work orders",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"all,active,completed" default:"all"`
	}) (*struct {
		Body WorkOrderListResponse `json:"body"`
	}, error) {
		var items []domain.WorkOrder
		switch input.Status {
		case "active":
			items = e.ListActive()
		case "completed":
			items = e.ListCompleted()
		default:
			items = e.List()
		}
		return &struct {
			Body WorkOrderListResponse `json:"body"`
		}{Body: workOrderList(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-active-work-order",
		Method:      http.MethodGet,
		Path:        "/work-orders/active",
		Summary:     "Get the active work order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*workOrderOutput, error) {
		wo, ok := e.Active()
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no active work order", nil)
		}
		return &workOrderOutput{Body: workOrderResponse(wo)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-active-work-order",
		Method:      http.MethodPut,
		Path:        "/work-orders/active",
		Summary:     "Select the active work order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SetActiveRequest `json:"body"`
	}) (*workOrderOutput, error) {
		if err := e.SetActive(ctx, input.Body.ID); err != nil {
			return nil, handleError(err)
		}
		return orderResult(e.Get(input.Body.ID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-order",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}",
		Summary:     "Get work order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workOrderPath) (*workOrderOutput, error) {
		return orderResult(e.Get(input.ID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work-order",
		Method:      http.MethodPatch,
		Path:        "/work-orders/{id}",
		Summary:     "Update work order",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body UpdateWorkOrderRequest `json:"body"`
	}) (*workOrderOutput, error) {
		return orderResult(e.Update(ctx, input.ID, input.Body.options()))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-work-order",
		Method:        http.MethodDelete,
		Path:          "/work-orders/{id}",
		Summary:       "Delete work order",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workOrderPath) (*struct{}, error) {
		if err := e.Delete(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLifecycle(api huma.API, e *engine.Engine) {
	simple := []struct {
		id, path, summary string
		call func(context.Context, string) (domain.WorkOrder, error)
	}{
		{"generate-plan", "/work-orders/{id}/plan", "Synthesize an execution plan", e.GeneratePlan},
		{"approve-plan", "/work-orders/{id}/plan/approve", "Approve the plan and start execution", e.ApprovePlan},
		{"pause-work-order", "/work-orders/{id}/pause", "Pause execution", e.Pause},
		{"resume-work-order", "/work-orders/{id}/resume", "Resume execution", e.Resume},
		{"wait-work-order", "/work-orders/{id}/wait", "Pause waiting for user input", e.WaitForUser},
		{"cancel-work-order", "/work-orders/{id}/cancel", "Cancel work order", e.Cancel},
		{"complete-work-order", "/work-orders/{id}/complete", "Complete work order and generate receipts", e.Complete},
	}
	for _, op := range simple {
		call := op.call
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *workOrderPath) (*workOrderOutput, error) {
			return orderResult(call(ctx, input.ID))
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "reject-plan",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/plan/reject",
		Summary:     "Reject the plan and return to draft",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body RejectPlanRequest `json:"body" required:"false"`
	}) (*workOrderOutput, error) {
		return orderResult(e.RejectPlan(ctx, input.ID, input.Body.Feedback))
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/fail",
		Summary:     "Mark work order failed",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body FailRequest `json:"body" required:"false"`
	}) (*workOrderOutput, error) {
		return orderResult(e.Fail(ctx, input.ID, input.Body.Reason))
	})

	huma.Register(api, huma.Operation{
		OperationID: "generate-receipts",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/receipts",
		Summary:     "Generate receipts without completing",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *workOrderPath) (*struct {
		Body domain.Receipts `json:"body"`
	}, error) {
		rec, err := e.GenerateReceipts(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Receipts `json:"body"`
		}{Body: rec}, nil
	})
}

func registerProgress(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "report-progress",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/progress",
		Summary:     "Report overall progress",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ProgressRequest `json:"body"`
	}) (*workOrderOutput, error) {
		return orderResult(e.ReportProgress(ctx, input.ID, input.Body.Percent, input.Body.Message))
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-elapsed",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/elapsed",
		Summary:     "Record elapsed minutes against the time budget",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ElapsedRequest `json:"body"`
	}) (*struct {
		Body ElapsedResponse `json:"body"`
	}, error) {
		sig, err := e.ReportElapsed(ctx, input.ID, input.Body.Minutes)
		if err != nil {
			return nil, handleError(err)
		}
		wo, err := e.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ElapsedResponse `json:"body"`
		}{Body: ElapsedResponse{Signal: sig, TimeBudget: wo.TimeBudget}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-plan-task",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/tasks/{task_id}/complete",
		Summary:     "Complete a plan task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID     string              `path:"id"`
		TaskID string              `path:"task_id"`
		Body   CompleteTaskRequest `json:"body" required:"false"`
	}) (*workOrderOutput, error) {
		return orderResult(e.CompleteTask(ctx, input.ID, input.TaskID, input.Body.ActualMinutes))
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-phase",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/phases/{phase_id}/complete",
		Summary:     "Complete a plan phase",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		PhaseID string `path:"phase_id"`
	}) (*workOrderOutput, error) {
		return orderResult(e.CompletePhase(ctx, input.ID, input.PhaseID))
	})
}
