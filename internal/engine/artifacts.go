package engine

import (
	"context"
	"fmt"
	"strings"

	"podline/internal/domain"
	"podline/internal/events"
)

type ArtifactInput struct {
	PodID   string
	Name    string
	Path    string
	Type    string
	Content string
}

// ArtifactPatch updates artifact fields in place; the version is not bumped.
type ArtifactPatch struct {
	Name    *string
	Path    *string
	Type    *string
	Content *string
	Status  *string
}

// AddArtifact appends a draft artifact at version 1. A pod id, when given,
// must belong to the same work order.
func (e *Engine) AddArtifact(ctx context.Context, workOrderID string, in ArtifactInput) (domain.Artifact, error) {
	if strings.TrimSpace(in.Name) == "" {
		return domain.Artifact{}, fmt.Errorf("%w: artifact name is required", ErrInvalidInput)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, err := e.getLocked(workOrderID)
	if err != nil {
		return domain.Artifact{}, err
	}
	if wo.Status.Terminal() {
		return domain.Artifact{}, fmt.Errorf("work order %s is %s: %w", workOrderID, wo.Status, ErrTerminal)
	}
	if in.PodID != "" {
		if _, ok := wo.Pods[in.PodID]; !ok {
			return domain.Artifact{}, fmt.Errorf("pod %s in work order %s: %w", in.PodID, workOrderID, ErrNotFound)
		}
	}
	typ := in.Type
	if typ == "" {
		typ = "file"
	}
	a := domain.Artifact{
		ID:          e.newID(),
		WorkOrderID: workOrderID,
		PodID:       in.PodID,
		Name:        strings.TrimSpace(in.Name),
		Path:        in.Path,
		Type:        typ,
		Content:     in.Content,
		Version:     1,
		Status:      "draft",
		CreatedAt:   e.stamp(),
	}
	wo.Artifacts = append(wo.Artifacts, a)
	e.owners[a.ID] = workOrderID
	if in.PodID != "" {
		p := wo.Pods[in.PodID]
		p.Outputs = append(p.Outputs, a.ID)
	}
	e.emit(ctx, wo, events.ArtifactAdded, "artifact", a.ID, map[string]any{"name": a.Name, "pod_id": a.PodID})
	e.commit(wo)
	return a, nil
}

func (e *Engine) UpdateArtifact(ctx context.Context, artifactID string, patch ArtifactPatch) (domain.Artifact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, err := e.ownerLocked(artifactID)
	if err != nil {
		return domain.Artifact{}, err
	}
	idx := -1
	for i, a := range wo.Artifacts {
		if a.ID == artifactID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.Artifact{}, fmt.Errorf("artifact %s: %w", artifactID, ErrNotFound)
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return domain.Artifact{}, fmt.Errorf("%w: artifact name must not be empty", ErrInvalidInput)
	}
	a := &wo.Artifacts[idx]
	if patch.Name != nil {
		a.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Path != nil {
		a.Path = *patch.Path
	}
	if patch.Type != nil {
		a.Type = *patch.Type
	}
	if patch.Content != nil {
		a.Content = *patch.Content
	}
	if patch.Status != nil {
		a.Status = *patch.Status
	}
	e.emit(ctx, wo, events.ArtifactUpdated, "artifact", a.ID, map[string]any{"status": a.Status})
	e.commit(wo)
	return *a, nil
}
