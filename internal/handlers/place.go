package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Smile2578/anabai-queue/internal/jobs"
	"github.com/Smile2578/anabai-queue/internal/queue"
)

// PlaceAction enumerates the operations the place queue performs.
type PlaceAction string

const (
	PlaceActionEnrich  PlaceAction = "enrich"
	PlaceActionRefresh PlaceAction = "refresh"
)

// PlacePayload is the place queue's job payload.
type PlacePayload struct {
	Action  PlaceAction `json:"action"`
	PlaceID string      `json:"place_id"`
	Fields  []string    `json:"fields,omitempty"`
}

// PlaceDirectory looks up place details in the external place directory and
// persists them. Long-running network calls are expected; the worker's
// concurrency limit bounds how many run at once.
type PlaceDirectory interface {
	Enrich(ctx context.Context, placeID string, fields []string) (json.RawMessage, error)
	Refresh(ctx context.Context, placeID string) (json.RawMessage, error)
}

// NewPlaceHandler returns the queue.Handler for the place queue.
func NewPlaceHandler(directory PlaceDirectory) queue.Handler {
	return func(ctx context.Context, job jobs.Job, _ queue.ProgressFunc) (jobs.Result, error) {
		var payload PlacePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return jobs.Result{}, fmt.Errorf("decode place payload: %w", err)
		}
		if payload.PlaceID == "" {
			return jobs.Result{}, fmt.Errorf("place_id is required")
		}

		var (
			details json.RawMessage
			err     error
		)
		switch payload.Action {
		case PlaceActionEnrich, "":
			details, err = directory.Enrich(ctx, payload.PlaceID, payload.Fields)
		case PlaceActionRefresh:
			details, err = directory.Refresh(ctx, payload.PlaceID)
		default:
			return jobs.Result{}, fmt.Errorf("unknown place action %q", payload.Action)
		}
		if err != nil {
			return jobs.Result{}, fmt.Errorf("place %s: %w", payload.PlaceID, err)
		}

		return jobs.Result{
			Success: true,
			Message: fmt.Sprintf("place %s enriched", payload.PlaceID),
			Data:    details,
		}, nil
	}
}
