package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Smile2578/anabai-queue/internal/jobs"
	"github.com/Smile2578/anabai-queue/internal/queue"
)

// BlogAction enumerates the operations the blog queue performs.
type BlogAction string

const (
	BlogActionPublish   BlogAction = "publish"
	BlogActionUnpublish BlogAction = "unpublish"
)

// BlogPayload is the blog queue's job payload. Scheduled publication is
// expressed through the job's delay option, not through the payload.
type BlogPayload struct {
	Action BlogAction `json:"action"`
	PostID string     `json:"post_id"`
}

// BlogPublisher is the external collaborator that actually flips post
// visibility. Implementations must be idempotent: a post may be published
// twice in the crash-recovery worst case.
type BlogPublisher interface {
	Publish(ctx context.Context, postID string) error
	Unpublish(ctx context.Context, postID string) error
}

// NewBlogHandler returns the queue.Handler for the blog queue.
func NewBlogHandler(publisher BlogPublisher) queue.Handler {
	return func(ctx context.Context, job jobs.Job, _ queue.ProgressFunc) (jobs.Result, error) {
		var payload BlogPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return jobs.Result{}, fmt.Errorf("decode blog payload: %w", err)
		}
		if payload.PostID == "" {
			return jobs.Result{}, fmt.Errorf("post_id is required")
		}

		switch payload.Action {
		case BlogActionPublish:
			if err := publisher.Publish(ctx, payload.PostID); err != nil {
				return jobs.Result{}, fmt.Errorf("publish post %s: %w", payload.PostID, err)
			}
		case BlogActionUnpublish:
			if err := publisher.Unpublish(ctx, payload.PostID); err != nil {
				return jobs.Result{}, fmt.Errorf("unpublish post %s: %w", payload.PostID, err)
			}
		default:
			return jobs.Result{}, fmt.Errorf("unknown blog action %q", payload.Action)
		}

		data, _ := json.Marshal(map[string]any{
			"post_id":    payload.PostID,
			"action":     payload.Action,
			"applied_at": time.Now().UTC(),
		})
		return jobs.Result{
			Success: true,
			Message: fmt.Sprintf("post %s: %s", payload.PostID, payload.Action),
			Data:    data,
		}, nil
	}
}
