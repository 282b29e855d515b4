package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Smile2578/anabai-queue/internal/jobs"
	"github.com/Smile2578/anabai-queue/internal/queue"
)

// ImportAction enumerates the operations the import queue performs.
type ImportAction string

const ImportActionValidate ImportAction = "validate"

// ImportPayload is the import queue's job payload: rows already parsed
// upstream, awaiting validation.
type ImportPayload struct {
	Action   ImportAction        `json:"action"`
	ImportID string              `json:"import_id"`
	Rows     []map[string]string `json:"rows"`
}

// RowIssue describes one validation problem found in an imported row.
type RowIssue struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RowValidator checks one imported row. Returned issues are collected; only
// an error aborts the run.
type RowValidator interface {
	ValidateRow(ctx context.Context, row map[string]string) ([]RowIssue, error)
}

// RequiredFieldsValidator flags rows missing any of the named fields.
type RequiredFieldsValidator struct {
	Fields []string
}

func (v RequiredFieldsValidator) ValidateRow(_ context.Context, row map[string]string) ([]RowIssue, error) {
	var issues []RowIssue
	for _, field := range v.Fields {
		if row[field] == "" {
			issues = append(issues, RowIssue{Field: field, Message: "missing required value"})
		}
	}
	return issues, nil
}

// NewImportHandler returns the queue.Handler for the import queue. Progress
// is reported as a percentage of rows processed.
func NewImportHandler(validator RowValidator) queue.Handler {
	return func(ctx context.Context, job jobs.Job, progress queue.ProgressFunc) (jobs.Result, error) {
		var payload ImportPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return jobs.Result{}, fmt.Errorf("decode import payload: %w", err)
		}
		if payload.Action != "" && payload.Action != ImportActionValidate {
			return jobs.Result{}, fmt.Errorf("unknown import action %q", payload.Action)
		}
		if payload.ImportID == "" {
			return jobs.Result{}, fmt.Errorf("import_id is required")
		}

		var issues []RowIssue
		total := len(payload.Rows)
		for i, row := range payload.Rows {
			if err := ctx.Err(); err != nil {
				return jobs.Result{}, err
			}
			rowIssues, err := validator.ValidateRow(ctx, row)
			if err != nil {
				return jobs.Result{}, fmt.Errorf("validate row %d: %w", i, err)
			}
			for _, issue := range rowIssues {
				issue.Row = i
				issues = append(issues, issue)
			}
			if total > 0 && progress != nil {
				reportProgress(ctx, progress, (i+1)*100/total)
			}
		}

		data, _ := json.Marshal(map[string]any{
			"import_id":   payload.ImportID,
			"rows":        total,
			"issue_count": len(issues),
			"issues":      issues,
		})
		return jobs.Result{
			Success: true,
			Message: fmt.Sprintf("import %s validated: %d rows, %d issues", payload.ImportID, total, len(issues)),
			Data:    data,
		}, nil
	}
}
