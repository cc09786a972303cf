package extraction

import (
	"context"

	"github.com/stvlynn/easyreceipt/internal/document"
)

// UploadedFile is the remote handle returned by an upload. It is valid for a
// single workflow run.
type UploadedFile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Extension string `json:"extension"`
	MimeType  string `json:"mime_type"`
	CreatedBy string `json:"created_by"`
	CreatedAt int64  `json:"created_at"`
}

// WorkflowRunResult wraps the extracted record with run metadata. The
// metadata is informational only.
type WorkflowRunResult struct {
	TaskID        string           `json:"task_id"`
	WorkflowRunID string           `json:"workflow_run_id"`
	ID            string           `json:"id"`
	WorkflowID    string           `json:"workflow_id"`
	Status        string           `json:"status"`
	Error         string           `json:"error,omitempty"`
	ElapsedTime   float64          `json:"elapsed_time"`
	TotalTokens   int              `json:"total_tokens"`
	TotalSteps    int              `json:"total_steps"`
	CreatedAt     int64            `json:"created_at"`
	FinishedAt    int64            `json:"finished_at"`
	Record        *document.Record `json:"-"`
}

// Extractor defines the remote extraction operations
type Extractor interface {
	// Upload sends an image and returns the remote file handle
	Upload(ctx context.Context, image []byte, filename, contentType string) (*UploadedFile, error)
	// RunWorkflow runs the extraction workflow for desc against an uploaded file
	RunWorkflow(ctx context.Context, fileID string, desc *document.Descriptor) (*WorkflowRunResult, error)
}
