package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stvlynn/easyreceipt/internal/config"
	"github.com/stvlynn/easyreceipt/internal/document"
)

// Dify implements the Extractor interface against a Dify workflow app
type Dify struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewDify creates a Dify client. An empty base URL falls back to the public endpoint.
func NewDify(cfg config.Extraction) *Dify {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = config.DefaultExtractTimeout
	}
	return NewDifyWithClient(cfg, &http.Client{Timeout: timeout}, nil)
}

// NewDifyWithClient creates a Dify client with a custom HTTP client and logger for testing
func NewDifyWithClient(cfg config.Extraction, client *http.Client, logger *slog.Logger) *Dify {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = config.DefaultDifyURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dify{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		logger:  logger,
	}
}

// workflowRequest is the body of POST /v1/workflows/run
type workflowRequest struct {
	Inputs       workflowInputs `json:"inputs"`
	ResponseMode string         `json:"response_mode"`
	User         string         `json:"user"`
}

type workflowInputs struct {
	File fileInput `json:"file"`
	Type string    `json:"type"`
}

type fileInput struct {
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id"`
	Type           string `json:"type"`
}

// workflowResponse is the blocking-mode response of POST /v1/workflows/run
type workflowResponse struct {
	TaskID        string        `json:"task_id"`
	WorkflowRunID string        `json:"workflow_run_id"`
	Data          *workflowData `json:"data"`
}

type workflowData struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      string          `json:"status"`
	Outputs     json.RawMessage `json:"outputs"`
	Error       *string         `json:"error"`
	ElapsedTime float64         `json:"elapsed_time"`
	TotalTokens int             `json:"total_tokens"`
	TotalSteps  int             `json:"total_steps"`
	CreatedAt   int64           `json:"created_at"`
	FinishedAt  int64           `json:"finished_at"`
}

var _ Extractor = (*Dify)(nil)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// Upload sends the image as the single "file" part of a multipart body
func (d *Dify) Upload(ctx context.Context, image []byte, filename, contentType string) (*UploadedFile, error) {
	if err := (config.Extraction{APIKey: d.apiKey}).Check(); err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename)))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("creating file part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("writing file part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}

	raw, status, err := d.post(ctx, "/v1/files/upload", writer.FormDataContentType(), &body)
	if err != nil {
		return nil, err
	}

	var uploaded UploadedFile
	if err := json.Unmarshal(raw, &uploaded); err != nil {
		return nil, document.NewDecodeError(fmt.Sprintf("upload response (status %d)", status), err)
	}
	if uploaded.ID == "" {
		return nil, document.NewDecodeError(fmt.Sprintf("upload response (status %d) has no file id", status), nil)
	}

	d.logger.Info("Uploaded image", "file_id", uploaded.ID, "filename", filename, "size", len(image))
	return &uploaded, nil
}

// RunWorkflow runs the extraction workflow in blocking mode and decodes data.outputs
// into a record of desc's kind
func (d *Dify) RunWorkflow(ctx context.Context, fileID string, desc *document.Descriptor) (*WorkflowRunResult, error) {
	if err := (config.Extraction{APIKey: d.apiKey}).Check(); err != nil {
		return nil, err
	}

	reqBody := workflowRequest{
		Inputs: workflowInputs{
			File: fileInput{
				TransferMethod: "local_file",
				UploadFileID:   fileID,
				Type:           "image",
			},
			Type: desc.WorkflowType,
		},
		ResponseMode: "blocking",
		User:         desc.User,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	raw, status, err := d.post(ctx, "/v1/workflows/run", "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, document.NewStatusError(status, truncate(string(raw), 200))
	}

	var resp workflowResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, document.NewDecodeError("workflow response", err)
	}
	if resp.Data == nil {
		return nil, document.NewDecodeError("workflow response has no data", nil)
	}

	rec, err := document.DecodeOutputs(desc, resp.Data.Outputs)
	if err != nil {
		d.logger.Error("Failed to decode workflow outputs",
			"kind", desc.Kind,
			"workflow_run_id", resp.WorkflowRunID,
			"status", resp.Data.Status,
			"error", err,
		)
		return nil, err
	}

	result := &WorkflowRunResult{
		TaskID:        resp.TaskID,
		WorkflowRunID: resp.WorkflowRunID,
		ID:            resp.Data.ID,
		WorkflowID:    resp.Data.WorkflowID,
		Status:        resp.Data.Status,
		ElapsedTime:   resp.Data.ElapsedTime,
		TotalTokens:   resp.Data.TotalTokens,
		TotalSteps:    resp.Data.TotalSteps,
		CreatedAt:     resp.Data.CreatedAt,
		FinishedAt:    resp.Data.FinishedAt,
		Record:        rec,
	}
	if resp.Data.Error != nil {
		result.Error = *resp.Data.Error
	}

	d.logger.Info("Workflow finished",
		"kind", desc.Kind,
		"workflow_run_id", result.WorkflowRunID,
		"status", result.Status,
		"elapsed_time", result.ElapsedTime,
		"total_tokens", result.TotalTokens,
	)
	return result, nil
}

// ProcessDeliveryReceipt runs the delivery receipt workflow
func (d *Dify) ProcessDeliveryReceipt(ctx context.Context, fileID string) (*WorkflowRunResult, error) {
	return d.runKind(ctx, fileID, document.DeliveryReceipt)
}

// ProcessTrainTicket runs the train ticket workflow
func (d *Dify) ProcessTrainTicket(ctx context.Context, fileID string) (*WorkflowRunResult, error) {
	return d.runKind(ctx, fileID, document.TrainTicket)
}

func (d *Dify) runKind(ctx context.Context, fileID string, kind document.Kind) (*WorkflowRunResult, error) {
	desc, err := document.Lookup(kind)
	if err != nil {
		return nil, err
	}
	return d.RunWorkflow(ctx, fileID, desc)
}

// post sends one authorized request and returns the raw body and status.
// Only network failures are errors here; status handling belongs to the caller.
func (d *Dify) post(ctx context.Context, path, contentType string, body io.Reader) ([]byte, int, error) {
	url := d.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Error("Dify request failed", "url", url, "error", err)
		return nil, 0, document.NewTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, document.NewTransportError(fmt.Errorf("reading response: %w", err))
	}

	d.logger.Debug("Dify response",
		"url", url,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return raw, resp.StatusCode, nil
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
