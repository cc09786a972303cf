package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stvlynn/easyreceipt/internal/config"
	"github.com/stvlynn/easyreceipt/internal/document"
)

// Submitter writes a reviewed record to the remote table for its kind
type Submitter interface {
	Submit(ctx context.Context, rec *document.Record) error
}

// Feishu implements Submitter using the Bitable batch_create API
type Feishu struct {
	cfg     config.Submission
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

var _ Submitter = (*Feishu)(nil)

// NewFeishu creates a Feishu client against the public open platform
func NewFeishu(cfg config.Submission) *Feishu {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = config.DefaultSubmitTimeout
	}
	return NewFeishuWithDeps(cfg, config.DefaultFeishuURL, &http.Client{Timeout: timeout}, nil)
}

// NewFeishuWithDeps creates a Feishu client with a custom endpoint, HTTP client and logger for testing
func NewFeishuWithDeps(cfg config.Submission, baseURL string, client *http.Client, logger *slog.Logger) *Feishu {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feishu{
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

type batchCreateRequest struct {
	Records []recordFields `json:"records"`
}

type recordFields struct {
	Fields map[string]any `json:"fields"`
}

// apiResponse is the common envelope of open platform responses
type apiResponse struct {
	Code *int   `json:"code"`
	Msg  string `json:"msg"`
}

// Submit creates one record in the table configured for rec.Kind. Missing
// settings fail before any request is sent.
func (f *Feishu) Submit(ctx context.Context, rec *document.Record) error {
	dst, err := f.cfg.Destination(rec.Kind)
	if err != nil {
		return err
	}

	jsonData, err := json.Marshal(batchCreateRequest{
		Records: []recordFields{{Fields: rec.Fields}},
	})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/open-apis/bitable/v1/apps/%s/tables/%s/records/batch_create",
		f.baseURL, url.PathEscape(dst.AppToken), url.PathEscape(dst.TableID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+dst.APIKey)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Error("Feishu request failed", "kind", rec.Kind, "error", err)
		return document.NewTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return document.NewTransportError(fmt.Errorf("reading response: %w", err))
	}

	f.logger.Debug("Feishu response",
		"kind", rec.Kind,
		"table_id", dst.TableID,
		"status", resp.StatusCode,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body apiResponse
		if json.Unmarshal(raw, &body) == nil && body.Msg != "" {
			return document.NewAPIError(resp.StatusCode, body.Msg)
		}
		return document.NewAPIError(resp.StatusCode, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var body apiResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return document.NewStatusError(resp.StatusCode, "response body is not JSON")
	}
	// the open platform reports logical failures in-band with HTTP 200
	if body.Code != nil && *body.Code != 0 {
		msg := body.Msg
		if msg == "" {
			msg = fmt.Sprintf("code %d", *body.Code)
		}
		return document.NewAPIError(resp.StatusCode, msg)
	}

	f.logger.Info("Submitted record", "kind", rec.Kind, "table_id", dst.TableID)
	return nil
}

// SubmitDeliveryReceipt submits a delivery receipt field map
func (f *Feishu) SubmitDeliveryReceipt(ctx context.Context, fields map[string]any) error {
	return f.Submit(ctx, &document.Record{Kind: document.DeliveryReceipt, Fields: fields})
}

// SubmitTrainTicket submits a train ticket field map
func (f *Feishu) SubmitTrainTicket(ctx context.Context, fields map[string]any) error {
	return f.Submit(ctx, &document.Record{Kind: document.TrainTicket, Fields: fields})
}
