// Package pipeline drives a document through upload, extraction, validation
// and, after review, submission.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stvlynn/easyreceipt/internal/document"
	"github.com/stvlynn/easyreceipt/internal/extraction"
	"github.com/stvlynn/easyreceipt/internal/submission"
)

// IDGenerator generates run ids
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type systemTime struct{}

func (systemTime) Now() time.Time {
	return time.Now()
}

// Extraction is the outcome of Process, ready for review
type Extraction struct {
	RunID  string                        `json:"run_id"`
	Record *document.Record              `json:"record"`
	Run    *extraction.WorkflowRunResult `json:"workflow"`
}

// Submission is the outcome of Submit
type Submission struct {
	RunID string        `json:"run_id"`
	Kind  document.Kind `json:"kind"`
}

// Pipeline runs the extraction and submission chains. It holds no per-run
// state, so one Pipeline serves any number of concurrent runs.
type Pipeline struct {
	extractor extraction.Extractor
	submitter submission.Submitter
	history   History
	ids       IDGenerator
	clock     TimeSource
	logger    *slog.Logger
}

// New creates a Pipeline with uuid run ids and the system clock. A nil
// history records nothing.
func New(extractor extraction.Extractor, submitter submission.Submitter, history History) *Pipeline {
	return NewWithDeps(extractor, submitter, history, uuidGenerator{}, systemTime{}, nil)
}

// NewWithDeps creates a Pipeline with custom dependencies for testing
func NewWithDeps(extractor extraction.Extractor, submitter submission.Submitter, history History, ids IDGenerator, clock TimeSource, logger *slog.Logger) *Pipeline {
	if history == nil {
		history = NopHistory{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		extractor: extractor,
		submitter: submitter,
		history:   history,
		ids:       ids,
		clock:     clock,
		logger:    logger,
	}
}

// History returns the run store
func (p *Pipeline) History() History {
	return p.history
}

// sniffImageType names the image encoding of b. Bytes that do not sniff as an
// image are sent as JPEG, the camera's default.
func sniffImageType(b []byte) string {
	if ct := http.DetectContentType(b); strings.HasPrefix(ct, "image/") {
		return ct
	}
	return "image/jpeg"
}

// Process uploads the image, runs the workflow for its kind and validates the
// result. Steps run strictly in order and the first failure ends the run.
func (p *Pipeline) Process(ctx context.Context, req document.ExtractionRequest) (*Extraction, error) {
	desc, err := document.Lookup(req.Kind)
	if err != nil {
		return nil, err
	}

	t := p.start(req.Kind, OperationProcess)

	if len(req.Image) == 0 {
		return nil, t.fail(document.NewDecodeError("image is empty", nil))
	}
	filename := req.Filename
	if filename == "" {
		filename = fmt.Sprintf("%s_%d.jpg", desc.FilenamePrefix, p.clock.Now().Unix())
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = sniffImageType(req.Image)
	}

	t.enter(StateUploading)
	uploaded, err := p.extractor.Upload(ctx, req.Image, filename, contentType)
	if err != nil {
		return nil, t.fail(err)
	}
	t.run.FileID = uploaded.ID

	t.enter(StateExtracting)
	result, err := p.extractor.RunWorkflow(ctx, uploaded.ID, desc)
	if err != nil {
		return nil, t.fail(err)
	}
	t.run.WorkflowRunID = result.WorkflowRunID
	t.run.ElapsedTime = result.ElapsedTime
	t.run.TotalTokens = result.TotalTokens
	t.run.TotalSteps = result.TotalSteps

	t.enter(StateValidating)
	rec, err := document.Validate(result.Record)
	if err != nil {
		return nil, t.fail(err)
	}

	t.finish(StateAwaitingReview)
	return &Extraction{RunID: t.run.ID, Record: rec, Run: result}, nil
}

// Submit writes a reviewed record. Only configuration presence is checked
// here; the record is sent as the user left it.
func (p *Pipeline) Submit(ctx context.Context, rec *document.Record) (*Submission, error) {
	if rec == nil {
		return nil, errors.New("submitting: record is nil")
	}
	if _, err := document.Lookup(rec.Kind); err != nil {
		return nil, err
	}

	t := p.start(rec.Kind, OperationSubmit)
	t.enter(StateSubmitting)
	if err := p.submitter.Submit(ctx, rec); err != nil {
		return nil, t.fail(err)
	}
	t.finish(StateDone)
	return &Submission{RunID: t.run.ID, Kind: rec.Kind}, nil
}

// tracker records the transitions of a single run
type tracker struct {
	p   *Pipeline
	run *Run
	log *slog.Logger
}

func (p *Pipeline) start(kind document.Kind, op Operation) *tracker {
	now := p.clock.Now()
	run := &Run{
		ID:          p.ids.Generate(),
		Kind:        kind,
		Operation:   op,
		State:       StateIdle,
		Transitions: []Transition{{State: StateIdle, At: now}},
		StartedAt:   now,
	}
	return &tracker{
		p:   p,
		run: run,
		log: p.logger.With("run_id", run.ID, "kind", kind, "operation", op),
	}
}

func (t *tracker) enter(s State) {
	t.run.State = s
	t.run.Transitions = append(t.run.Transitions, Transition{State: s, At: t.p.clock.Now()})
	t.log.Debug("Run transition", "state", s)
}

func (t *tracker) fail(err error) error {
	kind := document.KindOf(err)
	t.run.ErrorKind = kind
	t.run.State = StateFailed
	t.run.Transitions = append(t.run.Transitions, Transition{State: StateFailed, At: t.p.clock.Now(), ErrorKind: kind})
	t.log.Error("Run failed", "error_kind", kind, "error", err)
	t.save()
	return err
}

func (t *tracker) finish(s State) {
	t.enter(s)
	t.log.Info("Run finished", "state", s)
	t.save()
}

func (t *tracker) save() {
	t.run.FinishedAt = t.p.clock.Now()
	if err := t.p.history.Append(t.run); err != nil {
		// history is informational, the run result stands
		t.log.Warn("Failed to record run", "error", err)
	}
}

// Message renders err as the single line shown to the user
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *document.Error
	if !errors.As(err, &e) {
		return err.Error()
	}

	switch e.Kind {
	case document.ConfigurationMissing:
		return "Please configure the API settings first: " + strings.Join(e.Missing, ", ")
	case document.InvalidResponseStatus:
		return "Response format error"
	case document.DecodeError:
		return "Could not read the extraction result"
	case document.InvalidDateFormat:
		return fmt.Sprintf("%s must be a date in YYYY/MM/DD format", e.Field)
	case document.APIError:
		return "API error: " + e.Message
	case document.TransportError:
		if e.Err != nil {
			return "Network error: " + e.Err.Error()
		}
		return "Network error"
	}
	return err.Error()
}
