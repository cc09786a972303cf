package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/stvlynn/easyreceipt/internal/document"
	"github.com/stvlynn/easyreceipt/internal/pipeline"
)

// maxImageSize bounds a single uploaded capture
const maxImageSize = int64(20 << 20)

type errorResponse struct {
	Error string             `json:"error"`
	Kind  document.ErrorKind `json:"kind,omitempty"`
}

type scanResponse struct {
	RunID    string         `json:"run_id"`
	Kind     document.Kind  `json:"kind"`
	Fields   map[string]any `json:"fields"`
	Workflow any            `json:"workflow"`
}

type submitRequest struct {
	Fields map[string]any `json:"fields"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error to the HTTP status returned to the client
func statusFor(err error) int {
	if errors.Is(err, document.ErrUnknownKind) {
		return http.StatusNotFound
	}
	switch document.KindOf(err) {
	case document.ConfigurationMissing:
		return http.StatusPreconditionFailed
	case document.InvalidDateFormat, document.DecodeError:
		return http.StatusUnprocessableEntity
	case document.APIError, document.InvalidResponseStatus, document.TransportError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := pipeline.Message(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
		msg = "Internal server error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: document.KindOf(err)})
}

// kindFromPath resolves the {kind} path segment, writing a 404 when unknown
func (s *Server) kindFromPath(w http.ResponseWriter, r *http.Request) (document.Kind, bool) {
	kind, err := document.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.writeError(w, err)
		return "", false
	}
	return kind, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListKinds returns the descriptor of every document kind
func (s *Server) handleListKinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, document.Kinds())
}

// handleScan runs upload, extraction and validation for one capture
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindFromPath(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxImageSize+(1<<20))
	if err := r.ParseMultipartForm(maxImageSize); err != nil {
		s.logger.Warn("Error parsing multipart form", "error", err)
		msg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = fmt.Sprintf("File is too large. Maximum size is %dMB.", maxImageSize>>20)
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No file provided"})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		s.logger.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Error reading file"})
		return
	}

	// once issued, the remote calls run to completion even if the client goes away
	ctx := context.WithoutCancel(r.Context())
	result, err := s.pipeline.Process(ctx, document.ExtractionRequest{
		Image:       data,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Kind:        kind,
	})
	if err != nil {
		s.logger.Warn("Scan failed", "kind", kind, "filename", header.Filename, "error", err)
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, scanResponse{
		RunID:    result.RunID,
		Kind:     result.Record.Kind,
		Fields:   result.Record.Fields,
		Workflow: result.Run,
	})
}

// handleSubmit writes the reviewed field map to the table for the kind
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindFromPath(w, r)
	if !ok {
		return
	}

	var req submitRequest
	dec := json.NewDecoder(r.Body)
	// keep numbers as written so integers reach the table unchanged
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil || req.Fields == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	ctx := context.WithoutCancel(r.Context())
	sub, err := s.pipeline.Submit(ctx, &document.Record{Kind: kind, Fields: req.Fields})
	if err != nil {
		s.logger.Warn("Submit failed", "kind", kind, "error", err)
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

// handleListRuns returns the recorded runs, most recent first
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.pipeline.History().List()
	if err != nil {
		s.writeError(w, fmt.Errorf("listing runs: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun returns a single run
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.pipeline.History().Get(r.PathValue("id"))
	if errors.Is(err, pipeline.ErrRunNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Run not found"})
		return
	}
	if err != nil {
		s.writeError(w, fmt.Errorf("getting run: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, run)
}
