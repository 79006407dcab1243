package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/printlink-core/internal/comms"
	"github.com/nerrad567/printlink-core/internal/printer"
)

const (
	defaultSubmitTimeout = 10 * time.Second

	// removeTimeout bounds how long DELETE waits for the printer's drain.
	removeTimeout = 5 * time.Second

	defaultTransferLimit = 100
)

// JobResponse is returned by POST /printers/{id}/jobs.
type JobResponse struct {
	PayloadID string `json:"payload_id"`
	JobID     string `json:"job_id"`
	PrinterID string `json:"printer_id"`
	Bytes     int    `json:"bytes"`
}

func (s *Server) handleListPrinters(w http.ResponseWriter, _ *http.Request) {
	statuses := s.registry.Statuses()
	writeJSON(w, http.StatusOK, map[string]any{
		"printers": statuses,
		"count":    len(statuses),
	})
}

func (s *Server) handleGetPrinter(w http.ResponseWriter, r *http.Request) {
	p, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeNotFound(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p.Status())
}

// handleSubmitJob enqueues the raw request body as one payload. The job ID
// comes from the job_id query parameter and is generated when absent.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge,
				"payload exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return
		}
		writeBadRequest(w, "reading payload: "+err.Error())
		return
	}
	if len(data) == 0 {
		writeBadRequest(w, "payload is empty")
		return
	}

	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		jobID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.submitTimeout)
	defer cancel()

	ticket, err := s.registry.Submit(ctx, id, jobID, data)
	switch {
	case err == nil:
	case errors.Is(err, comms.ErrPrinterNotFound):
		writeNotFound(w, err.Error())
		return
	case errors.Is(err, printer.ErrQueueClosed), errors.Is(err, printer.ErrNotConnected):
		writeConflict(w, err.Error())
		return
	case errors.Is(err, context.Canceled):
		s.logger.Debug("job submission abandoned by client", "printer_id", id, "job_id", jobID)
		writeError(w, statusClientClosedRequest, ErrCodeCancelled, "request cancelled")
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeUnavailable(w, "send queue is full")
		return
	default:
		s.logger.Error("job submission failed", "printer_id", id, "error", err)
		writeInternalError(w, "job submission failed")
		return
	}

	s.logger.Info("job queued", "printer_id", id, "job_id", jobID, "payload_id", ticket.PayloadID(), "bytes", len(data))
	writeJSON(w, http.StatusAccepted, JobResponse{
		PayloadID: ticket.PayloadID(),
		JobID:     jobID,
		PrinterID: id,
		Bytes:     len(data),
	})
}

func (s *Server) handleRemovePrinter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), removeTimeout)
	defer cancel()

	err := s.registry.Remove(ctx, id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, comms.ErrPrinterNotFound):
		writeNotFound(w, err.Error())
	default:
		s.logger.Warn("printer removal incomplete", "printer_id", id, "error", err)
		writeInternalError(w, err.Error())
	}
}

// handleListTransfers serves the journal, optionally filtered by the {id}
// URL parameter. ?limit= caps the result (default 100).
func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeUnavailable(w, "transfer journal is disabled")
		return
	}

	limit := defaultTransferLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.journal.ListTransfers(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.logger.Error("listing transfers failed", "error", err)
		writeInternalError(w, "listing transfers failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transfers": records,
		"count":     len(records),
	})
}

// handleListKnownPrinters lists every printer the journal has seen,
// including ones no longer connected.
func (s *Server) handleListKnownPrinters(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeUnavailable(w, "transfer journal is disabled")
		return
	}
	records, err := s.journal.ListPrinters(r.Context())
	if err != nil {
		s.logger.Error("listing journal printers failed", "error", err)
		writeInternalError(w, "listing journal printers failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"printers": records,
		"count":    len(records),
	})
}
