package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/docflow/internal/errors"
	"github.com/3leaps/docflow/pkg/pipeline"
	"github.com/3leaps/docflow/pkg/stepstore"
)

// StatusReader answers step queries.
type StatusReader interface {
	Describe(ctx context.Context, documentID string) (*pipeline.DocumentStatus, error)
	ListSteps(ctx context.Context, documentID string) ([]stepstore.Step, error)
	Events(ctx context.Context, documentID string) ([]stepstore.Event, error)
}

// Reprocessor re-submits documents.
type Reprocessor interface {
	Reprocess(ctx context.Context, documentID string, opts pipeline.ReprocessOptions) ([]string, error)
}

// Documents serves the /documents routes. Reprocess is optional; without it
// the reprocess route answers 503.
type Documents struct {
	Status      StatusReader
	Reprocessor Reprocessor
}

// StatusResponse is the body of GET /documents/{id}/status.
type StatusResponse struct {
	DocumentID string          `json:"document_id"`
	Status     pipeline.Status `json:"status"`
	Location   string          `json:"location"`
}

// ReprocessRequest is the body of POST /documents/{id}/reprocess.
type ReprocessRequest struct {
	Force []string `json:"force"`
	Full  bool     `json:"full"`
}

// ReprocessResponse lists the stages enqueued by a reprocess.
type ReprocessResponse struct {
	DocumentID string   `json:"document_id"`
	Enqueued   []string `json:"enqueued"`
}

// Routes mounts the document endpoints on r.
func (d *Documents) Routes(r chi.Router) {
	r.Get("/{id}", d.Get)
	r.Get("/{id}/status", d.GetStatus)
	r.Get("/{id}/steps", d.ListSteps)
	r.Get("/{id}/events", d.ListEvents)
	r.Post("/{id}/reprocess", d.Reprocess)
}

func (d *Documents) Get(w http.ResponseWriter, r *http.Request) {
	view, err := d.Status.Describe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, view)
}

func (d *Documents) GetStatus(w http.ResponseWriter, r *http.Request) {
	view, err := d.Status.Describe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, StatusResponse{
		DocumentID: view.Document.ID,
		Status:     view.Status,
		Location:   view.Document.Location,
	})
}

func (d *Documents) ListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := d.Status.ListSteps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if steps == nil {
		steps = []stepstore.Step{}
	}
	apperrors.WriteJSON(w, http.StatusOK, steps)
}

func (d *Documents) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := d.Status.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if events == nil {
		events = []stepstore.Event{}
	}
	apperrors.WriteJSON(w, http.StatusOK, events)
}

func (d *Documents) Reprocess(w http.ResponseWriter, r *http.Request) {
	if d.Reprocessor == nil {
		respondWithError(w, r, apperrors.New(http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable, "reprocessing is not enabled"))
		return
	}

	var req ReprocessRequest
	body := http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, r, apperrors.Wrap(http.StatusBadRequest, apperrors.CodeBadRequest, "invalid request body", err))
		return
	}

	id := chi.URLParam(r, "id")
	enqueued, err := d.Reprocessor.Reprocess(r.Context(), id, pipeline.ReprocessOptions{Force: req.Force, Full: req.Full})
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownStage) {
			err = apperrors.Wrap(http.StatusBadRequest, apperrors.CodeBadRequest, err.Error(), err)
		}
		respondWithError(w, r, err)
		return
	}
	if enqueued == nil {
		enqueued = []string{}
	}
	apperrors.WriteJSON(w, http.StatusAccepted, ReprocessResponse{DocumentID: id, Enqueued: enqueued})
}
