package apiv1

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"screening-engine/internal/domain"
	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/usecase"
	"screening-engine/internal/infra/logging"
)

const maxSubmitBody = 32 << 20

type submitResponse struct {
	BatchID string `json:"batch_id"`
}

type resultsResponse struct {
	BatchID string             `json:"batch_id"`
	Results []model.ItemResult `json:"results"`
}

type listResponse struct {
	Batches []model.BatchStatusView `json:"batches"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var in usecase.SubmitBatchInput
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBody)
	if err := render.DecodeJSON(r.Body, &in); err != nil {
		h.fail(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := h.svc.SubmitBatch(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, submitResponse{BatchID: id})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.ListActive(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if views == nil {
		views = []model.BatchStatusView{}
	}
	render.JSON(w, r, listResponse{Batches: views})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetStatus(r.Context(), batchID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, view)
}

func (h *Handler) results(w http.ResponseWriter, r *http.Request) {
	id := batchID(r)
	res, err := h.svc.GetResults(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if res == nil {
		res = []model.ItemResult{}
	}
	render.JSON(w, r, resultsResponse{BatchID: id, Results: res})
}

// cancel answers with the status as of the cancel request; queued items may
// still be draining.
func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := batchID(r)
	if err := h.svc.CancelBatch(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	view, err := h.svc.GetStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, view)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteBatch(r.Context(), batchID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

func batchID(r *http.Request) string { return chi.URLParam(r, "batchID") }

type errorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// statusFor maps domain sentinels to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrBatchExpired):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrUnknownProvider),
		errors.Is(err, domain.ErrNoProfile):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrBatchFinalized),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logging.With(r.Context(), h.log).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	}
	h.fail(w, r, code, msg)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, code int, msg string) {
	render.Status(r, code)
	render.JSON(w, r, errorResponse{Error: msg, TraceID: logging.TraceID(r.Context())})
}
