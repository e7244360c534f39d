package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/ethpandaops/dvtoor/pkg/orchestrator"
	"github.com/ethpandaops/dvtoor/pkg/runstore"
	"github.com/ethpandaops/dvtoor/pkg/suite"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const maxRequestBody = 1 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// submitRequest is the body of a run submission.
type submitRequest struct {
	Category  string       `json:"category" validate:"required"`
	SuiteType string       `json:"suite_type,omitempty"`
	Config    suite.Params `json:"config"`
}

// submitResponse acknowledges an accepted run.
type submitResponse struct {
	RunID  string          `json:"run_id"`
	Status runstore.Status `json:"status"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON field names in validation errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		return name
	})

	return v
}

// validationMessage flattens validator errors into one readable line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))

	for _, fe := range verrs {
		// Drop the root struct name from the namespace.
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		msgs = append(msgs, fmt.Sprintf("%s failed %q validation", field, fe.Tag()))
	}

	return strings.Join(msgs, "; ")
}

// statusFor maps orchestrator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownSuite),
		errors.Is(err, orchestrator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("Request failed")
	}

	writeJSON(w, status, errorResponse{err.Error()})
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListSuites describes every registered test module.
func (s *server) handleListSuites(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Describe())
}

// handleSubmitRun accepts a run with the category in the body.
func (s *server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	s.submit(w, r, req)
}

// handleCompatibilityTest accepts a run with the category in the path.
func (s *server) handleCompatibilityTest(w http.ResponseWriter, r *http.Request) {
	var req submitRequest

	req.Category = chi.URLParam(r, "category")

	if !s.decodeBody(w, r, &req) {
		return
	}

	// The path wins over anything in the body.
	req.Category = chi.URLParam(r, "category")

	s.submit(w, r, req)
}

// decodeBody reads and validates a submission, writing a 400 on failure.
func (s *server) decodeBody(w http.ResponseWriter, r *http.Request, req *submitRequest) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()

	if err := dec.Decode(req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body: " + err.Error()})

		return false
	}

	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{validationMessage(err)})

		return false
	}

	return true
}

func (s *server) submit(w http.ResponseWriter, r *http.Request, req submitRequest) {
	category, err := suite.ParseCategory(req.Category)
	if err != nil {
		s.writeError(w, err)

		return
	}

	run, err := s.orch.Submit(r.Context(), orchestrator.Request{
		Category:  category,
		SuiteType: req.SuiteType,
		Params:    req.Config,
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{RunID: run.ID, Status: run.Status})
}

// handleListRuns returns every run in submission order.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.orch.List(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun returns one run by id.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleCancelRun requests cancellation of a running run.
func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{RunID: run.ID, Status: run.Status})
}
