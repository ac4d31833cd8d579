package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/p-n-ai/pai-cat/internal/app"
	"github.com/p-n-ai/pai-cat/internal/attempt"
	"github.com/p-n-ai/pai-cat/internal/cat"
	"github.com/p-n-ai/pai-cat/internal/irt"
)

const maxBodyBytes = 1 << 20

// newMux creates the HTTP router with the attempt API and health endpoints.
func newMux(engine *attempt.Engine, checks ...app.Check) *http.ServeMux {
	h := &handler{engine: engine, checks: checks}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)
	mux.HandleFunc("POST /v1/attempts", h.startAttempt)
	mux.HandleFunc("GET /v1/attempts", h.listAttempts)
	mux.HandleFunc("GET /v1/attempts/{id}", h.getAttempt)
	mux.HandleFunc("POST /v1/attempts/{id}/answers", h.submitAnswer)
	return mux
}

type handler struct {
	engine *attempt.Engine
	checks []app.Check
}

// itemView is an item as shown to the test taker: no answer key and no
// calibration parameters.
type itemView struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Category string   `json:"category,omitempty"`
	Prompt   string   `json:"prompt,omitempty"`
	Options  []string `json:"options,omitempty"`
}

func viewItem(it *irt.Item) *itemView {
	if it == nil {
		return nil
	}
	return &itemView{
		ID:       it.ID,
		Type:     it.Type,
		Category: it.Category,
		Prompt:   it.Prompt,
		Options:  it.Options,
	}
}

type startRequest struct {
	SubjectID  string        `json:"subject_id"`
	ItemPoolID string        `json:"item_pool_id"`
	Config     cat.Overrides `json:"config"`
}

type startResponse struct {
	Attempt  *attempt.Attempt `json:"attempt"`
	NextItem *itemView        `json:"next_item"`
}

// answerRequest carries the raw answer only; correctness is always decided
// by the item's scorer, never by the client.
type answerRequest struct {
	ItemID     string          `json:"item_id"`
	Answer     json.RawMessage `json:"answer"`
	DurationMs int64           `json:"duration_ms"`
}

type answerResponse struct {
	Attempt           *attempt.Attempt      `json:"attempt"`
	Recorded          bool                  `json:"recorded"`
	Correct           bool                  `json:"correct"`
	NextItem          *itemView             `json:"next_item"`
	Completed         bool                  `json:"completed"`
	TerminationReason cat.TerminationReason `json:"termination_reason,omitempty"`
	Result            *cat.Result           `json:"result,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (h *handler) startAttempt(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", cat.ErrInvalidConfig, err))
		return
	}

	res, err := h.engine.StartAttempt(r.Context(), req.SubjectID, req.ItemPoolID, req.Config)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, startResponse{Attempt: res.Attempt, NextItem: viewItem(res.Next)})
}

func (h *handler) submitAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: attempt.CodeMalformedAnswer, Message: err.Error()})
		return
	}
	if req.ItemID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: attempt.CodeMalformedAnswer, Message: "item_id is required"})
		return
	}

	if len(req.Answer) == 0 || string(req.Answer) == "null" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: attempt.CodeMalformedAnswer, Message: "answer is required"})
		return
	}

	res, err := h.engine.SubmitAnswer(r.Context(), r.PathValue("id"), req.ItemID, req.Answer, req.DurationMs)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, answerResponse{
		Attempt:           res.Attempt,
		Recorded:          res.Recorded,
		Correct:           res.Correct,
		NextItem:          viewItem(res.Next),
		Completed:         res.Completed,
		TerminationReason: res.Reason,
		Result:            res.Result,
	})
}

func (h *handler) getAttempt(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.GetAttemptState(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *handler) listAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := attempt.ListFilter{
		SubjectID:  q.Get("subject_id"),
		ItemPoolID: q.Get("item_pool_id"),
		Status:     attempt.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: attempt.CodeInvalidConfig, Message: "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}

	attempts, err := h.engine.ListAttempts(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []*attempt.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := app.Ready(r.Context(), h.checks); err != nil {
		slog.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

// statusFor maps a reason code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case attempt.CodeNotFound, attempt.CodePoolNotFound:
		return http.StatusNotFound
	case attempt.CodeInvalidConfig, attempt.CodeMalformedAnswer,
		attempt.CodeUnsupportedItemType, attempt.CodeUnknownItem:
		return http.StatusBadRequest
	case attempt.CodeInvalidState, attempt.CodeAttemptClosed,
		attempt.CodeDuplicateItem, attempt.CodeConcurrentModification:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	code := attempt.ReasonCode(err)
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: code, Message: msg, Retryable: attempt.Retryable(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response", "error", err)
	}
}
