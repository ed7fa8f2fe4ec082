// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/durable/internal/engine"
	"github.com/tombee/durable/internal/server/httputil"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/workflow"
)

// writeEngineError maps engine and storage errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var notFound *errors.NotFoundError
	if stderrors.As(err, &notFound) {
		httputil.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	var validation *errors.ValidationError
	if stderrors.As(err, &validation) {
		httputil.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	var expired *errors.HookExpiredError
	if stderrors.As(err, &expired) {
		httputil.WriteError(w, http.StatusGone, err.Error())
		return
	}
	var conflict *errors.ConflictError
	if stderrors.As(err, &conflict) {
		status := http.StatusConflict
		if strings.Contains(conflict.Reason, "expired") || strings.Contains(conflict.Reason, "disposed") {
			status = http.StatusGone
		}
		httputil.WriteError(w, status, err.Error())
		return
	}
	httputil.WriteError(w, http.StatusInternalServerError, err.Error())
}

type workflowInfo struct {
	Name   string           `json:"name"`
	Params []workflow.Param `json:"params,omitempty"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs := s.engine.Registry().List()
	infos := make([]workflowInfo, 0, len(defs))
	for _, def := range defs {
		infos = append(infos, workflowInfo{Name: def.Name, Params: def.Params})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"workflows": infos})
}

type startRunRequest struct {
	Workflow       string            `json:"workflow"`
	Input          map[string]any    `json:"input,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	MaxDuration    string            `json:"max_duration,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Workflow == "" {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "workflow is required")
		return
	}

	opts := engine.StartOptions{
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	}
	if req.MaxDuration != "" {
		d, err := time.ParseDuration(req.MaxDuration)
		if err != nil {
			httputil.WriteError(w, http.StatusUnprocessableEntity, "invalid max_duration: "+err.Error())
			return
		}
		opts.MaxDuration = d
	}

	runID, err := s.engine.Start(r.Context(), req.Workflow, req.Input, opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	run, err := s.engine.GetRun(r.Context(), runID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.RunFilter{
		WorkflowName: q.Get("workflow"),
		Status:       storage.RunStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusUnprocessableEntity, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusUnprocessableEntity, "invalid offset")
			return
		}
		filter.Offset = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteError(w, http.StatusUnprocessableEntity, "invalid since (expected RFC3339)")
			return
		}
		filter.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteError(w, http.StatusUnprocessableEntity, "invalid until (expected RFC3339)")
			return
		}
		filter.Until = &t
	}

	runs, err := s.engine.ListRuns(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.ListEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.engine.ListSteps(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (s *Server) handleListChildren(w http.ResponseWriter, r *http.Request) {
	children, err := s.engine.ListChildren(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"children": children})
}

type cancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var req cancelRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}

	runID := r.PathValue("id")
	if err := s.engine.Cancel(r.Context(), runID, req.Reason); err != nil {
		writeEngineError(w, err)
		return
	}
	run, err := s.engine.GetRun(r.Context(), runID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.engine.Resume(r.Context(), runID); err != nil {
		writeEngineError(w, err)
		return
	}
	run, err := s.engine.GetRun(r.Context(), runID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleSignalHook(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeHookPayload(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("run_id")
	hook := r.PathValue("hook")
	if err := s.engine.SignalHook(r.Context(), runID, hook, payload); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"hook":   hook,
		"status": "delivered",
	})
}

func (s *Server) handleSignalHookByToken(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeHookPayload(w, r)
	if !ok {
		return
	}
	token := r.PathValue("token")
	if err := s.engine.SignalHookByToken(r.Context(), token, payload); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "delivered"})
}

// decodeHookPayload reads an optional JSON object body. An empty body is a
// signal with no payload.
func decodeHookPayload(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	if r.ContentLength == 0 {
		return nil, true
	}
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return nil, false
	}
	return payload, true
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"schedules": []any{}})
		return
	}
	schedules, err := s.scheduler.List(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}
