package server

import (
	"net/http"

	"github.com/ashita-ai/kiai/internal/model"
	"github.com/ashita-ai/kiai/internal/service/session"
	"github.com/ashita-ai/kiai/internal/storage"
)

// HandleStartStream handles POST /v1/streams.
func (h *Handlers) HandleStartStream(w http.ResponseWriter, r *http.Request) {
	var req model.StartStreamRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	task, err := h.sessions.Start(r.Context(), session.StartInput{
		RTMPURL:      req.RTMPURL,
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.UserPrompt,
		UserID:       req.UserID,
		Thinking:     req.Thinking,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.StartStreamResponse{TaskID: task.TaskID, Task: task})
}

// HandleStopStream handles POST /v1/streams/{task_id}/stop.
func (h *Handlers) HandleStopStream(w http.ResponseWriter, r *http.Request) {
	task, err := h.sessions.Stop(r.Context(), r.PathValue("task_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, task)
}

// HandleListStreams handles GET /v1/streams (active tasks only).
func (h *Handlers) HandleListStreams(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.registry.Active(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []model.StreamTask{}
	}
	writeJSON(w, r, http.StatusOK, tasks)
}

// HandleGetStream handles GET /v1/streams/{task_id}.
func (h *Handlers) HandleGetStream(w http.ResponseWriter, r *http.Request) {
	task, err := h.registry.Get(r.Context(), r.PathValue("task_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, task)
}

// HandleStreamEvents handles GET /v1/streams/{task_id}/events. Events for
// task IDs the registry never saw are still listed.
func (h *Handlers) HandleStreamEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.ListEventsByTask(r.Context(), r.PathValue("task_id"), queryLimit(r, storage.DefaultEventLimit))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeEvents(w, r, events)
}

// HandleRecentEvents handles GET /v1/events/recent.
func (h *Handlers) HandleRecentEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.ListRecentEvents(r.Context(), queryLimit(r, storage.DefaultEventLimit))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeEvents(w, r, events)
}

func writeEvents(w http.ResponseWriter, r *http.Request, events []model.StreamEvent) {
	if events == nil {
		events = []model.StreamEvent{}
	}
	writeJSON(w, r, http.StatusOK, events)
}
