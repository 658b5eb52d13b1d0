package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mainloop-ai/mainloop/runtime/api"
)

// listTasks returns the user's tasks, newest first.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.respondErr(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	tasks, err := s.orch.Store().ListTasksByUser(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.Store().GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.orch.Store().GetTask(r.Context(), taskID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if task.Status.Terminal() {
		s.respondErr(w, r, http.StatusConflict, "task is already "+string(task.Status))
		return
	}
	if err := s.orch.CancelTask(r.Context(), taskID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": string(api.TaskStatusCancelled)})
}

// requireStatus loads the task and rejects the request when the task is not
// in the expected state, so stale UI actions fail fast instead of queuing
// signals nothing will consume.
func (s *Server) requireStatus(w http.ResponseWriter, r *http.Request, want api.TaskStatus) (*api.WorkerTask, bool) {
	task, err := s.orch.Store().GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	if task.Status != want {
		s.respondErr(w, r, http.StatusConflict, "task is "+string(task.Status)+", expected "+string(want))
		return nil, false
	}
	return task, true
}

type answerRequest struct {
	// Answers maps question ID to the user's answer.
	Answers map[string]string `json:"answers"`
}

// answerQuestions relays plan question answers to the worker workflow.
func (s *Server) answerQuestions(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Answers) == 0 {
		s.respondErr(w, r, http.StatusBadRequest, "answers are required")
		return
	}
	task, ok := s.requireStatus(w, r, api.TaskStatusWaitingQuestions)
	if !ok {
		return
	}
	payload := api.QuestionResponse{Action: api.ActionAnswer, Answers: req.Answers}
	if err := s.orch.Engine().SignalWorkflow(r.Context(), task.ID, api.TopicQuestionResponse, payload); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type planReviewRequest struct {
	// Action is approve, revise, or start (approve and begin implementation).
	Action string `json:"action"`
	Text   string `json:"text,omitempty"`
}

// reviewPlan relays a plan review decision to the worker workflow.
func (s *Server) reviewPlan(w http.ResponseWriter, r *http.Request) {
	var req planReviewRequest
	if !s.decode(w, r, &req) {
		return
	}
	var payload api.PlanResponse
	switch api.ResponseAction(req.Action) {
	case api.ActionApprove:
		payload = api.PlanResponse{Action: api.ActionApprove}
	case api.ActionStart:
		payload = api.PlanResponse{Action: api.ActionStart}
	case api.ActionRevise:
		if req.Text == "" {
			s.respondErr(w, r, http.StatusBadRequest, "revise requires text")
			return
		}
		payload = api.PlanResponse{Action: api.ActionRevise, Text: req.Text}
	default:
		s.respondErr(w, r, http.StatusBadRequest, "action must be approve, revise, or start")
		return
	}
	task, ok := s.requireStatus(w, r, api.TaskStatusWaitingPlanReview)
	if !ok {
		return
	}
	if err := s.orch.Engine().SignalWorkflow(r.Context(), task.ID, api.TopicPlanResponse, payload); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// startImplementation releases the ready_to_implement gate.
func (s *Server) startImplementation(w http.ResponseWriter, r *http.Request) {
	task, ok := s.requireStatus(w, r, api.TaskStatusReadyToImplement)
	if !ok {
		return
	}
	payload := api.StartImplementation{Action: api.ActionStart}
	if err := s.orch.Engine().SignalWorkflow(r.Context(), task.ID, api.TopicStartImplementation, payload); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
