package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mainloop-ai/mainloop/runtime/api"
)

type chatRequest struct {
	UserID         string `json:"user_id"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// postChat delivers a chat message to the user's main thread, starting the
// thread workflow on first contact.
func (s *Server) postChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Message == "" {
		s.respondErr(w, r, http.StatusBadRequest, "user_id and message are required")
		return
	}
	msg := api.UserMessage{Message: req.Message, ConversationID: req.ConversationID}
	if err := s.orch.SendUserMessage(r.Context(), req.UserID, msg); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// listQueue returns the user's pending inbox entries, newest first, with the
// count of entries not yet marked read.
func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.respondErr(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	items, err := s.orch.Store().ListPendingQueueItems(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	unread := 0
	for _, item := range items {
		if item.ReadAt == nil {
			unread++
		}
	}
	s.respond(w, http.StatusOK, map[string]any{"items": items, "unread_count": unread})
}

type queueResponseRequest struct {
	Response string `json:"response"`
}

// respondQueueItem records the user's response on the item and relays it to
// the main-thread workflow. Only pending items accept responses.
func (s *Server) respondQueueItem(w http.ResponseWriter, r *http.Request) {
	var req queueResponseRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Response == "" {
		s.respondErr(w, r, http.StatusBadRequest, "response is required")
		return
	}
	item, err := s.orch.Store().GetQueueItem(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if item.Status != api.QueueItemPending {
		s.respondErr(w, r, http.StatusConflict, "queue item is "+string(item.Status))
		return
	}
	item.Status = api.QueueItemResponded
	item.Response = req.Response
	item.RespondedAt = nowPtr()
	if err := s.orch.Store().UpdateQueueItem(r.Context(), item); err != nil {
		s.fail(w, r, err)
		return
	}
	resp := api.QueueResponse{
		QueueItemID: item.ID,
		Response:    req.Response,
		TaskID:      item.TaskID,
		ItemType:    item.ItemType,
		Context:     item.Context,
	}
	if err := s.orch.SendQueueResponse(r.Context(), item.UserID, resp); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, item)
}

// markQueueItemRead stamps the item's read time without consuming it.
func (s *Server) markQueueItemRead(w http.ResponseWriter, r *http.Request) {
	item, err := s.orch.Store().GetQueueItem(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if item.ReadAt == nil {
		item.ReadAt = nowPtr()
		if err := s.orch.Store().UpdateQueueItem(r.Context(), item); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	s.respond(w, http.StatusOK, item)
}
