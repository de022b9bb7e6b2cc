package httpapi

import (
	"net/http"

	"github.com/soulchat/chat-server/internal/message"
	"github.com/soulchat/chat-server/internal/ratelimit"
)

type pairRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type addMessageRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Message  string `json:"message"`
	File     string `json:"file"`
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
}

func (req addMessageRequest) body() message.Body {
	if req.File != "" || req.Filename != "" || req.Mimetype != "" {
		return message.Body{
			Text: req.Message,
			File: &message.Attachment{URL: req.File, Filename: req.Filename, Mimetype: req.Mimetype},
		}
	}
	return message.Body{Text: req.Message}
}

type messageRequest struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req addMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.From != "" {
		if ok, _ := s.limiter.Allow(r.Context(), req.From, ratelimit.RuleMessage); !ok {
			s.writeRateLimited(w, r, req.From, ratelimit.RuleMessage, map[string]string{"msg": "Too many messages, slow down"})
			return
		}
	}

	rcpt, err := s.history.AppendMessage(r.Context(), req.From, req.To, req.body())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := map[string]any{
		"msg":       "Message added successfully.",
		"messageId": rcpt.MessageID,
		"createdAt": rcpt.CreatedAt,
	}
	if rcpt.HasReply {
		resp["botReply"] = rcpt.BotReply
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	views, err := s.history.FetchConversation(r.Context(), req.From, req.To)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleMarkSeen(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	n, err := s.history.MarkSeen(r.Context(), req.From, req.To)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg": "Messages marked as seen", "updated": n})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.history.DeleteMessage(r.Context(), req.MessageID, req.UserID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"msg": "Message deleted successfully"})
}

func (s *Server) handleReactMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	reactions, err := s.history.ReactToMessage(r.Context(), req.MessageID, req.UserID, req.Emoji)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg": "Reaction updated", "reactions": reactions})
}
