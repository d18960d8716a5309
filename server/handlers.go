package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaharia-lab/tutorbot"
)

type simulateRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type testAIRequest struct {
	Message string              `json:"message"`
	History []tutorbot.Exchange `json:"history"`
}

type testSendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type clearAllRequest struct {
	Confirm string `json:"confirm"`
}

type webhookResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// handleWebhook answers 200 no matter what happened so the provider does not retry.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	resp := webhookResponse{Status: "success", Message: "webhook received", Timestamp: time.Now().UTC()}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Errorf("Panic while handling webhook: %v", rec)
			resp = webhookResponse{Status: "error", Message: "internal error, webhook accepted", Timestamp: time.Now().UTC()}
		}
		writeJSON(w, http.StatusOK, resp)
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.logger.WithErr(err).Warn("Failed to read webhook body")
		resp.Status = "error"
		resp.Message = "unreadable body, webhook accepted"
		return
	}

	msg, ok := tutorbot.ParseInbound(body)
	if !ok {
		s.logger.Debugf("Ignoring webhook payload (type %q, provider %q)", msg.Type, msg.Provider)
		return
	}

	reply, _ := s.tutor.HandleMessage(r.Context(), msg)
	if reply.Delivery != nil && !reply.Delivery.Success {
		s.logger.Warnf("Reply %s was not delivered: %s", reply.RequestID, reply.Delivery.Error)
	}
}

func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if challenge := r.URL.Query().Get("hub.challenge"); challenge != "" {
		_, _ = io.WriteString(w, challenge)
		return
	}
	_, _ = io.WriteString(w, "webhook active")
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Phone == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "required fields: phone and message")
		return
	}

	reply := s.tutor.Respond(r.Context(), req.Phone, req.Message)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"requestId":       reply.RequestID,
		"userMessage":     reply.UserText,
		"aiResponse":      reply.Text,
		"detectedLevel":   reply.Level,
		"sessionMessages": reply.HistorySize,
		"timestamp":       reply.Timestamp,
	})
}

func (s *Server) handleTestAI(w http.ResponseWriter, r *http.Request) {
	var req testAIRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	reply := s.tutor.Preview(r.Context(), req.Message, req.History)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"userMessage":       reply.UserText,
		"rawAiResponse":     reply.RawText,
		"formattedResponse": reply.Text,
		"detectedLevel":     reply.Level,
		"timestamp":         reply.Timestamp,
	})
}

func (s *Server) handleTestSend(w http.ResponseWriter, r *http.Request) {
	var req testSendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.To == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "required fields: to and message")
		return
	}

	result := s.tutor.Dispatcher().Deliver(r.Context(), req.To, req.Message)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"testResult":   result,
		"configStatus": s.providerStatus(),
		"timestamp":    time.Now().UTC(),
	})
}

func (s *Server) providerStatus() map[string]bool {
	status := make(map[string]bool)
	for _, p := range s.tutor.Dispatcher().Providers() {
		status[p.Name()] = p.Configured()
	}
	return status
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "online",
		"timestamp":         time.Now().UTC(),
		"uptimeSeconds":     time.Since(s.startedAt).Seconds(),
		"completionBackend": s.backend,
		"sessions":          s.admin.Stats(),
		"whatsappProviders": s.providerStatus(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	stats := s.admin.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Spanish tutor WhatsApp bot is running",
		"sessionSystem": map[string]interface{}{
			"maxMessagesPerSession": stats.MaxHistory,
			"sessionTimeoutHours":   stats.TimeoutHours,
			"totalSessions":         stats.TotalSessions,
			"activeSessions":        stats.ActiveSessions,
		},
		"whatsappProviders": s.providerStatus(),
		"timestamp":         time.Now().UTC(),
	})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	phone := r.PathValue("phone")
	store := s.tutor.Store()
	history := store.History(r.Context(), phone)

	var lastActivity *time.Time
	if len(history) > 0 {
		ts := history[len(history)-1].Timestamp
		lastActivity = &ts
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"phone":          phone,
		"messageCount":   len(history),
		"conversation":   history,
		"lastActivity":   lastActivity,
		"maxMessages":    store.MaxHistory(),
		"sessionTimeout": store.Timeout().String(),
	})
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"timestamp":  time.Now().UTC(),
		"statistics": s.admin.Stats(),
	})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	list := s.admin.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"timestamp":      time.Now().UTC(),
		"totalSessions":  list.Total,
		"activeSessions": list.Active,
		"sessions":       list.Sessions,
	})
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	phone := r.PathValue("phone")
	history, err := s.admin.History(r.Context(), phone)
	if errors.Is(err, tutorbot.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"message": "no session found",
			"phone":   phone,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"timestamp": time.Now().UTC(),
		"history":   history,
	})
}

func (s *Server) handleSessionCleanup(w http.ResponseWriter, r *http.Request) {
	result := s.admin.EvictNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":           true,
		"timestamp":         time.Now().UTC(),
		"removedSessions":   result.Removed,
		"remainingSessions": result.Remaining,
	})
}

func (s *Server) handleSessionRemove(w http.ResponseWriter, r *http.Request) {
	phone := r.PathValue("phone")
	if err := s.admin.Remove(r.Context(), phone); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"message": "session not found",
			"phone":   phone,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"timestamp": time.Now().UTC(),
		"phone":     phone,
	})
}

func (s *Server) handleSessionClearAll(w http.ResponseWriter, r *http.Request) {
	var req clearAllRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	removed, err := s.admin.ClearAll(r.Context(), req.Confirm)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Warnf("Cleared all sessions (%d removed)", removed)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"timestamp":       time.Now().UTC(),
		"removedSessions": removed,
	})
}
