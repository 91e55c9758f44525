package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/analyst/internal/chat"
	"github.com/nous-labs/analyst/pkg/analysis"
	"github.com/nous-labs/analyst/pkg/journal"
)

const (
	maxChatBody = 1 << 20

	// unavailableResponse is returned when even the fallback analyzer failed.
	unavailableResponse = "I'm unable to analyze your data right now. Please try again in a moment."
)

type chatRequest struct {
	CredentialRef      string            `json:"credential_ref"`
	CredentialRefAlias string            `json:"credentialRef"`
	Message            string            `json:"message"`
	Context            analysis.Snapshot `json:"context"`
}

func (r chatRequest) credentialRef() string {
	if r.CredentialRef != "" {
		return r.CredentialRef
	}
	return r.CredentialRefAlias
}

type chatUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type chatResponse struct {
	Success  bool       `json:"success"`
	Response string     `json:"response,omitempty"`
	Fallback bool       `json:"fallback,omitempty"`
	Error    string     `json:"error,omitempty"`
	Usage    *chatUsage `json:"usage,omitempty"`
	ToolUses *int       `json:"tool_uses,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// handleChat handles POST /v1/chat. Once the body parses the reply is always
// 200: a model answer, a fallback answer, or success=false when both failed.
func (d *Daemon) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, chatResponse{Error: "method not allowed, use POST"})
		return
	}

	var req chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, chatResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, chatResponse{Error: "message is required"})
		return
	}

	id := uuid.NewString()
	ref := req.credentialRef()
	d.Events.Publish(Event{Type: EventChat, RequestID: id, Message: req.Message})

	start := time.Now()
	out := d.chat.Run(r.Context(), chat.Request{
		ID:            id,
		CredentialRef: ref,
		Message:       req.Message,
		Snapshot:      req.Context,
	})

	entry := journal.Entry{
		RequestID:     id,
		CredentialRef: ref,
		Question:      req.Message,
		CreatedAt:     start,
	}

	var resp chatResponse
	switch v := out.(type) {
	case *chat.Answer:
		toolUses := v.ToolRoundTrips
		resp = chatResponse{
			Success:  true,
			Response: v.Text,
			Usage:    &chatUsage{InputTokens: v.Usage.InputTokens, OutputTokens: v.Usage.OutputTokens},
			ToolUses: &toolUses,
		}
		entry.Answer = v.Text
		entry.InputTokens = v.Usage.InputTokens
		entry.OutputTokens = v.Usage.OutputTokens
		entry.RoundTrips = v.ToolRoundTrips
	case *chat.NeedsFallback:
		entry.Fallback = true
		entry.Reason = string(v.Reason)
		entry.Error = v.Error()
		entry.InputTokens = v.Usage.InputTokens
		entry.OutputTokens = v.Usage.OutputTokens
		entry.RoundTrips = v.Usage.ToolRoundTrips

		answer, rule, err := d.safeFallback(req.Message, req.Context)
		if err != nil {
			slog.Error("fallback analyzer failed", "request_id", id, "error", err)
			resp = chatResponse{Success: false, Error: err.Error(), Response: unavailableResponse}
			entry.Answer = unavailableResponse
			entry.Error = errors.Join(v, err).Error()
		} else {
			slog.Info("answered with fallback analyzer", "request_id", id, "reason", string(v.Reason), "rule", rule)
			resp = chatResponse{Success: true, Response: answer, Fallback: true, Error: v.Error()}
			entry.Answer = answer
			entry.FallbackRule = rule
		}
	default:
		resp = chatResponse{Success: false, Error: "no outcome", Response: unavailableResponse}
	}

	entry.DurationMS = time.Since(start).Milliseconds()
	if d.journal != nil {
		d.journal.Record(entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

// safeFallback runs the fallback analyzer, turning a panic into an error.
func (d *Daemon) safeFallback(question string, s analysis.Snapshot) (answer, rule string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fallback analyzer panicked: %v", r)
		}
	}()
	answer, rule = d.fallback(question, s)
	if strings.TrimSpace(answer) == "" {
		return "", "", errors.New("fallback analyzer returned no answer")
	}
	return answer, rule, nil
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if d.isHealthy() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","uptime":"%s"}`, time.Since(d.startedAt).Round(time.Second))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, `{"status":"starting"}`)
}

// handleEvents handles GET /v1/events, an SSE stream that starts with the
// most recent events.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, done := d.Events.Subscribe()
	defer d.Events.Unsubscribe(done)

	for _, e := range d.Events.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.MarshalEvent())
			flusher.Flush()
		}
	}
}

type journalResponse struct {
	Entries   []journal.Entry      `json:"entries"`
	Count     int                  `json:"count"`
	Stats     journal.Stats        `json:"stats"`
	Retention *journal.PruneReport `json:"retention,omitempty"`
}

// handleJournal handles GET /v1/journal?limit=N.
func (d *Daemon) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if d.journal == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "journal disabled"})
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	entries, err := d.journal.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	stats, err := d.journal.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	resp := journalResponse{Entries: entries, Count: len(entries), Stats: stats}
	if d.retainer != nil {
		resp.Retention = d.retainer.LastReport()
	}
	writeJSON(w, http.StatusOK, resp)
}
