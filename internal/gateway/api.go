// ABOUTME: HTTP API handlers for chatting with the crew and managing threads.
// ABOUTME: Provides POST /api/chat plus thread, search, export and session endpoints.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-crew/internal/agent"
	"github.com/2389/coven-crew/internal/auth"
	"github.com/2389/coven-crew/internal/conversation"
	"github.com/2389/coven-crew/internal/store"
	"github.com/2389/coven-crew/internal/transcript"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// ChatRequest is the JSON request body for POST /api/chat.
type ChatRequest struct {
	Agent     string   `json:"agent,omitempty"` // defaults to supervisor
	Message   string   `json:"message"`
	ThreadID  string   `json:"thread_id,omitempty"`
	New       bool     `json:"new,omitempty"`
	Ephemeral bool     `json:"ephemeral,omitempty"`
	Title     string   `json:"title,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	RequestID string   `json:"request_id,omitempty"` // repeats within the replay window get the first response
}

// SubReplyResponse describes one delegated call.
type SubReplyResponse struct {
	Agent    string `json:"agent"`
	ThreadID string `json:"thread_id"`
	Text     string `json:"text"`
	Failed   bool   `json:"failed,omitempty"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// ChatResponse is the JSON response for POST /api/chat.
type ChatResponse struct {
	ThreadID     string             `json:"thread_id"`
	Agent        string             `json:"agent"`
	Author       string             `json:"author"`
	Reply        string             `json:"reply"`
	Created      bool               `json:"created"`
	Saved        bool               `json:"saved"`
	Contributors []string           `json:"contributors,omitempty"`
	SubReplies   []SubReplyResponse `json:"sub_replies,omitempty"`
	Replayed     bool               `json:"replayed,omitempty"`
}

// CreateThreadRequest is the JSON request body for POST /api/threads.
type CreateThreadRequest struct {
	Agent    string   `json:"agent"`
	Title    string   `json:"title,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Activate bool     `json:"activate,omitempty"` // make it the agent's active thread
}

// ThreadSummaryResponse is one entry of a thread listing.
type ThreadSummaryResponse struct {
	ID                 string   `json:"id"`
	Agent              string   `json:"agent"`
	Title              string   `json:"title"`
	Tags               []string `json:"tags"`
	MessageCount       int      `json:"message_count"`
	LastMessagePreview string   `json:"last_message_preview"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
}

// ThreadListResponse is the JSON response for thread listings and searches.
type ThreadListResponse struct {
	Threads []ThreadSummaryResponse `json:"threads"`
}

// ThreadResponse is the JSON response for a single thread with its messages.
type ThreadResponse struct {
	store.Record
	DisplayTitle string `json:"display_title"`
}

// SessionResponse maps agent types to their active thread ids.
type SessionResponse struct {
	Active map[string]string `json:"active"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", g.handleChat)
	mux.HandleFunc("GET /api/threads", g.handleListThreads)
	mux.HandleFunc("POST /api/threads", g.handleCreateThread)
	mux.HandleFunc("GET /api/threads/search", g.handleSearchThreads)
	mux.HandleFunc("GET /api/threads/{id}", g.handleGetThread)
	mux.HandleFunc("DELETE /api/threads/{id}", g.handleDeleteThread)
	mux.HandleFunc("POST /api/threads/{id}/activate", g.handleActivateThread)
	mux.HandleFunc("GET /api/threads/{id}/export", g.handleExportThread)
	mux.HandleFunc("GET /api/session", g.handleGetSession)
	mux.HandleFunc("DELETE /api/session", g.handleClearSession)
	mux.HandleFunc("DELETE /api/session/{agent}", g.handleClearSession)
}

// handleChat handles POST /api/chat requests.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	agentType, err := parseAgent(req.Agent, agent.Supervisor)
	if err != nil {
		g.sendError(w, err)
		return
	}

	run := func() (*ChatResponse, error) {
		res, err := g.crew.Manager.Chat(r.Context(), conversation.ChatRequest{
			AgentType: agentType,
			Message:   req.Message,
			ThreadID:  req.ThreadID,
			ForceNew:  req.New,
			Ephemeral: req.Ephemeral,
			Title:     req.Title,
			Tags:      req.Tags,
		})
		if err != nil {
			return nil, err
		}
		return chatResponse(agentType, res), nil
	}

	var (
		resp     *ChatResponse
		replayed bool
	)
	if req.RequestID == "" {
		resp, err = run()
	} else {
		key := auth.Subject(r.Context()) + "\x00" + req.RequestID
		resp, replayed, err = g.replay.Do(r.Context(), key, run)
	}
	if err != nil {
		g.logger.Warn("chat failed", "agent", agentType, "thread_id", req.ThreadID, "error", err)
		g.sendError(w, err)
		return
	}
	if replayed {
		cp := *resp
		cp.Replayed = true
		resp = &cp
	}

	status := http.StatusOK
	if resp.Created && !replayed {
		status = http.StatusCreated
	}
	g.sendJSON(w, status, resp)
}

func chatResponse(agentType agent.Type, res *conversation.ChatResult) *ChatResponse {
	resp := &ChatResponse{
		ThreadID: res.ThreadID,
		Agent:    string(agentType),
		Author:   res.Reply.Author,
		Reply:    res.Reply.Text,
		Created:  res.Created,
		Saved:    res.Saved,
	}
	for _, t := range res.Reply.Contributors() {
		resp.Contributors = append(resp.Contributors, string(t))
	}
	for _, s := range res.Reply.SubReplies {
		resp.SubReplies = append(resp.SubReplies, SubReplyResponse{
			Agent:    string(s.Agent),
			ThreadID: s.ThreadID,
			Text:     s.Text,
			Failed:   s.Failed,
			Error:    s.Error,
			Attempts: s.Attempts,
		})
	}
	return resp
}

// handleCreateThread handles POST /api/threads requests.
func (g *Gateway) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req CreateThreadRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	agentType, err := parseAgent(req.Agent, "")
	if err != nil {
		g.sendError(w, err)
		return
	}

	create := g.crew.Manager.CreateThread
	if req.Activate {
		create = g.crew.Manager.StartConversation
	}
	thread, err := create(r.Context(), agentType, req.Title, req.Tags)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, threadResponse(thread))
}

// handleListThreads handles GET /api/threads?agent=&limit=&offset= requests.
func (g *Gateway) handleListThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentType, err := agentFilter(q.Get("agent"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(q.Get("offset"), "offset")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := g.crew.Manager.ListThreads(r.Context(), agentType, limit, offset)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, threadList(list))
}

// handleSearchThreads handles GET /api/threads/search?q=&agent=&limit= requests.
func (g *Gateway) handleSearchThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentType, err := agentFilter(q.Get("agent"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := g.crew.Manager.SearchThreads(r.Context(), q.Get("q"), agentType, limit)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, threadList(list))
}

// handleGetThread handles GET /api/threads/{id} requests.
func (g *Gateway) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := g.crew.Manager.GetThread(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, threadResponse(thread))
}

// handleDeleteThread handles DELETE /api/threads/{id} requests.
func (g *Gateway) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if err := g.crew.Manager.DeleteThread(r.Context(), r.PathValue("id")); err != nil {
		g.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleActivateThread handles POST /api/threads/{id}/activate requests.
func (g *Gateway) handleActivateThread(w http.ResponseWriter, r *http.Request) {
	thread, err := g.crew.Manager.Activate(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, threadResponse(thread))
}

// handleExportThread handles GET /api/threads/{id}/export?format= requests.
func (g *Gateway) handleExportThread(w http.ResponseWriter, r *http.Request) {
	format, err := transcript.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	thread, err := g.crew.Manager.GetThread(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendError(w, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", thread.ID+"."+format.Extension()))
	if err := transcript.Write(w, thread, format, g.now()); err != nil {
		g.logger.Error("failed to write transcript", "thread_id", thread.ID, "error", err)
	}
}

// handleGetSession handles GET /api/session requests.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	active := make(map[string]string)
	for t, id := range g.crew.Manager.Session() {
		active[string(t)] = id
	}
	g.sendJSON(w, http.StatusOK, SessionResponse{Active: active})
}

// handleClearSession handles DELETE /api/session and DELETE /api/session/{agent}.
// Threads are kept; the next chat for the agent starts a new one.
func (g *Gateway) handleClearSession(w http.ResponseWriter, r *http.Request) {
	var agentType agent.Type
	if name := r.PathValue("agent"); name != "" {
		t, err := agent.ParseType(name)
		if err != nil {
			g.sendError(w, err)
			return
		}
		agentType = t
	}
	if err := g.crew.Manager.NewConversation(agentType); err != nil {
		g.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func threadResponse(t *store.Thread) ThreadResponse {
	return ThreadResponse{Record: t.Record(), DisplayTitle: t.DisplayTitle()}
}

func threadList(list []store.ThreadSummary) ThreadListResponse {
	resp := ThreadListResponse{Threads: make([]ThreadSummaryResponse, len(list))}
	for i, s := range list {
		tags := s.Tags
		if tags == nil {
			tags = []string{}
		}
		resp.Threads[i] = ThreadSummaryResponse{
			ID:                 s.ID,
			Agent:              string(s.AgentType),
			Title:              s.Title,
			Tags:               tags,
			MessageCount:       s.MessageCount,
			LastMessagePreview: s.LastMessagePreview,
			CreatedAt:          s.CreatedAt.Format(time.RFC3339),
			UpdatedAt:          s.UpdatedAt.Format(time.RFC3339),
		}
	}
	return resp
}

func parseAgent(name string, fallback agent.Type) (agent.Type, error) {
	if name == "" && fallback != "" {
		return fallback, nil
	}
	return agent.ParseType(name)
}

// agentFilter parses an optional agent query parameter; empty matches every agent.
func agentFilter(name string) (agent.Type, error) {
	if name == "" {
		return "", nil
	}
	return agent.ParseType(name)
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// decodeJSON parses a size-limited JSON body into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// statusFor maps a crew error onto an HTTP status. Persistence failures and
// anything unrecognised are 500.
func statusFor(err error) int {
	var (
		callErr  *agent.CallError
		agentErr *agent.Error
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &callErr), errors.As(err, &agentErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// sendError writes err as a JSON error with its mapped status. Internal
// failures are logged and reported without detail.
func (g *Gateway) sendError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		msg = "internal server error"
	}
	g.sendJSONError(w, status, msg)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to encode response", "error", strings.TrimSpace(err.Error()))
	}
}
