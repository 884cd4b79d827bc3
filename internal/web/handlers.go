package web

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/gcsruntime/gcs/internal/fault"
	"github.com/gcsruntime/gcs/internal/mcp"
	"github.com/gcsruntime/gcs/internal/orchestrator"
)

// KernelAPI is the slice of the kernel the web surface needs. A struct
// fake implements it in tests.
type KernelAPI interface {
	RunTurn(ctx context.Context, conversationID, input string, emit func(orchestrator.Event)) error
	SystemParameters() map[string]any
	SetSystemParameters(params map[string]any) error
	CurrentConfiguration() string
	ToolNames() []string
	ConnectExternal(ctx context.Context, params mcp.ConnectParams) (string, error)
	DisconnectExternal(ctx context.Context, serverID string) error
	ExternalAgents() ([]*mcp.ServerRecord, error)
	Authenticated(ctx context.Context) bool
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Web] JSON encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.ValidationError, fault.LLMParseError:
		status = http.StatusBadRequest
	case fault.ToolNotFound, fault.NoRoute:
		status = http.StatusNotFound
	case fault.AuthError, fault.NoCredentials:
		status = http.StatusUnauthorized
	case fault.ExecutionTimeout, fault.ApprovalTimeout, fault.LockTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{
		"error":      err.Error(),
		"error_kind": string(fault.KindOf(err)),
	})
}

// ── GET /api/status ──

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"config_name":   s.kernel.CurrentConfiguration(),
		"tools":         s.kernel.ToolNames(),
		"authenticated": s.kernel.Authenticated(r.Context()),
	})
}

// ── GET/POST /api/system_parameters ──

func (s *Server) handleSystemParameters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.kernel.SystemParameters())
	case http.MethodPost:
		var params map[string]any
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeError(w, fault.Wrap(fault.ValidationError, err, "decode parameters"))
			return
		}
		if err := s.kernel.SetSystemParameters(params); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.kernel.SystemParameters())
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// ── POST /api/stream_chat ──

type streamChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// handleStreamChat runs one turn and forwards its events as SSE, one SSE
// event per turn event, named after the event type.
func (s *Server) handleStreamChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req streamChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = "default"
	}

	sse := newSSEWriter(w, r)
	if sse == nil {
		return
	}

	err := s.kernel.RunTurn(r.Context(), req.ConversationID, req.Message, func(ev orchestrator.Event) {
		sse.Send(string(ev.Type), ev)
	})
	if err != nil {
		// The loop already emitted a terminal error event; this is just the
		// access log line.
		log.Printf("[Web] Turn failed for %s: %v", req.ConversationID, err)
	}
}

// ── GET/POST/DELETE /api/agents/external ──

func (s *Server) handleExternalAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		records, err := s.kernel.ExternalAgents()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": records})

	case http.MethodPost:
		var params mcp.ConnectParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeError(w, fault.Wrap(fault.ValidationError, err, "decode connect params"))
			return
		}
		id, err := s.kernel.ConnectExternal(r.Context(), params)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"server_id": id})

	case http.MethodDelete:
		id := r.URL.Query().Get("server_id")
		if id == "" {
			writeError(w, fault.New(fault.ValidationError, "server_id query parameter is required"))
			return
		}
		if err := s.kernel.DisconnectExternal(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
