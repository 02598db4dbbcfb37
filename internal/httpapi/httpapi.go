// Package httpapi exposes the agent's HTTP front door: health,
// registry, explore, exec, audit, and plan_exec, all behind
// bearer-token auth and a shared rate limiter.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/pgagent/internal/allowlist"
	"github.com/nextlevelbuilder/pgagent/internal/audit"
	"github.com/nextlevelbuilder/pgagent/internal/orchestrator"
	"github.com/nextlevelbuilder/pgagent/internal/planner"
	"github.com/nextlevelbuilder/pgagent/internal/registry"
	"github.com/nextlevelbuilder/pgagent/internal/safety"
	"github.com/nextlevelbuilder/pgagent/internal/toolbox"
	"github.com/nextlevelbuilder/pgagent/pkg/model"
)

// Version is stamped into /health responses; overridden at build time
// via -ldflags in production builds.
var Version = "dev"

// Server wires every front-door dependency together.
type Server struct {
	Token        string
	Allowlist    *allowlist.Allowlist
	Registry     *registry.Registry
	Sandbox      sandboxRunner
	Toolbox      *toolbox.Explorer
	Audit        audit.Store
	Planner      *planner.Planner
	Orchestrator *orchestrator.Orchestrator

	limiter *rate.Limiter
}

// sandboxRunner is the minimal surface Server needs from *sandbox.Sandbox,
// kept as an interface here so tests can supply a fake.
type sandboxRunner interface {
	Run(ctx context.Context, commandString string) model.ExecResult
}

// New builds a Server. reqPerSecond/burst configure the shared rate
// limiter applied ahead of auth, per-process rather than per-client —
// the agent has a single operator-facing audience, not the public
// internet.
func New(token string, al *allowlist.Allowlist, reg *registry.Registry, sb sandboxRunner, tb *toolbox.Explorer, store audit.Store, pl *planner.Planner, orch *orchestrator.Orchestrator, reqPerSecond float64, burst int) *Server {
	return &Server{
		Token:        token,
		Allowlist:    al,
		Registry:     reg,
		Sandbox:      sb,
		Toolbox:      tb,
		Audit:        store,
		Planner:      pl,
		Orchestrator: orch,
		limiter:      rate.NewLimiter(rate.Limit(reqPerSecond), burst),
	}
}

// Routes returns the configured mux, ready to be passed to http.Serve.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /registry", s.withAuth(s.handleRegistry))
	mux.HandleFunc("GET /explore/{tool}", s.withAuth(s.handleExplore))
	mux.HandleFunc("POST /exec", s.withAuth(s.handleExec))
	mux.HandleFunc("GET /audit", s.withAuth(s.handleAudit))
	mux.HandleFunc("POST /plan_exec", s.withAuth(s.handlePlanExec))
	return s.withRateLimit(mux)
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAuth enforces the bearer-token check shared by every endpoint
// except /health, returning 401 and skipping the audit trail entirely
// on failure.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer recoverAsInternalError(w)

		token := extractBearerToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.Token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// extractBearerToken reads the Authorization header, accepting both
// "Bearer <token>" and a bare token for legacy clients.
func extractBearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return header
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("httpapi.encode_failed", "error", err)
	}
}

func recoverAsInternalError(w http.ResponseWriter) {
	if r := recover(); r != nil {
		slog.Error("httpapi.panic_recovered", "panic", r)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	snap := s.Registry.Get(r.Context())
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleExplore(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	if ok, _ := s.Allowlist.Check(tool); !ok {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "tool not allowed"})
		return
	}

	sub := r.URL.Query().Get("sub")
	tb, err := s.Toolbox.Explore(r.Context(), tool, sub)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, tb)
}

type execRequest struct {
	Command string `json:"command"`
	DryRun  bool   `json:"dry_run"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "command is required"})
		return
	}

	if ok, reason := s.Allowlist.Check(req.Command); !ok {
		s.logRejection(r.Context(), req.Command, model.RejectedByAllowlist, reason)
		writeJSON(w, http.StatusForbidden, map[string]string{"error": reason})
		return
	}
	if ok, reason := safety.Check(req.Command); !ok {
		s.logRejection(r.Context(), req.Command, model.RejectedBySafety, reason)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": reason})
		return
	}

	if req.DryRun {
		writeJSON(w, http.StatusOK, map[string]any{"dry_run": true, "command": req.Command})
		return
	}

	result := s.Sandbox.Run(r.Context(), req.Command)
	writeJSON(w, http.StatusOK, result)
}

// logRejection writes an audit row for a policy rejection caught by the
// handler's own pre-check, before the command ever reaches the sandbox —
// the audit trail must record rejections regardless of which layer
// caught them.
func (s *Server) logRejection(ctx context.Context, command, marker, reason string) {
	if s.Audit == nil {
		return
	}
	s.Audit.Log(ctx, model.AuditRecord{
		Command:         command,
		ExecutedCommand: marker,
		ExitCode:        -1,
		Stderr:          reason,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.Audit.Last(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type planExecRequest struct {
	Question   string `json:"question"`
	Mode       string `json:"mode"`
	RAGContext string `json:"rag_context"`
}

func (s *Server) handlePlanExec(w http.ResponseWriter, r *http.Request) {
	var req planExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Question) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "question is required"})
		return
	}

	snap := s.Registry.Get(r.Context())
	if snap.HasConflicts {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "registry has unresolved conflicts", "conflicts": snap.Conflicts})
		return
	}

	mode := model.PlanMode(req.Mode)
	if mode == "" {
		mode = model.ModeReadonly
	}

	toolsHelp := make(map[string]string, len(snap.Tools))
	for _, t := range snap.Tools {
		help := t.Description
		if t.VersionString != "" {
			help += " (" + t.VersionString + ")"
		}
		if help == "" {
			help = "No help"
		}
		toolsHelp[t.Name] = help
	}
	plan := s.Planner.Plan(r.Context(), req.Question, snap, toolsHelp, req.RAGContext, "", mode)
	plan.RequestID = uuid.NewString()
	state := s.Orchestrator.RunPlan(r.Context(), plan)

	writeJSON(w, http.StatusOK, map[string]any{
		"question": req.Question,
		"plan":     plan,
		"state":    state,
	})
}
