package edge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loomworks/fabric/pkg/realm"
	"github.com/loomworks/fabric/pkg/runtime"
	"github.com/loomworks/fabric/pkg/smartcity"
)

const maxBodyBytes = 12 << 20 // intent payloads carry file content inline

// HealthChecker probes one backing capability.
type HealthChecker func(ctx context.Context) error

// Config wires the edge.
type Config struct {
	Runtime  *runtime.Runtime
	Sessions *smartcity.SessionManager
	Tokens   *smartcity.TokenManager
	Logger   *slog.Logger

	// RateLimitRPS / Burst bound per-IP request rates. Zero disables.
	RateLimitRPS   int
	RateLimitBurst int

	// Health probes, keyed by component name.
	Health map[string]HealthChecker
}

// Server is the experience edge.
type Server struct {
	rt       *runtime.Runtime
	sessions *smartcity.SessionManager
	tokens   *smartcity.TokenManager
	logger   *slog.Logger
	limiter  *RateLimiter
	health   map[string]HealthChecker
	handler  http.Handler
}

// NewServer builds the edge over a runtime.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		rt:       cfg.Runtime,
		sessions: cfg.Sessions,
		tokens:   cfg.Tokens,
		logger:   logger.With("component", "edge"),
		health:   cfg.Health,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/session/create-anonymous", s.handleCreateAnonymous)
	mux.HandleFunc("PATCH /api/session/{id}/upgrade", s.handleUpgradeSession)
	mux.HandleFunc("GET /api/session/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/intent/submit", s.handleSubmitIntent)
	mux.HandleFunc("GET /api/execution/{id}/status", s.handleExecutionStatus)
	mux.HandleFunc("GET /api/execution/{id}/stream", s.handleExecutionStream)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	var handler http.Handler = mux
	if cfg.RateLimitRPS > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		handler = s.limiter.Middleware(handler)
	}
	handler = withCORS(handler)
	handler = withRequestID(handler)
	s.handler = handler
	return s
}

// Handler returns the composed HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Close releases edge resources.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}

func (s *Server) handleCreateAnonymous(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Metadata map[string]interface{} `json:"metadata"`
	}
	if r.Body != nil {
		// An empty body is a valid anonymous session request.
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body)
	}
	session, err := s.sessions.CreateAnonymous(r.Context(), body.Metadata)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleUpgradeSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID      string `json:"user_id"`
		TenantID    string `json:"tenant_id"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "invalid request body")
		return
	}
	if body.UserID == "" || body.TenantID == "" || body.AccessToken == "" {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "user_id, tenant_id, and access_token are required")
		return
	}
	session, err := s.sessions.Upgrade(r.Context(), r.PathValue("id"), body.UserID, body.TenantID, body.AccessToken)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.Context(), r.PathValue("id"), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// submitResponse is the admission acknowledgement.
type submitResponse struct {
	ExecutionID string    `json:"execution_id"`
	IntentID    string    `json:"intent_id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IntentType string                 `json:"intent_type"`
		TenantID   string                 `json:"tenant_id"`
		SessionID  string                 `json:"session_id"`
		UserID     string                 `json:"user_id"`
		SolutionID string                 `json:"solution_id"`
		Parameters map[string]interface{} `json:"parameters"`
		Metadata   map[string]interface{} `json:"metadata"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "invalid request body")
		return
	}

	identity, err := s.bearerIdentity(r)
	if err != nil {
		writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", "access token rejected")
		return
	}

	exec, err := s.rt.Admit(r.Context(), realm.Intent{
		IntentType: body.IntentType,
		TenantID:   body.TenantID,
		SessionID:  body.SessionID,
		UserID:     body.UserID,
		SolutionID: body.SolutionID,
		Parameters: body.Parameters,
		Metadata:   body.Metadata,
	}, identity)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		ExecutionID: exec.ExecutionID,
		IntentID:    exec.IntentID,
		Status:      string(exec.Status),
		CreatedAt:   exec.CreatedAt,
	})
}

// bearerIdentity verifies an Authorization header when present. Absence is
// not an error: internal callers submit without one and the runtime skips
// the permission predicate.
func (s *Server) bearerIdentity(r *http.Request) (*smartcity.Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" || s.tokens == nil {
		return nil, nil
	}
	token := strings.TrimPrefix(header, "Bearer ")
	identity, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

func (s *Server) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "tenant_id is required")
		return
	}
	exec, err := s.rt.Status(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// healthResponse reports per-capability connectivity.
type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
	Time       time.Time         `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Time: time.Now().UTC()}
	if len(s.health) > 0 {
		resp.Components = make(map[string]string, len(s.health))
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for name, check := range s.health {
			if err := check(ctx); err != nil {
				resp.Components[name] = err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Components[name] = "ok"
		}
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
