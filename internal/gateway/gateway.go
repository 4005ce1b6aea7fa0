// Package gateway implements the HTTP surface: request validation,
// session resolution, the conversational auto-diff, submission to the
// scheduler, and translation of serving-context outcomes into
// OpenAI-compatible JSON or SSE responses.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	serve "github.com/localmodel/serve"
	"github.com/localmodel/serve/internal/api"
	"github.com/localmodel/serve/internal/servingctx"
	"github.com/localmodel/serve/internal/session"
)

const livenessPoll = 100 * time.Millisecond

// NewRouter builds the gin engine serving app's endpoints.
func NewRouter(app *serve.App) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = app.Config.AllowOrigins
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	r.Use(cors.New(corsCfg))

	h := &handlers{app: app}
	r.POST("/v1/chat/completions", h.chatCompletions)
	r.POST("/v1/completions", h.deprecatedCompletions)
	r.GET("/v1/models", h.listModels)
	r.GET("/healthz", h.healthz)
	r.GET("/metrics", h.metrics)
	return r
}

type handlers struct {
	app *serve.App
}

func (h *handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{Status: "ok", UptimeMs: h.app.UptimeMs()})
}

func (h *handlers) metrics(c *gin.Context) {
	s := h.app.Metrics.Snapshot()
	c.JSON(http.StatusOK, api.MetricsResponse{
		RequestsTotal:          s.RequestsTotal,
		RequestsInFlight:       s.RequestsInFlight,
		RequestsStreamTotal:    s.RequestsStreamTotal,
		RequestsErrorTotal:     s.RequestsErrorTotal,
		RequestsCancelledTotal: s.RequestsCancelledTotal,
		AvgLatencyMs:           s.AvgLatencyMs,
	})
}

func (h *handlers) listModels(c *gin.Context) {
	names := h.app.Factory.Models()
	data := make([]api.ModelInfo, 0, len(names))
	for _, n := range names {
		data = append(data, api.ModelInfo{ID: n, Object: "model", OwnedBy: "local"})
	}
	c.JSON(http.StatusOK, api.ModelList{Object: "list", Data: data})
}

func (h *handlers) deprecatedCompletions(c *gin.Context) {
	writeError(c, http.StatusBadRequest, "invalid_request_error", "endpoint_deprecated",
		"/v1/completions is deprecated; use /v1/chat/completions", "")
}

func writeError(c *gin.Context, status int, typ, code, msg, param string) {
	c.JSON(status, api.ErrorResponse{Error: api.Error{Message: msg, Type: typ, Code: code, Param: param}})
}

// chatCompletions handles POST /v1/chat/completions, dispatching to the
// streaming or non-streaming path once the request has been validated,
// the session resolved, and the auto-diff applied.
func (h *handlers) chatCompletions(c *gin.Context) {
	var req api.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "invalid_json", err.Error(), "")
		return
	}
	if len(req.Messages) == 0 {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "invalid_messages", "messages must be non-empty", "messages")
		return
	}

	model := req.Model
	if model == "" {
		model = h.app.Config.DefaultModel
	}
	requestID := h.app.NextRequestID()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = requestID
	}

	traceID := uuid.New().String()
	slog.Info("request accepted", "request_id", requestID, "trace_id", traceID, "session_id", sessionID, "model", model, "stream", req.Stream)

	sess := h.app.Sessions.GetOrCreate(sessionID, model)
	h.app.Sessions.Touch(sessionID)

	incoming := toSessionMessages(req.Messages)
	var effective []session.Message
	sess.WithLock(func(s *session.Session) {
		history := s.History()
		if session.HasPrefix(history, incoming) {
			effective = incoming[len(history):]
		} else {
			s.ResetHistory()
			effective = incoming
		}
	})

	params := servingctx.RequestParams{MaxTokens: req.MaxTokens, Extra: extraAsStrings(req.Extra)}

	if req.Stream {
		h.runStreaming(c, requestID, sessionID, model, incoming, effective, params, sess)
		return
	}
	h.runNonStreaming(c, requestID, sessionID, model, incoming, effective, params, sess)
}

func toSessionMessages(ms []api.Message) []session.Message {
	out := make([]session.Message, len(ms))
	for i, m := range ms {
		out[i] = session.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func extraAsStrings(extra map[string]json.RawMessage) map[string]string {
	if len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(extra))
	for k, v := range extra {
		out[k] = string(v)
	}
	return out
}

// commitHistory implements §4.8's finish-time history rule: on stop or
// length, history becomes the client's full incoming list plus one
// appended assistant message; on cancelled or error, history is
// untouched.
func commitHistory(sess *session.Session, incoming []session.Message, sc *servingctx.Context) {
	reason := sc.Reason()
	usage := sc.Usage()
	slog.Info("request finished", "request_id", sc.RequestID, "reason", string(reason),
		"prompt_tokens", usage.PromptTokens, "completion_tokens", usage.CompletionTokens)

	if reason != servingctx.FinishStop && reason != servingctx.FinishLength {
		return
	}
	assistant := session.Message{Role: "assistant", Content: sc.AccumulatedText()}
	sess.WithLock(func(s *session.Session) {
		full := make([]session.Message, 0, len(incoming)+1)
		full = append(full, incoming...)
		full = append(full, assistant)
		s.CommitTurn(full)
	})
}

// isOverloaded reports whether sc's terminal error represents
// scheduler overload rather than an engine-side failure, per §4.10's
// rule for mapping to HTTP 429 vs 500.
func isOverloaded(sc *servingctx.Context) bool {
	if sc.Params.ErrorCode == "overloaded" {
		return true
	}
	return strings.Contains(sc.ErrorMessage(), "queue full")
}
