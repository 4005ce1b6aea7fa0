package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/localmodel/serve/internal/api"
	"github.com/localmodel/serve/internal/servingctx"
	"github.com/localmodel/serve/internal/session"
	"github.com/localmodel/serve/internal/streaming"
)

func (h *handlers) runNonStreaming(c *gin.Context, requestID, sessionID, model string,
	incoming, effective []session.Message, params servingctx.RequestParams, sess *session.Session) {

	sc := servingctx.New(requestID, sessionID, model, false, nil,
		servingctx.FinishFunc(func(finished *servingctx.Context) { commitHistory(sess, incoming, finished) }))
	sc.Chat = true
	sc.Messages = effective
	sc.Params = params
	sc.Session = sess

	if err := h.app.Scheduler.Submit(sc); err != nil {
		writeError(c, http.StatusTooManyRequests, "rate_limit_error", "queue_full", "queue full", "")
		return
	}

	alive := func() bool {
		select {
		case <-c.Request.Context().Done():
			return false
		default:
			return true
		}
	}
	sc.WaitFinishOrCancel(alive, livenessPoll)

	if !alive() {
		return
	}

	if sc.Reason() == servingctx.FinishError {
		if isOverloaded(sc) {
			writeError(c, http.StatusTooManyRequests, "rate_limit_error", "queue_full", "queue full", "")
		} else {
			writeError(c, http.StatusInternalServerError, "internal_error", "", sc.ErrorMessage(), "")
		}
		return
	}

	usage := sc.Usage()
	c.JSON(http.StatusOK, api.ChatResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []api.Choice{{
			Index:        0,
			Message:      api.ChoiceMsg{Role: "assistant", Content: sc.AccumulatedText()},
			FinishReason: streaming.ReasonString(sc.Reason()),
		}},
		Usage: api.Usage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens(),
		},
	})
}
