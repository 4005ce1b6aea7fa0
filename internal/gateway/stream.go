package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/localmodel/serve/internal/servingctx"
	"github.com/localmodel/serve/internal/session"
	"github.com/localmodel/serve/internal/streaming"
)

func (h *handlers) runStreaming(c *gin.Context, requestID, sessionID, model string,
	incoming, effective []session.Message, params servingctx.RequestParams, sess *session.Session) {

	done := make(chan struct{})
	requestTime := time.Now().Unix()
	writer := streaming.NewWriter(c.Writer, "chatcmpl-"+requestID, model, requestTime)

	onDelta := servingctx.DeltaFunc(func(chunk servingctx.StreamChunk) {
		_ = writer.WriteChunk(chunk)
		if f, ok := c.Writer.(http.Flusher); ok {
			f.Flush()
		}
	})
	onFinish := servingctx.FinishFunc(func(finished *servingctx.Context) {
		commitHistory(sess, incoming, finished)
		close(done)
	})

	sc := servingctx.New(requestID, sessionID, model, true, onDelta, onFinish)
	sc.Chat = true
	sc.Messages = effective
	sc.Params = params
	sc.Session = sess

	if err := h.app.Scheduler.Submit(sc); err != nil {
		writeError(c, http.StatusTooManyRequests, "rate_limit_error", "queue_full", "queue full", "")
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	if f, ok := c.Writer.(http.Flusher); ok {
		f.Flush()
	}

	watchCtx := c.Request.Context()
	go func() {
		select {
		case <-watchCtx.Done():
			sc.Cancel()
		case <-done:
		}
	}()

	<-done
}
