package response

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// StartStream writes the Server-Sent Events headers.
func StartStream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
}

// WriteEvent sends one pre-encoded data frame and flushes it.
func WriteEvent(c *gin.Context, payload []byte) error {
	if _, err := c.Writer.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := c.Writer.Write(payload); err != nil {
		return err
	}
	if _, err := c.Writer.Write([]byte("\n\n")); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

// WriteJSONEvent encodes v and sends it as one data frame.
func WriteJSONEvent(c *gin.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteEvent(c, payload)
}
