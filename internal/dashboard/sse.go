package dashboard

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signalman-dev/signalman/internal/diagnostics"
)

// handleSSE streams newly recorded diagnostics entries as they arrive,
// polling the ring buffer since it has no native subscribe mechanism.
func handleSSE(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		c.SSEvent("connected", gin.H{"type": "connected"})
		c.Writer.Flush()

		diag := src.Diagnostics()
		if diag == nil {
			return
		}

		var lastSeen time.Time
		if recent := diag.List(diagnostics.Filters{Limit: 1}); len(recent) > 0 {
			lastSeen = recent[0].At
		}

		ctx := c.Request.Context()
		ticker := time.NewTicker(2 * time.Second)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				c.SSEvent("heartbeat", gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)})
				c.Writer.Flush()
			case <-ticker.C:
				entries := diag.List(diagnostics.Filters{OldestFirst: true})
				for _, e := range entries {
					if !e.At.After(lastSeen) {
						continue
					}
					lastSeen = e.At
					c.SSEvent("entry", gin.H{
						"direction": e.Direction.String(),
						"type":      e.Type,
						"at":        e.At.UTC().Format(time.RFC3339Nano),
					})
				}
				c.Writer.Flush()
			}
		}
	}
}
