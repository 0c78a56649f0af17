package dashboard

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, src Source) {
	router.StaticFS("/static", staticFS())

	router.GET("/", handleIndex(src))
	router.GET("/cache", handleCache(src))
	router.GET("/diagnostics", handleDiagnostics(src))

	// hx-get partials for the index page's live-refreshing sections.
	router.GET("/partials/health", handlePartialHealth(src))
	router.GET("/partials/workers", handlePartialWorkers(src))
	router.GET("/partials/recent", handlePartialRecent(src))

	// SSE tail of inbound/outbound diagnostics traffic.
	router.GET("/api/events", handleSSE(src))
}

func indexData(src Source) gin.H {
	return gin.H{
		"State":        connectionHealth(src).State,
		"BotUserID":    connectionHealth(src).BotUserID,
		"HealthStatus": connectionHealth(src).HealthStatus,
		"Workers":      workerRows(src),
		"Recent":       recentDiagnostics(src, 25),
	}
}

func handleIndex(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.HTML(http.StatusOK, "layout.html", indexData(src))
	}
}

func handlePartialHealth(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		row := connectionHealth(src)
		c.HTML(http.StatusOK, "health_fragment", gin.H{
			"State":        row.State,
			"BotUserID":    row.BotUserID,
			"HealthStatus": row.HealthStatus,
		})
	}
}

func handlePartialWorkers(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.HTML(http.StatusOK, "workers_fragment", gin.H{"Workers": workerRows(src)})
	}
}

func handlePartialRecent(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.HTML(http.StatusOK, "recent_fragment", gin.H{"Recent": recentDiagnostics(src, 25)})
	}
}

func handleCache(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.HTML(http.StatusOK, "cache.html", gin.H{
			"Channels": cachedChannels(src),
			"Users":    cachedUsers(src),
		})
	}
}

func handleDiagnostics(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.HTML(http.StatusOK, "diagnostics.html", gin.H{
			"Entries": recentDiagnostics(src, 200),
		})
	}
}
