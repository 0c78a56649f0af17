// Package dashboard is a read-only, loopback-bound admin surface over a
// running instance: connection state, cache sync worker status, cached
// channels/users, and a tail of the diagnostics ring buffer. It never
// accepts Slack traffic itself — Socket Mode remains the only inbound path.
package dashboard

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signalman-dev/signalman/internal/cache"
	"github.com/signalman-dev/signalman/internal/diagnostics"
	"github.com/signalman-dev/signalman/internal/health"
	"github.com/signalman-dev/signalman/internal/socket"
	"github.com/signalman-dev/signalman/internal/syncworker"
)

// Source is the read surface a dashboard renders. *instance.Instance
// satisfies it; tests can substitute a smaller stub.
type Source interface {
	Manager() *socket.Manager
	HealthMonitor() *health.Monitor
	Workers() []*syncworker.Worker
	Cache() *cache.Cache
	Diagnostics() *diagnostics.Buffer
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Source Source
	Port   int
	Out    io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Source == nil {
		return fmt.Errorf("dashboard: source is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8090
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	tmpl, err := parseTemplates()
	if err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	router.SetHTMLTemplate(tmpl)

	registerRoutes(router, opts.Source)

	addr := fmt.Sprintf("127.0.0.1:%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "dashboard listening at http://%s\n", addr)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// templateFuncs returns the FuncMap used by dashboard templates.
func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"timeAgo": TimeAgo,
	}
}

// parseTemplates loads the embedded HTML templates with custom functions.
func parseTemplates() (*template.Template, error) {
	tmpl, err := template.New("").Funcs(templateFuncs()).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return tmpl, nil
}

// staticFS exposes the embedded assets directory for /static.
func staticFS() http.FileSystem {
	sub, _ := fs.Sub(assetsFS, "assets")
	return http.FS(sub)
}

// TimeAgo formats a time as a human-readable relative duration.
func TimeAgo(t time.Time) string {
	if t.IsZero() {
		return "—"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(math.Round(d.Seconds())))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
