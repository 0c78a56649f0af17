package dashboard

import (
	"time"

	"github.com/signalman-dev/signalman/internal/cache"
	"github.com/signalman-dev/signalman/internal/diagnostics"
)

// HealthRow is the connection/health summary shown on the index page.
type HealthRow struct {
	State        string
	BotUserID    string
	HealthStatus string
}

// WorkerRow is one cache sync worker's status.
type WorkerRow struct {
	Kind      string
	LastCycle time.Time
}

// connectionHealth reads the manager and health monitor state, if present.
func connectionHealth(src Source) HealthRow {
	row := HealthRow{State: "disabled", HealthStatus: "disabled"}
	if m := src.Manager(); m != nil {
		row.State = m.State().String()
		row.BotUserID = m.BotUserID()
	}
	if h := src.HealthMonitor(); h != nil {
		row.HealthStatus = h.Status().String()
	}
	return row
}

// workerRows summarizes the cache sync workers.
func workerRows(src Source) []WorkerRow {
	workers := src.Workers()
	rows := make([]WorkerRow, len(workers))
	for i, w := range workers {
		rows[i] = WorkerRow{Kind: string(w.Kind()), LastCycle: w.LastCycle()}
	}
	return rows
}

// recentDiagnostics returns the newest limit diagnostics entries, both
// directions, newest first.
func recentDiagnostics(src Source, limit int) []diagnostics.Entry {
	diag := src.Diagnostics()
	if diag == nil {
		return nil
	}
	return diag.List(diagnostics.Filters{Limit: limit})
}

// cachedChannels returns every channel the cache currently knows about.
func cachedChannels(src Source) []cache.Channel {
	c := src.Cache()
	if c == nil {
		return nil
	}
	channels, err := c.Channels()
	if err != nil {
		return nil
	}
	return channels
}

// cachedUsers returns every unexpired user snapshot in the cache.
func cachedUsers(src Source) []cache.User {
	c := src.Cache()
	if c == nil {
		return nil
	}
	users, err := c.Users()
	if err != nil {
		return nil
	}
	return users
}
