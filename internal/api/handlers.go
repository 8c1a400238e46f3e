package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tradefleet/internal/events"
	"tradefleet/internal/supervisor"
)

const defaultErrorWindow = 15 * time.Minute

// Root handler
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": s.cfg.App.Name,
		"status":  "running",
		"time":    time.Now().UTC(),
	})
}

// handleGetHealth returns the derived fleet health score with per-session
// detail for the dashboard.
func (s *Server) handleGetHealth(c *gin.Context) {
	window := parseWindow(c.Query("window"))

	score := s.journal.HealthScore(window)

	sessions := make([]gin.H, 0)
	for _, sess := range s.registry.List() {
		phase := "UNKNOWN"
		if inst, ok := s.sup.Instance(sess.Account.ID()); ok {
			phase = inst.Phase().String()
		}
		sessions = append(sessions, gin.H{
			"account":   sess.Account.ID(),
			"port":      sess.Account.AssignedPort,
			"phase":     phase,
			"ready":     sess.Ready(),
			"last_seen": sess.LastSeen(),
			"circuits":  sess.CircuitSnapshot(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"system_health": gin.H{
			"score":          score,
			"status":         events.HealthStatus(score),
			"uptime_seconds": time.Since(s.started).Seconds(),
			"error_summary":  s.journal.Summarize(window),
			"error_rates":    s.journal.Rates(window),
		},
		"sessions": sessions,
	})
}

// handleListAccounts returns the configured fleet with live phase info.
// Credentials never leave the config layer.
func (s *Server) handleListAccounts(c *gin.Context) {
	accounts := make([]gin.H, 0, len(s.cfg.Accounts))
	for _, a := range s.cfg.Accounts {
		entry := gin.H{
			"name":      a.ID(),
			"port":      a.AssignedPort,
			"protected": a.AssignedPort == s.sup.ProtectedPort(),
		}
		if inst, ok := s.sup.Instance(a.ID()); ok {
			st := inst.Status()
			entry["phase"] = st.Phase
			entry["pid"] = st.Pid
			entry["launch_attempts"] = st.LaunchAttempts
			if st.LastError != "" {
				entry["last_error"] = st.LastError
			}
		}
		_, ready := s.registry.Get(a.ID())
		entry["ready"] = ready
		accounts = append(accounts, entry)
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// handleGetErrors queries the journal, optionally filtered by category
// and window (a duration string, default 15m).
func (s *Server) handleGetErrors(c *gin.Context) {
	window := parseWindow(c.Query("window"))
	evts := s.journal.Query(c.Query("category"), window)
	c.JSON(http.StatusOK, gin.H{
		"count":  len(evts),
		"window": window.String(),
		"events": evts,
	})
}

// handleClearErrors drops journal entries older than the requested age.
func (s *Server) handleClearErrors(c *gin.Context) {
	var req struct {
		Hours float64 `json:"hours"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	remaining := s.journal.Clear(time.Duration(req.Hours * float64(time.Hour)))
	c.JSON(http.StatusOK, gin.H{"remaining": remaining})
}

// handleGetStartupMonitoring reports the monitor mode and every
// instance's startup phase.
func (s *Server) handleGetStartupMonitoring(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"mode":     s.monitor.Mode().String(),
		"accounts": s.sup.Statuses(),
	})
}

// handleStartupControl switches the monitor mode at runtime.
func (s *Server) handleStartupControl(c *gin.Context) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	mode, ok := supervisor.ParseMode(req.Mode)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be DISABLED, PASSIVE or ACTIVE"})
		return
	}
	s.monitor.SetMode(mode)
	c.JSON(http.StatusOK, gin.H{"mode": mode.String()})
}

// parseWindow accepts a duration string or a bare minute count.
func parseWindow(raw string) time.Duration {
	if raw == "" {
		return defaultErrorWindow
	}
	if mins, err := strconv.Atoi(raw); err == nil {
		if mins <= 0 {
			return defaultErrorWindow
		}
		return time.Duration(mins) * time.Minute
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return defaultErrorWindow
	}
	return d
}
