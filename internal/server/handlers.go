package server

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nshruti113/ddos-mitigator/internal/config"
	"github.com/nshruti113/ddos-mitigator/internal/models"
)

const (
	maxBatch          = 10000
	defaultEventsSpan = time.Hour
)

// evaluatePacket runs one descriptor through the engine
func (s *Server) evaluatePacket(c *gin.Context) {
	var p models.Packet
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := s.engine.Evaluate(p)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, d)
}

type batchResult struct {
	Decision *models.Decision `json:"decision,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// evaluateBatch evaluates descriptors in order. A malformed descriptor fails
// only its own slot.
func (s *Server) evaluateBatch(c *gin.Context) {
	var packets []models.Packet
	if err := c.ShouldBindJSON(&packets); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(packets) > maxBatch {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "batch too large"})
		return
	}

	results := make([]batchResult, len(packets))
	for i, p := range packets {
		d, err := s.engine.Evaluate(p)
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		results[i].Decision = &d
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// getSummaryStats returns dashboard summary statistics
func (s *Server) getSummaryStats(c *gin.Context) {
	stats := s.engine.Stats()

	status := "NORMAL"
	if stats.Blacklisted > 0 || stats.Graylisted > 0 {
		status = "UNDER_ATTACK"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"stats":      stats,
		"config":     s.engine.Config(),
		"ws_clients": s.hub.ClientCount(),
	})
}

// getEvents returns stored events, by default from the last hour
func (s *Server) getEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event history is disabled"})
		return
	}

	span := defaultEventsSpan
	if v := c.Query("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a positive duration"})
			return
		}
		span = d
	}

	events, err := s.events.RecentEvents(c.Request.Context(), time.Now().Add(-span))
	if err != nil {
		s.logger.Error("failed to load events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load events"})
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type blacklistRequest struct {
	IP string `json:"ip" binding:"required"`
	// Duration is a Go duration string. Empty uses the configured
	// blacklist duration; "0" blacklists until removed.
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
}

func (s *Server) getBlacklist(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": s.engine.Lists().BlacklistEntries()})
}

func (s *Server) addBlacklist(c *gin.Context) {
	var req blacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ip, err := netip.ParseAddr(req.IP)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d := s.engine.Config().BlacklistDuration
	if req.Duration != "" {
		if d, err = time.ParseDuration(req.Duration); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	entry := s.engine.Lists().AddBlacklist(ip, d, req.Reason)
	s.logger.Info("blacklisted via API", zap.Stringer("ip", entry.IP), zap.Duration("duration", d))
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) removeBlacklist(c *gin.Context) {
	ip, ok := ipParam(c)
	if !ok {
		return
	}
	if !s.engine.Lists().RemoveBlacklist(ip) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not blacklisted"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

type ipRequest struct {
	IP string `json:"ip" binding:"required"`
}

func (s *Server) getGraylist(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": s.engine.Lists().GraylistEntries()})
}

func (s *Server) addGraylist(c *gin.Context) {
	var req ipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ip, err := netip.ParseAddr(req.IP)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lists := s.engine.Lists()
	if !lists.AddGraylist(ip) {
		c.JSON(http.StatusConflict, gin.H{"error": "already graylisted"})
		return
	}
	entry, _ := lists.Graylist(ip)
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) removeGraylist(c *gin.Context) {
	ip, ok := ipParam(c)
	if !ok {
		return
	}
	if !s.engine.Lists().RemoveGraylist(ip) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not graylisted"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

type whitelistRequest struct {
	// IP is an address or a CIDR prefix.
	IP     string `json:"ip"`
	Prefix string `json:"prefix"`
}

func (s *Server) getWhitelist(c *gin.Context) {
	entries := s.engine.Lists().WhitelistEntries()
	out := make([]string, len(entries))
	for i, p := range entries {
		out[i] = p.String()
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

func (s *Server) addWhitelist(c *gin.Context) {
	var req whitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	raw := req.Prefix
	if raw == "" {
		raw = req.IP
	}
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ip or prefix is required"})
		return
	}
	prefix, err := config.ParsePrefix(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.engine.Lists().AddWhitelistPrefix(prefix)
	s.logger.Info("whitelisted via API", zap.Stringer("prefix", prefix))
	c.JSON(http.StatusCreated, gin.H{"entry": prefix.String()})
}

// removeWhitelist takes an address or a prefix with the slash URL-encoded.
func (s *Server) removeWhitelist(c *gin.Context) {
	prefix, err := config.ParsePrefix(c.Param("ip"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.engine.Lists().RemoveWhitelistPrefix(prefix) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not whitelisted"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (s *Server) rotateCookies(c *gin.Context) {
	if err := s.engine.Issuer().Rotate(); err != nil {
		s.logger.Error("cookie secret rotation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rotation failed"})
		return
	}
	s.logger.Info("cookie secret rotated")
	c.JSON(http.StatusOK, gin.H{"status": "rotated"})
}

func ipParam(c *gin.Context) (netip.Addr, bool) {
	ip, err := netip.ParseAddr(c.Param("ip"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return netip.Addr{}, false
	}
	return ip, true
}
