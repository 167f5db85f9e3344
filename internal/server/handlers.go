package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/NevinXuHui/KiroGate/internal/allocator"
	gwerrors "github.com/NevinXuHui/KiroGate/internal/errors"
	"github.com/NevinXuHui/KiroGate/internal/kiro"
	"github.com/NevinXuHui/KiroGate/internal/store"
	"github.com/NevinXuHui/KiroGate/internal/version"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The route sits behind the management key; origin checks add nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleHealthz(c *gin.Context) {
	if err := s.deps.Store.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": version.Version})
}

func (s *Server) handleListTokens(c *gin.Context) {
	tokens, err := s.deps.Store.ListTokens(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens, "count": len(tokens)})
}

type createTokenRequest struct {
	Region       string `json:"region"`
	ProfileARN   string `json:"profile_arn"`
	RefreshToken string `json:"refresh_token" binding:"required"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	OwnerID      int64  `json:"owner_id"`
	Visibility   string `json:"visibility"`
}

func (s *Server) handleCreateToken(c *gin.Context) {
	var req createTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "invalid_request"}})
		return
	}
	region := req.Region
	if region == "" {
		region = s.deps.Config.Region
	}
	visibility := store.Visibility(req.Visibility)
	if visibility == "" {
		visibility = store.VisibilityPublic
	}
	if visibility != store.VisibilityPublic && visibility != store.VisibilityPrivate {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "visibility must be public or private", "type": "invalid_request"}})
		return
	}

	tok := &store.Token{
		Region:     region,
		ProfileARN: req.ProfileARN,
		OwnerID:    req.OwnerID,
		Visibility: visibility,
		Status:     store.StatusActive,
	}
	id, err := s.deps.Store.CreateToken(c.Request.Context(), tok, store.Credentials{
		RefreshToken: req.RefreshToken,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
	})
	if err != nil {
		abortError(c, err)
		return
	}
	log.WithFields(log.Fields{"token_id": id, "region": region, "visibility": visibility}).Info("Token added to pool")
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleGetToken(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	tok, err := s.deps.Store.GetToken(c.Request.Context(), id)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

func (s *Server) handleDeleteToken(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteToken(c.Request.Context(), id); err != nil {
		abortError(c, err)
		return
	}
	// Drop the cached manager and any sequential position pointing here.
	s.deps.Allocator.Evict(id)
	log.WithField("token_id", id).Info("Token removed from pool")
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleSetStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "invalid_request"}})
		return
	}
	status := store.Status(req.Status)
	if status != store.StatusActive && status != store.StatusInvalid {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "status must be active or invalid", "type": "invalid_request"}})
		return
	}
	if err := s.deps.Store.SetTokenStatus(c.Request.Context(), id, status); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": status})
}

// handleUsage probes the upstream subscription usage for one identity,
// refreshing its access token first if needed.
func (s *Server) handleUsage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	mgr, err := s.deps.Registry.GetOrCreate(ctx, id)
	if err != nil {
		abortError(c, err)
		return
	}
	if _, err := mgr.GetAccessToken(ctx); err != nil {
		abortError(c, err)
		return
	}
	uc := s.deps.Usage
	if uc == nil {
		uc = kiro.NewUsageClient(mgr.Region())
	}
	usage, err := uc.GetSubscriptionUsage(ctx, mgr.HeaderContext())
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token_id": id, "usage": usage})
}

type allocateRequest struct {
	UserID   int64  `json:"user_id"`
	Strategy string `json:"strategy"`
}

// handleAllocate leases the best identity for a caller: picks per the
// requested strategy and returns a valid access token for it.
func (s *Server) handleAllocate(c *gin.Context) {
	var req allocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "invalid_request"}})
		return
	}
	strategy := allocator.Strategy(req.Strategy)
	if req.Strategy != "" && !allocator.ValidStrategy(strategy) {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "unknown strategy: " + req.Strategy, "type": "invalid_request"}})
		return
	}
	ctx := c.Request.Context()
	tok, mgr, err := s.deps.Allocator.GetBestToken(ctx, req.UserID, strategy)
	if err != nil {
		abortError(c, err)
		return
	}
	accessToken, err := mgr.GetAccessToken(ctx)
	if err != nil {
		// A dead refresh counts against the identity.
		_ = s.deps.Allocator.RecordUsage(ctx, tok.ID, false)
		abortError(c, err)
		return
	}
	if err := s.deps.Allocator.RecordUsage(ctx, tok.ID, true); err != nil {
		log.WithError(err).WithField("token_id", tok.ID).Warn("Failed to record token usage")
	}
	c.JSON(http.StatusOK, gin.H{
		"token_id":     tok.ID,
		"region":       mgr.Region(),
		"profile_arn":  mgr.ProfileARN(),
		"access_token": accessToken,
	})
}

func (s *Server) handleResetSequential(c *gin.Context) {
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "invalid_request"}})
		return
	}
	s.deps.Allocator.ResetSequential(req.UserID)
	c.JSON(http.StatusOK, gin.H{"reset": true, "user_id": req.UserID})
}

func (s *Server) handleHealthSweep(c *gin.Context) {
	sum, err := s.deps.Checker.CheckAll(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.deps.Tasks.ListTasks()})
}

func (s *Server) handleTaskStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Tasks.GetStats())
}

func (s *Server) handleLogHistory(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"logs": s.deps.WSLogger.History(limit)})
}

func (s *Server) handleLogStream(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	if err := s.deps.WSLogger.AddClient(conn); err != nil {
		_ = conn.Close()
		return
	}
	// Reader loop only detects disconnect; clients never send payloads.
	go func() {
		defer s.deps.WSLogger.RemoveClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "invalid token id", "type": "invalid_request"}})
		return 0, false
	}
	return id, true
}

// abortError maps typed gateway errors onto HTTP statuses.
func abortError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	errType := "internal_error"

	switch {
	case store.IsNotFound(err):
		status, errType = http.StatusNotFound, "not_found"
	default:
		switch gwerrors.KindOf(err) {
		case gwerrors.KindNoTokenAvailable:
			status, errType = http.StatusServiceUnavailable, "no_token_available"
		case gwerrors.KindUpstreamTransient:
			status, errType = http.StatusBadGateway, "upstream_transient"
		case gwerrors.KindUpstreamRefused:
			status, errType = http.StatusBadGateway, "upstream_refused"
		case gwerrors.KindMalformedResponse:
			status, errType = http.StatusBadGateway, "malformed_response"
		case gwerrors.KindCredentialsMissing, gwerrors.KindNoRefreshToken:
			status, errType = http.StatusConflict, string(gwerrors.KindOf(err))
		}
	}

	c.JSON(status, gin.H{"error": gin.H{"message": err.Error(), "type": errType}})
}
