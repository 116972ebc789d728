package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/jhuang59/router-benchmark/pkg/config"
	"github.com/jhuang59/router-benchmark/pkg/protocol"
	"github.com/jhuang59/router-benchmark/pkg/whitelist"
)

// Context keys set by the auth middlewares.
const (
	ctxAdminID  = "admin_id"
	ctxClientID = "client_id"
)

// Server wires every coordinator component behind the HTTP surface.
type Server struct {
	cfg      *config.ServerConfig
	db       *gorm.DB
	creds    *CredentialStore
	queue    *CommandQueue
	liveness *LivenessTracker
	audit    *AuditLog
	shells   *ShellManager
	registry *whitelist.Registry
	limiter  *RateLimiter
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/healthz", s.handleHealth)

	v1 := router.Group("/v1")
	v1.POST("/bootstrap", s.handleBootstrap)
	v1.GET("/commands", s.handleCommandCatalog)

	admin := v1.Group("", s.requireAdmin())
	admin.POST("/admins", s.handleAdminCreate)
	admin.POST("/clients", s.handleClientRegister)
	admin.GET("/clients", s.handleClientList)
	admin.DELETE("/clients/:client_id", s.handleClientRevoke)
	admin.POST("/clients/:client_id/commands", s.handleEnqueue)
	admin.GET("/clients/:client_id/pending", s.handlePending)
	admin.DELETE("/clients/:client_id/pending", s.handleClearPending)
	admin.GET("/clients/:client_id/results", s.handleResults)
	admin.GET("/results/:command_uuid", s.handleResultByUUID)
	admin.GET("/audit", s.handleAuditQuery)
	admin.GET("/sessions", s.handleShellList)
	admin.POST("/clients/:client_id/sessions", s.handleShellOpen)
	admin.DELETE("/sessions/:session_id", s.handleShellClose)
	admin.GET("/sessions/:session_id/attach", s.handleShellAttach)

	client := v1.Group("", s.requireClient())
	client.GET("/poll", s.handlePoll)
	client.POST("/results", s.handleResult)
	client.POST("/heartbeat", s.handleHeartbeat)
	client.GET("/shell/channel", s.handleShellChannel)
}

// requireAdmin authenticates the X-Admin-Key header. Failures are
// audited by remote address only; the presented key is never logged.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		remote := c.ClientIP()
		if s.limiter.Blocked(remote) {
			writeCodedError(c, protocol.Errf(protocol.CodeRateLimited, "too many failed attempts"))
			return
		}
		adminID, err := s.creds.VerifyAdmin(c.GetHeader(protocol.HeaderAdminKey))
		if err != nil {
			s.limiter.RecordFailure(remote)
			s.mustAudit(remote, actionAuthAttempt, "admin", outcomeDenied)
			writeCodedError(c, protocol.Errf(protocol.CodeUnauthorized, "admin authentication failed"))
			return
		}
		c.Set(ctxAdminID, adminID)
		c.Next()
	}
}

// requireClient authenticates the client ID/key header pair.
func (s *Server) requireClient() gin.HandlerFunc {
	return func(c *gin.Context) {
		remote := c.ClientIP()
		if s.limiter.Blocked(remote) {
			writeCodedError(c, protocol.Errf(protocol.CodeRateLimited, "too many failed attempts"))
			return
		}
		clientID := c.GetHeader(protocol.HeaderClientID)
		if err := s.creds.VerifyClient(clientID, c.GetHeader(protocol.HeaderClientKey)); err != nil {
			s.limiter.RecordFailure(remote)
			s.mustAudit(remote, actionAuthAttempt, "client", outcomeDenied)
			writeCodedError(c, protocol.Errf(protocol.CodeUnauthorized, "client authentication failed"))
			return
		}
		c.Set(ctxClientID, clientID)
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"rate_limiter": s.limiter.Stats(),
	})
}

// handleBootstrap mints the first admin credential. The store refuses
// a second call forever; there is no recovery path for a lost key
// beyond wiping the database.
func (s *Server) handleBootstrap(c *gin.Context) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	_ = c.ShouldBindJSON(&req)

	adminID, apiKey, err := s.creds.Bootstrap(req.DisplayName)
	if err != nil {
		writeCodedError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"admin_id": adminID, "api_key": apiKey})
}

func (s *Server) handleAdminCreate(c *gin.Context) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	_ = c.ShouldBindJSON(&req)

	adminID, apiKey, err := s.creds.CreateAdmin(req.DisplayName, c.GetString(ctxAdminID))
	if err != nil {
		writeCodedError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"admin_id": adminID, "api_key": apiKey})
}

func (s *Server) handleClientRegister(c *gin.Context) {
	var req struct {
		ClientID string `json:"client_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeCodedError(c, protocol.Errf(protocol.CodeInvalidParameter, "client_id is required"))
		return
	}

	secret, err := s.creds.RegisterClient(req.ClientID, c.GetString(ctxAdminID))
	if err != nil {
		writeCodedError(c, err)
		return
	}
	// The one place the shared secret crosses the wire.
	c.JSON(http.StatusCreated, gin.H{"client_id": req.ClientID, "secret_key": secret})
}

func (s *Server) handleClientRevoke(c *gin.Context) {
	if err := s.creds.RevokeClient(c.Param("client_id"), c.GetString(ctxAdminID)); err != nil {
		writeCodedError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

func (s *Server) handleClientList(c *gin.Context) {
	clients, err := s.creds.ListClients()
	if err != nil {
		writeCodedError(c, err)
		return
	}
	statuses, err := s.liveness.List()
	if err != nil {
		writeCodedError(c, err)
		return
	}
	byID := make(map[string]protocol.ClientStatus, len(statuses))
	for _, st := range statuses {
		byID[st.ClientID] = st
	}

	type clientView struct {
		ClientInfo
		Status protocol.ClientStatus `json:"liveness"`
	}
	views := make([]clientView, 0, len(clients))
	for _, info := range clients {
		views = append(views, clientView{ClientInfo: info, Status: byID[info.ClientID]})
	}
	c.JSON(http.StatusOK, gin.H{"clients": views})
}

// handleCommandCatalog is intentionally unauthenticated: the catalog
// names commands and parameter shapes, never credentials or targets.
func (s *Server) handleCommandCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"commands": s.registry.List()})
}

func (s *Server) handleEnqueue(c *gin.Context) {
	var req struct {
		CommandID string            `json:"command_id" binding:"required"`
		Params    map[string]string `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeCodedError(c, protocol.Errf(protocol.CodeInvalidParameter, "command_id is required"))
		return
	}

	envelope, err := s.queue.Enqueue(c.Param("client_id"), req.CommandID, req.Params, c.GetString(ctxAdminID))
	if err != nil {
		writeCodedError(c, err)
		return
	}
	c.JSON(http.StatusCreated, envelope)
}

func (s *Server) handlePending(c *gin.Context) {
	envelopes, err := s.queue.Pending(c.Param("client_id"))
	if err != nil {
		writeCodedError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"envelopes": envelopes})
}

func (s *Server) handleClearPending(c *gin.Context) {
	cleared, err := s.queue.ClearPending(c.Param("client_id"), c.GetString(ctxAdminID))
	if err != nil {
		writeCodedError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (s *Server) handleResults(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	results, err := s.queue.Results(c.Param("client_id"), limit)
	if err != nil {
		writeCodedError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleResultByUUID(c *gin.Context) {
	result, err := s.queue.ResultByUUID(c.Param("command_uuid"))
	if err != nil {
		writeCodedError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleAuditQuery(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := s.audit.Query(AuditFilter{
		Actor:  c.Query("actor"),
		Action: c.Query("action"),
		Target: c.Query("target"),
	}, limit)
	if err != nil {
		writeCodedError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// handlePoll hands the authenticated client its queued envelopes and
// marks them delivered in the same transaction.
func (s *Server) handlePoll(c *gin.Context) {
	envelopes, err := s.queue.Poll(c.GetString(ctxClientID))
	if err != nil {
		writeCodedError(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.PollResponse{Envelopes: envelopes})
}

func (s *Server) handleResult(c *gin.Context) {
	var result protocol.CommandResult
	if err := c.ShouldBindJSON(&result); err != nil {
		writeCodedError(c, protocol.Errf(protocol.CodeInvalidParameter, "malformed result body"))
		return
	}
	// A client may only report against its own envelopes.
	result.ClientID = c.GetString(ctxClientID)
	if err := s.queue.RecordResult(&result); err != nil {
		writeCodedError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": true})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var hb protocol.HeartbeatRequest
	if err := c.ShouldBindJSON(&hb); err != nil {
		writeCodedError(c, protocol.Errf(protocol.CodeInvalidParameter, "malformed heartbeat body"))
		return
	}
	hb.ClientID = c.GetString(ctxClientID)
	if err := s.liveness.Heartbeat(&hb); err != nil {
		writeCodedError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) mustAudit(actor, action, target, outcome string) {
	if err := s.audit.Append(actor, action, target, outcome); err != nil {
		logger.Error().Err(err).Str("action", action).Msg("Failed writing audit entry")
	}
}
