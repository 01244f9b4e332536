// Package handlers exposes the account provisioning REST API.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/farelvpn/autoscript/pkg/api/middleware"
	"github.com/farelvpn/autoscript/pkg/metrics"
	"github.com/farelvpn/autoscript/pkg/models"
	"github.com/farelvpn/autoscript/pkg/provision"
	"github.com/farelvpn/autoscript/pkg/storage"
	"github.com/farelvpn/autoscript/pkg/xrayconf"
)

// AccountService is the lifecycle surface the API drives.
type AccountService interface {
	Create(ctx context.Context, proto models.Protocol, username string, quotaGB int64) (*provision.CreateResult, error)
	Delete(ctx context.Context, proto models.Protocol, username string) error
	IncreaseQuota(ctx context.Context, proto models.Protocol, username string, addGB int64) (int64, error)
	Info(proto models.Protocol, username string) (*models.AccountInfo, error)
}

// APIServer holds the handler dependencies.
type APIServer struct {
	service AccountService
	audit   storage.AuditLogger
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAPIServer creates a new API server with dependencies. The audit
// logger and metrics may be nil when disabled.
func NewAPIServer(service AccountService, audit storage.AuditLogger, m *metrics.Metrics, logger *zap.Logger) *APIServer {
	return &APIServer{
		service: service,
		audit:   audit,
		metrics: m,
		logger:  logger,
	}
}

// NewRouter builds the gin engine with middleware and routes.
func NewRouter(server *APIServer, tokens []string, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationIDMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	router.GET("/health", server.HealthCheck)

	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(tokens, logger))
	{
		api.POST("/accounts/:protocol", server.CreateAccount)
		api.GET("/accounts/:protocol/:username", server.GetAccount)
		api.DELETE("/accounts/:protocol/:username", server.DeleteAccount)
		api.POST("/accounts/:protocol/:username/quota", server.IncreaseQuota)
		api.GET("/audit", server.RecentAuditEvents)
	}
	return router
}

type createAccountRequest struct {
	Username string `json:"username"`
	QuotaGB  int64  `json:"quota_gb"`
}

type increaseQuotaRequest struct {
	AddGB int64 `json:"add_gb"`
}

// HealthCheck handles GET /health
func (s *APIServer) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// CreateAccount handles POST /api/accounts/:protocol
func (s *APIServer) CreateAccount(c *gin.Context) {
	log := middleware.GetLogger(c, s.logger)

	proto, ok := s.protocolParam(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.fail(c, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := validatePayload(createAccountValidator, body); err != nil {
		s.fail(c, http.StatusBadRequest, err.Error())
		return
	}
	var req createAccountRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	result, err := s.service.Create(c.Request.Context(), proto, req.Username, req.QuotaGB)
	s.countOperation(storage.AuditCreate, err)
	if err != nil {
		log.Warn("Account creation failed",
			zap.String("protocol", proto.String()),
			zap.String("username", req.Username),
			zap.Error(err))
		s.failFromError(c, err)
		return
	}
	s.ok(c, http.StatusCreated, "account created", result)
}

// GetAccount handles GET /api/accounts/:protocol/:username
func (s *APIServer) GetAccount(c *gin.Context) {
	proto, ok := s.protocolParam(c)
	if !ok {
		return
	}
	info, err := s.service.Info(proto, c.Param("username"))
	if err != nil {
		s.failFromError(c, err)
		return
	}
	s.ok(c, http.StatusOK, "account found", info)
}

// DeleteAccount handles DELETE /api/accounts/:protocol/:username
func (s *APIServer) DeleteAccount(c *gin.Context) {
	log := middleware.GetLogger(c, s.logger)

	proto, ok := s.protocolParam(c)
	if !ok {
		return
	}
	username := c.Param("username")
	err := s.service.Delete(c.Request.Context(), proto, username)
	s.countOperation(storage.AuditDelete, err)
	if err != nil {
		log.Warn("Account deletion failed",
			zap.String("protocol", proto.String()),
			zap.String("username", username),
			zap.Error(err))
		s.failFromError(c, err)
		return
	}
	s.ok(c, http.StatusOK, "account deleted", nil)
}

// IncreaseQuota handles POST /api/accounts/:protocol/:username/quota
func (s *APIServer) IncreaseQuota(c *gin.Context) {
	proto, ok := s.protocolParam(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.fail(c, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := validatePayload(increaseQuotaValidator, body); err != nil {
		s.fail(c, http.StatusBadRequest, err.Error())
		return
	}
	var req increaseQuotaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	username := c.Param("username")
	newLimit, err := s.service.IncreaseQuota(c.Request.Context(), proto, username, req.AddGB)
	s.countOperation(storage.AuditIncreaseQuota, err)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	s.ok(c, http.StatusOK, "quota increased", gin.H{
		"limit_bytes":   newLimit,
		"limit_display": models.FormatBytes(newLimit),
	})
}

// RecentAuditEvents handles GET /api/audit
func (s *APIServer) RecentAuditEvents(c *gin.Context) {
	if s.audit == nil {
		s.fail(c, http.StatusNotFound, "audit trail is disabled")
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.fail(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	events, err := s.audit.RecentEvents(limit)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "failed to read audit events")
		return
	}
	s.ok(c, http.StatusOK, "audit events", events)
}

func (s *APIServer) protocolParam(c *gin.Context) (models.Protocol, bool) {
	proto, err := models.ParseProtocol(c.Param("protocol"))
	if err != nil {
		s.fail(c, http.StatusBadRequest, err.Error())
		return "", false
	}
	return proto, true
}

func (s *APIServer) ok(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(code, gin.H{
		"status":  "true",
		"code":    code,
		"message": message,
		"data":    data,
	})
}

func (s *APIServer) fail(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{
		"status":  "false",
		"code":    code,
		"message": message,
	})
}

// failFromError maps domain errors onto HTTP statuses.
func (s *APIServer) failFromError(c *gin.Context, err error) {
	switch {
	case storage.IsValidationError(err):
		s.fail(c, http.StatusBadRequest, err.Error())
	case storage.IsNotFoundError(err):
		s.fail(c, http.StatusNotFound, err.Error())
	case storage.IsConflictError(err) || xrayconf.IsDuplicateAccountError(err):
		s.fail(c, http.StatusConflict, err.Error())
	default:
		s.fail(c, http.StatusInternalServerError, err.Error())
	}
}

func (s *APIServer) countOperation(operation string, err error) {
	if s.metrics == nil {
		return
	}
	status := storage.AuditStatusSuccess
	if err != nil {
		status = storage.AuditStatusFailure
	}
	s.metrics.AccountOperations.WithLabelValues(operation, status).Inc()
}
