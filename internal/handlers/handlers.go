package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"social-auto-reply-go/internal/dispatch"
	"social-auto-reply-go/internal/models"
	"social-auto-reply-go/internal/repository"
	"social-auto-reply-go/internal/scheduler"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Details   map[string]string `json:"details,omitempty"`
}

// RuleRequest represents the request structure for creating/updating rules
type RuleRequest struct {
	PageID    string `json:"page_id" binding:"required"`
	Keywords  string `json:"keywords" binding:"required"`
	ReplyText string `json:"reply_text" binding:"required"`
	Priority  int    `json:"priority"`
	IsActive  *bool  `json:"is_active"`
}

// Handlers contains all HTTP handlers
type Handlers struct {
	repo        *repository.Repository
	dispatcher  *dispatch.Dispatcher
	runner      *dispatch.Runner
	scheduler   *scheduler.Scheduler
	verifyToken string
}

// NewHandlers creates new HTTP handlers
func NewHandlers(repo *repository.Repository, dispatcher *dispatch.Dispatcher, runner *dispatch.Runner, sched *scheduler.Scheduler, verifyToken string) *Handlers {
	return &Handlers{
		repo:        repo,
		dispatcher:  dispatcher,
		runner:      runner,
		scheduler:   sched,
		verifyToken: verifyToken,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	// Health check
	router.GET("/healthz", h.HealthCheck)

	// Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Webhook endpoint
	router.GET("/webhook", h.VerifyWebhook)
	router.POST("/webhook", h.ReceiveWebhook)

	// API routes
	api := router.Group("/api/v1")
	{
		// Auto-reply rules
		api.GET("/rules", h.GetRules)
		api.POST("/rules", h.CreateRule)
		api.PUT("/rules/:id", h.UpdateRule)
		api.DELETE("/rules/:id", h.DeleteRule)
		api.PATCH("/rules/:id/enable", h.SetRuleActive(true))
		api.PATCH("/rules/:id/disable", h.SetRuleActive(false))

		// Events and raw webhook logs
		api.GET("/events", h.GetEvents)
		api.GET("/events/:platform_id", h.GetEvent)
		api.GET("/logs", h.GetWebhookLogs)

		// Reprocessing and scheduler control
		api.POST("/reprocess", h.Reprocess)
		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.POST("/scheduler/run-once", h.RunSchedulerOnce)
		api.GET("/scheduler/status", h.GetSchedulerStatus)
	}
}

// VerifyWebhook handles the platform's subscription handshake. The token
// must match; anything else is a 403 with no retry semantics.
func (h *Handlers) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && token == h.verifyToken {
		c.String(http.StatusOK, challenge)
		return
	}
	c.String(http.StatusForbidden, "verification failed")
}

// ReceiveWebhook persists the raw payload, acknowledges immediately, and
// hands processing to the supervised background runner. Platforms enforce
// short ingestion timeouts, so nothing slow may happen before the 200.
func (h *Handlers) ReceiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_body",
			Message: "Failed to read request body",
			Code:    http.StatusBadRequest,
		})
		return
	}

	// Cheap syntactic check so obviously malformed JSON gets a 400; the
	// full envelope parse happens in the background.
	if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "malformed_json",
			Message: "Request body is not valid JSON",
			Code:    http.StatusBadRequest,
		})
		return
	}

	log, err := h.dispatcher.Receive(dispatch.PageIDHint(body), body)
	if err != nil {
		logrus.Errorf("Failed to persist webhook payload: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "storage_error",
			Message: "Failed to persist payload",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	h.runner.Go("webhook-dispatch", func(ctx context.Context) {
		if err := h.dispatcher.Dispatch(ctx, log); err != nil {
			logrus.Errorf("Background dispatch for log %s failed: %v", log.ID, err)
		}
	})

	c.String(http.StatusOK, "EVENT_RECEIVED")
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Details:   make(map[string]string),
	}

	if err := h.repo.DB().Raw("SELECT 1").Error; err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.scheduler.IsRunning() {
		response.Details["scheduler"] = "running"
		response.Details["next_run"] = h.scheduler.GetNextRun().Format(time.RFC3339)
	} else {
		response.Details["scheduler"] = "stopped"
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// GetRules returns auto-reply rules, optionally filtered by page
func (h *Handlers) GetRules(c *gin.Context) {
	query := h.repo.DB().Model(&models.AutoReplyRule{})
	if pageID := c.Query("page_id"); pageID != "" {
		query = query.Where("page_id = ?", pageID)
	}

	var rules []models.AutoReplyRule
	if err := query.Order("priority DESC").Find(&rules).Error; err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch rules",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, rules)
}

// CreateRule creates a new auto-reply rule
func (h *Handlers) CreateRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	rule := models.AutoReplyRule{
		PageID:    req.PageID,
		Keywords:  req.Keywords,
		ReplyText: req.ReplyText,
		Priority:  req.Priority,
		IsActive:  active,
	}
	if err := h.repo.DB().Create(&rule).Error; err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to create rule",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// UpdateRule updates an auto-reply rule
func (h *Handlers) UpdateRule(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Invalid rule ID",
			Code:    http.StatusBadRequest,
		})
		return
	}

	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}

	var rule models.AutoReplyRule
	if err := h.repo.DB().First(&rule, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Rule not found",
				Code:    http.StatusNotFound,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch rule",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	rule.PageID = req.PageID
	rule.Keywords = req.Keywords
	rule.ReplyText = req.ReplyText
	rule.Priority = req.Priority
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}

	if err := h.repo.DB().Save(&rule).Error; err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to update rule",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule deletes an auto-reply rule
func (h *Handlers) DeleteRule(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Invalid rule ID",
			Code:    http.StatusBadRequest,
		})
		return
	}

	if err := h.repo.DB().Delete(&models.AutoReplyRule{}, id).Error; err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to delete rule",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// SetRuleActive returns a handler enabling or disabling a rule
func (h *Handlers) SetRuleActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_id",
				Message: "Invalid rule ID",
				Code:    http.StatusBadRequest,
			})
			return
		}

		if err := h.repo.DB().Model(&models.AutoReplyRule{}).Where("id = ?", id).Update("is_active", active).Error; err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "database_error",
				Message: "Failed to update rule",
				Code:    http.StatusInternalServerError,
			})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// GetEvents returns processed events with pagination
func (h *Handlers) GetEvents(c *gin.Context) {
	page, limit := pagination(c)
	events, total, err := h.repo.Events(c.Query("page_id"), (page-1)*limit, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch events",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// GetEvent returns a single event by its platform-assigned id
func (h *Handlers) GetEvent(c *gin.Context) {
	event, err := h.repo.EventByPlatformID(c.Param("platform_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch event",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	if event == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Event not found",
			Code:    http.StatusNotFound,
		})
		return
	}
	c.JSON(http.StatusOK, event)
}

// GetWebhookLogs returns raw webhook logs with pagination
func (h *Handlers) GetWebhookLogs(c *gin.Context) {
	page, limit := pagination(c)
	logs, total, err := h.repo.WebhookLogs((page-1)*limit, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch logs",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs": logs,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// Reprocess triggers a reprocessing pass over unprocessed webhook logs
func (h *Handlers) Reprocess(c *gin.Context) {
	batch := 50
	if v, err := strconv.Atoi(c.DefaultQuery("batch", "50")); err == nil && v > 0 {
		batch = v
	}

	count, err := h.dispatcher.Reprocess(c.Request.Context(), batch)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "reprocess_error",
			Message: "Failed to reprocess webhook logs",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     "Reprocessing completed",
		"reprocessed": count,
	})
}

// RunSchedulerOnce triggers a single reprocessing pass immediately
func (h *Handlers) RunSchedulerOnce(c *gin.Context) {
	if err := h.scheduler.RunOnce(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "scheduler_error",
			Message: "Failed to run reprocessing pass",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Reprocessing pass completed"})
}

// StartScheduler starts the reprocessing scheduler
func (h *Handlers) StartScheduler(c *gin.Context) {
	if err := h.scheduler.Start(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "scheduler_error",
			Message: "Failed to start scheduler",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Scheduler started successfully", "status": "running"})
}

// StopScheduler stops the reprocessing scheduler
func (h *Handlers) StopScheduler(c *gin.Context) {
	if err := h.scheduler.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "scheduler_error",
			Message: "Failed to stop scheduler",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Scheduler stopped successfully", "status": "stopped"})
}

// GetSchedulerStatus returns the current scheduler status
func (h *Handlers) GetSchedulerStatus(c *gin.Context) {
	status := "stopped"
	if h.scheduler.IsRunning() {
		status = "running"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"next_run": h.scheduler.GetNextRun(),
		"last_run": h.scheduler.GetLastRun(),
	})
}

func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}
	return page, limit
}
