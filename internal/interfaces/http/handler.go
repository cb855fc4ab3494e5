package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"saleschat/internal/infrastructure"
	"saleschat/internal/interfaces"
	"saleschat/internal/usecases"
)

// AckText is the immediate "received" reply every inbound message
// gets, before any generation work starts.
const AckText = "ได้รับข้อความของคุณแล้วค่ะ กรุณารอสักครู่ กำลังดำเนินการค่ะ"

type Handler struct {
	processor *usecases.TaskProcessor
	review    *usecases.ReviewUsecase
	tenants   interfaces.TenantStore
	line      *infrastructure.LineClient
	telegram  *infrastructure.TelegramGateway
	limiter   *infrastructure.InboundRateLimiter
}

func NewHandler(processor *usecases.TaskProcessor, review *usecases.ReviewUsecase, tenants interfaces.TenantStore, line *infrastructure.LineClient, telegram *infrastructure.TelegramGateway, limiter *infrastructure.InboundRateLimiter) *Handler {
	return &Handler{
		processor: processor,
		review:    review,
		tenants:   tenants,
		line:      line,
		telegram:  telegram,
		limiter:   limiter,
	}
}

func SetupRoutes(r *gin.Engine, h *Handler, auth *usecases.AuthUsecase, middleware *Middleware) {
	// Apply Security Middleware
	r.Use(SecurityHeaders())
	r.Use(RequestSizeLimiter(10 << 20)) // 10MB max request size
	r.Use(middleware.CORSMiddleware())

	// Public webhook routes
	r.POST("/webhook/line/:tenant_id", h.HandleLineWebhook)
	r.POST("/webhook/telegram/:tenant_id", h.HandleTelegramWebhook)

	// Public Auth Routes
	authGroup := r.Group("/api/auth")
	{
		authGroup.POST("/login", func(c *gin.Context) {
			var loginReq struct {
				Username string `json:"username"`
				Password string `json:"password"`
			}
			if err := c.ShouldBindJSON(&loginReq); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			token, err := auth.Login(c.Request.Context(), loginReq.Username, loginReq.Password)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"token": token})
		})

		authGroup.POST("/register", func(c *gin.Context) {
			var regReq struct {
				Username string `json:"username"`
				Password string `json:"password"`
			}
			if err := c.ShouldBindJSON(&regReq); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			if !ValidTenantID(regReq.Username) || len(regReq.Password) < 6 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid username or password (min 6 chars)"})
				return
			}
			if err := auth.Register(c.Request.Context(), regReq.Username, regReq.Password); err != nil {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusCreated, gin.H{"status": "registered"})
		})
	}

	// Protected review-surface routes
	api := r.Group("/api")
	api.Use(middleware.AuthRequired())
	api.Use(middleware.RateLimitPerUser(5, 10))
	{
		api.GET("/tasks", h.ListTasks)
		api.GET("/tasks/history", h.GetHistory)
		api.POST("/tasks/:id/reply", h.ReplyToTask)
		api.POST("/tasks/:id/status", h.UpdateTaskStatus)
		api.POST("/tasks/:id/retry", h.RetryTask)

		api.GET("/dashboard/stats", h.GetStats)

		api.GET("/tenants/:id/auto-reply", h.GetAutoReply)
		api.PUT("/tenants/:id/auto-reply", h.SetAutoReply)
		api.POST("/tenants/credentials", h.SaveCredentials)
	}
}

// HandleLineWebhook verifies and decodes a LINE webhook call, creates
// one task per text message, acknowledges through the reply token and
// hands processing off. Downstream failures never surface to LINE: a
// non-200 here would trigger platform-level retries and duplicate
// tasks.
func (h *Handler) HandleLineWebhook(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	if !ValidTenantID(tenantID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tenant"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	creds, err := h.tenants.GetCredentials(c.Request.Context(), tenantID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("credential lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if creds == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tenant"})
		return
	}

	if !h.line.VerifySignature(creds.Secret, body, c.GetHeader("X-Line-Signature")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	var webhook infrastructure.LineWebhookBody
	if err := json.Unmarshal(body, &webhook); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	for _, event := range webhook.Events {
		if event.Type != "message" || event.Message.Type != "text" {
			continue
		}
		h.acceptMessage(c.Request.Context(), tenantID, event.Source.UserID, event.ReplyToken, event.Message.Text, func(ctx context.Context) {
			if err := h.line.Reply(ctx, creds.Token, event.ReplyToken, AckText); err != nil {
				log.Warn().Err(err).Str("tenant_id", tenantID).Msg("ack reply failed")
			}
		})
	}

	c.String(http.StatusOK, "OK")
}

// telegramUpdate is the subset of a Telegram webhook update we need.
type telegramUpdate struct {
	Message struct {
		MessageID int64 `json:"message_id"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

// HandleTelegramWebhook is the Telegram counterpart: the platform has
// no reply token, so the secret header guards the endpoint and the
// acknowledgment is a plain push.
func (h *Handler) HandleTelegramWebhook(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	if !ValidTenantID(tenantID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tenant"})
		return
	}

	creds, err := h.tenants.GetCredentials(c.Request.Context(), tenantID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("credential lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if creds == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tenant"})
		return
	}

	if !h.telegram.VerifySecretToken(creds.Secret, c.GetHeader("X-Telegram-Bot-Api-Secret-Token")) {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid secret token"})
		return
	}

	var update telegramUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if update.Message.Text == "" {
		c.String(http.StatusOK, "OK")
		return
	}

	customerID := strconv.FormatInt(update.Message.Chat.ID, 10)
	h.acceptMessage(c.Request.Context(), tenantID, customerID, "", update.Message.Text, func(ctx context.Context) {
		h.telegram.Push(ctx, *creds, customerID, AckText)
	})

	c.String(http.StatusOK, "OK")
}

// acceptMessage creates the task and sends the acknowledgment. The ack
// goes out regardless of what processing does afterwards.
func (h *Handler) acceptMessage(ctx context.Context, tenantID, customerID, ackToken, text string, ack func(context.Context)) {
	text = TruncateString(SanitizeString(text), MaxMessageLength)

	if !h.limiter.Allow(tenantID, customerID) {
		log.Warn().Str("tenant_id", tenantID).Str("customer_id", customerID).Msg("inbound message rate-limited")
		return
	}

	taskID, err := h.processor.OnCustomerMessage(ctx, tenantID, customerID, ackToken, text)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Str("customer_id", customerID).Msg("task creation failed")
		return
	}
	log.Info().Int64("task_id", taskID).Str("tenant_id", tenantID).Str("customer_id", customerID).Msg("task created")

	ack(ctx)
}
