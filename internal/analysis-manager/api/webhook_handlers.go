package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"

	"webhook-analysis-service/internal/db"
	"webhook-analysis-service/internal/events"
)

// MessageWriter is the slice of kafka.Writer the handlers need.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// WebhookHandler owns the inbound trigger endpoint and the webhook admin
// CRUD. The trigger path does the minimum before acknowledging: persist a
// pending execution, log the delivery, hand the rest to Kafka.
type WebhookHandler struct {
	DB       *gorm.DB
	Producer MessageWriter
}

func NewWebhookHandler(gdb *gorm.DB, producer MessageWriter) *WebhookHandler {
	return &WebhookHandler{DB: gdb, Producer: producer}
}

type CreateWebhookRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	WebhookKey  string `json:"webhook_key"`
}

type UpdateWebhookRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
}

// Trigger accepts an inbound event for a webhook key. The caller always
// gets an answer before any analysis work starts.
func (h *WebhookHandler) Trigger(ctx context.Context, c *app.RequestContext) {
	started := time.Now()
	key := c.Param("key")
	body := c.Request.Body()

	// The delivery log and the execution share one ID so a later skip can
	// be written back onto the delivery's log row.
	requestID := uuid.NewString()
	logEntry := db.WebhookLog{
		WebhookKey:     key,
		RequestID:      requestID,
		SourceIP:       c.ClientIP(),
		UserAgent:      string(c.UserAgent()),
		RequestPayload: string(body),
	}

	var webhook db.Webhook
	if err := h.DB.Where("webhook_key = ?", key).First(&webhook).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			h.writeLog(&logEntry, http.StatusNotFound, started, false, "unknown webhook key")
			c.JSON(http.StatusNotFound, utils.H{"error": "Webhook not found"})
		} else {
			h.writeLog(&logEntry, http.StatusInternalServerError, started, false, err.Error())
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to look up webhook: " + err.Error()})
		}
		return
	}
	if !webhook.IsActive {
		h.writeLog(&logEntry, http.StatusForbidden, started, false, "webhook disabled")
		c.JSON(http.StatusForbidden, utils.H{"error": "Webhook is disabled"})
		return
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		h.writeLog(&logEntry, http.StatusBadRequest, started, false, "body is not a JSON object")
		c.JSON(http.StatusBadRequest, utils.H{"error": "Request body must be a JSON object"})
		return
	}

	exec := db.TaskExecution{
		ExecutionID:    requestID,
		WebhookKey:     key,
		Status:         db.ExecPending,
		WebhookPayload: string(body),
	}
	if result := h.DB.Create(&exec); result.Error != nil {
		h.writeLog(&logEntry, http.StatusInternalServerError, started, true, result.Error.Error())
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to record execution: " + result.Error.Error()})
		return
	}

	response := utils.H{"execution_id": exec.ExecutionID, "status": "accepted"}
	if err := h.dispatch(ctx, exec.ExecutionID, key, body, ""); err != nil {
		log.Printf("Error dispatching execution %s to Kafka: %v", exec.ExecutionID, err)
		response["dispatch_warning"] = "failed to send message to kafka: " + err.Error()
	}

	h.writeLog(&logEntry, http.StatusOK, started, true, "")
	c.JSON(http.StatusOK, response)
}

func (h *WebhookHandler) dispatch(ctx context.Context, executionID, key string, payload []byte, retryOf string) error {
	msg := events.ExecutionDispatch{
		ExecutionID: executionID,
		WebhookKey:  key,
		Payload:     payload,
		RetryOf:     retryOf,
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return h.Producer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(executionID),
		Value: value,
	})
}

func (h *WebhookHandler) writeLog(entry *db.WebhookLog, status int, started time.Time, valid bool, validationError string) {
	entry.ResponseStatus = status
	entry.ResponseTimeMs = int(time.Since(started).Milliseconds())
	entry.IsValid = valid
	if validationError != "" {
		if encoded, err := json.Marshal([]string{validationError}); err == nil {
			entry.ValidationErrors = string(encoded)
		}
	}
	if err := h.DB.Create(entry).Error; err != nil {
		log.Printf("Error writing webhook log for key %s: %v", entry.WebhookKey, err)
	}
}

func (h *WebhookHandler) CreateWebhook(ctx context.Context, c *app.RequestContext) {
	var req CreateWebhookRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	key := req.WebhookKey
	if key == "" {
		key = uuid.NewString()
	}
	webhook := db.Webhook{
		Name:        req.Name,
		Description: req.Description,
		WebhookKey:  key,
		IsActive:    true,
	}
	if result := h.DB.Create(&webhook); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to create webhook: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusCreated, webhook)
}

func (h *WebhookHandler) GetWebhooks(ctx context.Context, c *app.RequestContext) {
	var webhooks []db.Webhook
	query := h.DB.Model(&db.Webhook{})
	if active := c.Query("is_active"); active != "" {
		query = query.Where("is_active = ?", active == "true")
	}
	if result := query.Find(&webhooks); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch webhooks: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, webhooks)
}

func (h *WebhookHandler) GetWebhookByID(ctx context.Context, c *app.RequestContext) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return
	}
	var webhook db.Webhook
	if result := h.DB.First(&webhook, uint(id)); result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, utils.H{"error": "Webhook not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch webhook: " + result.Error.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, webhook)
}

func (h *WebhookHandler) UpdateWebhook(ctx context.Context, c *app.RequestContext) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return
	}
	var req UpdateWebhookRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	var webhook db.Webhook
	if result := h.DB.First(&webhook, uint(id)); result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, utils.H{"error": "Webhook not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to find webhook: " + result.Error.Error()})
		}
		return
	}
	updateData := make(map[string]interface{})
	if req.Name != nil {
		updateData["name"] = *req.Name
	}
	if req.Description != nil {
		updateData["description"] = *req.Description
	}
	if req.IsActive != nil {
		updateData["is_active"] = *req.IsActive
	}
	if len(updateData) == 0 {
		c.JSON(http.StatusBadRequest, utils.H{"error": "No update fields provided"})
		return
	}
	if result := h.DB.Model(&webhook).Updates(updateData); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to update webhook: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, webhook)
}

func (h *WebhookHandler) DeleteWebhook(ctx context.Context, c *app.RequestContext) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return
	}
	if result := h.DB.Delete(&db.Webhook{}, uint(id)); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to delete webhook: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusNoContent, nil)
}

// GetWebhookLogs lists recent deliveries for one webhook key.
func (h *WebhookHandler) GetWebhookLogs(ctx context.Context, c *app.RequestContext) {
	key := c.Param("key")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	var logs []db.WebhookLog
	if result := h.DB.Where("webhook_key = ?", key).Order("id DESC").Limit(limit).Find(&logs); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch webhook logs: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, logs)
}
