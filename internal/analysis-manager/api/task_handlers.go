package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"gorm.io/gorm"

	"webhook-analysis-service/internal/db"
	"webhook-analysis-service/pkg/validation"
)

// Schemas for the task's JSON configuration columns. Validated at write
// time so the worker never sees a malformed document.
const multiFieldConfigSchema = `{
	"type": "object",
	"properties": {
		"fields": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"field_key": {"type": "string", "minLength": 1},
					"field_name": {"type": "string"},
					"placeholder": {"type": "string"}
				},
				"required": ["field_key"]
			}
		}
	},
	"required": ["fields"]
}`

const writeBackConfigSchema = `{
	"type": "object",
	"properties": {
		"target_field_key": {"type": "string", "minLength": 1}
	},
	"required": ["target_field_key"]
}`

type AnalysisTaskHandler struct {
	DB *gorm.DB
}

func NewAnalysisTaskHandler(gdb *gorm.DB) *AnalysisTaskHandler {
	return &AnalysisTaskHandler{DB: gdb}
}

type CreateAnalysisTaskRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Status      string `json:"status"`

	WebhookID uint `json:"webhook_id" validate:"required"`
	AIModelID uint `json:"ai_model_id" validate:"required"`

	EnableStorageCredential bool   `json:"enable_storage_credential"`
	StorageCredentialID     *uint  `json:"storage_credential_id"`
	FilePathTemplate        string `json:"file_path_template"`

	PromptTemplate string `json:"prompt_template" validate:"required"`

	EnableRichTextParsing bool   `json:"enable_rich_text_parsing"`
	RichTextConfig        string `json:"rich_text_config"`

	EnableMultiField bool   `json:"enable_multi_field"`
	MultiFieldConfig string `json:"multi_field_config"`

	WriteBackConfig string `json:"write_back_config"`

	Temperature    *float64 `json:"temperature"`
	MaxTokens      *int     `json:"max_tokens"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

type UpdateAnalysisTaskRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Status      *string `json:"status"`

	PromptTemplate *string `json:"prompt_template"`

	EnableRichTextParsing *bool   `json:"enable_rich_text_parsing"`
	EnableMultiField      *bool   `json:"enable_multi_field"`
	MultiFieldConfig      *string `json:"multi_field_config"`
	WriteBackConfig       *string `json:"write_back_config"`

	Temperature    *float64 `json:"temperature"`
	MaxTokens      *int     `json:"max_tokens"`
	TimeoutSeconds *int     `json:"timeout_seconds"`
}

func (h *AnalysisTaskHandler) validateConfigs(multiField, writeBack string) error {
	if multiField != "" {
		if err := validation.ValidateJSONWithSchema(multiFieldConfigSchema, multiField); err != nil {
			return err
		}
		// Placeholder names must be unique or later bindings would silently
		// overwrite earlier ones when the prompt values are gathered. JSON
		// Schema cannot express this, so it is checked here.
		var spec db.MultiFieldSpec
		if err := json.Unmarshal([]byte(multiField), &spec); err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(spec.Fields))
		for _, f := range spec.Fields {
			name := f.Placeholder
			if name == "" {
				name = f.FieldKey
			}
			if _, dup := seen[name]; dup {
				return fmt.Errorf("duplicate placeholder %q in multi-field configuration", name)
			}
			seen[name] = struct{}{}
		}
	}
	if writeBack != "" {
		if err := validation.ValidateJSONWithSchema(writeBackConfigSchema, writeBack); err != nil {
			return err
		}
	}
	return nil
}

func (h *AnalysisTaskHandler) CreateTask(ctx context.Context, c *app.RequestContext) {
	var req CreateAnalysisTaskRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}

	var webhook db.Webhook
	if err := h.DB.First(&webhook, req.WebhookID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusBadRequest, utils.H{"error": "Webhook not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Error verifying webhook: " + err.Error()})
		}
		return
	}
	var model db.AIModel
	if err := h.DB.First(&model, req.AIModelID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusBadRequest, utils.H{"error": "AI model not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Error verifying AI model: " + err.Error()})
		}
		return
	}
	if req.EnableStorageCredential {
		if req.StorageCredentialID == nil {
			c.JSON(http.StatusBadRequest, utils.H{"error": "storage_credential_id is required when storage fetch is enabled"})
			return
		}
		var cred db.StorageCredential
		if err := h.DB.First(&cred, *req.StorageCredentialID).Error; err != nil {
			c.JSON(http.StatusBadRequest, utils.H{"error": "Storage credential not found"})
			return
		}
	}

	if err := h.validateConfigs(req.MultiFieldConfig, req.WriteBackConfig); err != nil {
		log.Printf("Task config validation failed: %v", err)
		c.JSON(http.StatusBadRequest, utils.H{
			"error":             "Task configuration does not match the expected schema.",
			"validation_errors": err.Error(),
		})
		return
	}

	status := db.TaskStatus(req.Status)
	if status == "" {
		status = db.TaskDraft
	}
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = 3600
	}

	task := db.AnalysisTask{
		Name:                    req.Name,
		Description:             req.Description,
		Status:                  status,
		WebhookID:               req.WebhookID,
		AIModelID:               req.AIModelID,
		EnableStorageCredential: req.EnableStorageCredential,
		StorageCredentialID:     req.StorageCredentialID,
		FilePathTemplate:        req.FilePathTemplate,
		PromptTemplate:          req.PromptTemplate,
		EnableRichTextParsing:   req.EnableRichTextParsing,
		RichTextConfig:          req.RichTextConfig,
		EnableMultiField:        req.EnableMultiField,
		MultiFieldConfig:        req.MultiFieldConfig,
		WriteBackConfig:         req.WriteBackConfig,
		Temperature:             req.Temperature,
		MaxTokens:               req.MaxTokens,
		TimeoutSeconds:          timeout,
	}
	if result := h.DB.Create(&task); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to create task: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *AnalysisTaskHandler) GetTasks(ctx context.Context, c *app.RequestContext) {
	var tasks []db.AnalysisTask
	query := h.DB.Model(&db.AnalysisTask{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if webhookIDStr := c.Query("webhook_id"); webhookIDStr != "" {
		webhookID, err := strconv.ParseUint(webhookIDStr, 10, 32)
		if err == nil {
			query = query.Where("webhook_id = ?", uint(webhookID))
		} else {
			log.Printf("Invalid webhook_id query parameter: %s", webhookIDStr)
		}
	}
	if result := query.Find(&tasks); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch tasks: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *AnalysisTaskHandler) GetTaskByID(ctx context.Context, c *app.RequestContext) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return
	}
	var task db.AnalysisTask
	if result := h.DB.First(&task, uint(id)); result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, utils.H{"error": "Task not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch task: " + result.Error.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *AnalysisTaskHandler) UpdateTask(ctx context.Context, c *app.RequestContext) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return
	}
	var req UpdateAnalysisTaskRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	var task db.AnalysisTask
	if result := h.DB.First(&task, uint(id)); result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, utils.H{"error": "Task not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to find task: " + result.Error.Error()})
		}
		return
	}

	multiField := task.MultiFieldConfig
	if req.MultiFieldConfig != nil {
		multiField = *req.MultiFieldConfig
	}
	writeBack := task.WriteBackConfig
	if req.WriteBackConfig != nil {
		writeBack = *req.WriteBackConfig
	}
	if err := h.validateConfigs(multiField, writeBack); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{
			"error":             "Task configuration does not match the expected schema.",
			"validation_errors": err.Error(),
		})
		return
	}

	updateData := make(map[string]interface{})
	if req.Name != nil {
		updateData["name"] = *req.Name
	}
	if req.Description != nil {
		updateData["description"] = *req.Description
	}
	if req.Status != nil {
		updateData["status"] = *req.Status
	}
	if req.PromptTemplate != nil {
		updateData["prompt_template"] = *req.PromptTemplate
	}
	if req.EnableRichTextParsing != nil {
		updateData["enable_rich_text_parsing"] = *req.EnableRichTextParsing
	}
	if req.EnableMultiField != nil {
		updateData["enable_multi_field"] = *req.EnableMultiField
	}
	if req.MultiFieldConfig != nil {
		updateData["multi_field_config"] = *req.MultiFieldConfig
	}
	if req.WriteBackConfig != nil {
		updateData["write_back_config"] = *req.WriteBackConfig
	}
	if req.Temperature != nil {
		updateData["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		updateData["max_tokens"] = *req.MaxTokens
	}
	if req.TimeoutSeconds != nil {
		updateData["timeout_seconds"] = *req.TimeoutSeconds
	}
	if len(updateData) == 0 {
		c.JSON(http.StatusBadRequest, utils.H{"error": "No update fields provided"})
		return
	}
	if result := h.DB.Model(&task).Updates(updateData); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to update task: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *AnalysisTaskHandler) DeleteTask(ctx context.Context, c *app.RequestContext) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return
	}
	if result := h.DB.Delete(&db.AnalysisTask{}, uint(id)); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to delete task: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusNoContent, nil)
}
