package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"gorm.io/gorm"

	"webhook-analysis-service/internal/db"
)

type AIModelHandler struct {
	DB *gorm.DB
}

func NewAIModelHandler(gdb *gorm.DB) *AIModelHandler {
	return &AIModelHandler{DB: gdb}
}

type CreateAIModelRequest struct {
	Name        string `json:"name" validate:"required"`
	ModelType   string `json:"model_type" validate:"required"`
	ModelName   string `json:"model_name" validate:"required"`
	APIKey      string `json:"api_key" validate:"required"`
	APIEndpoint string `json:"api_endpoint"`

	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`

	CostPer1KInputTokens  *float64 `json:"cost_per_1k_input_tokens"`
	CostPer1KOutputTokens *float64 `json:"cost_per_1k_output_tokens"`
}

type UpdateAIModelRequest struct {
	Name        *string `json:"name"`
	ModelType   *string `json:"model_type"`
	ModelName   *string `json:"model_name"`
	APIKey      *string `json:"api_key"`
	APIEndpoint *string `json:"api_endpoint"`

	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
}

// maskedAPIKey hides all but a short suffix of a stored key.
func maskedAPIKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func (h *AIModelHandler) CreateModel(ctx context.Context, c *app.RequestContext) {
	var req CreateAIModelRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	model := db.AIModel{
		Name:                  req.Name,
		ModelType:             req.ModelType,
		ModelName:             req.ModelName,
		APIKey:                req.APIKey,
		APIEndpoint:           req.APIEndpoint,
		Temperature:           req.Temperature,
		MaxTokens:             req.MaxTokens,
		CostPer1KInputTokens:  req.CostPer1KInputTokens,
		CostPer1KOutputTokens: req.CostPer1KOutputTokens,
	}
	if result := h.DB.Create(&model); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to create model: " + result.Error.Error()})
		return
	}
	model.APIKey = maskedAPIKey(model.APIKey)
	c.JSON(http.StatusCreated, model)
}

func (h *AIModelHandler) GetModels(ctx context.Context, c *app.RequestContext) {
	var models []db.AIModel
	query := h.DB.Model(&db.AIModel{})
	if provider := c.Query("provider"); provider != "" {
		query = query.Where("provider = ?", provider)
	}
	if result := query.Find(&models); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch models: " + result.Error.Error()})
		return
	}
	for i := range models {
		models[i].APIKey = maskedAPIKey(models[i].APIKey)
	}
	c.JSON(http.StatusOK, models)
}

func (h *AIModelHandler) GetModelByID(ctx context.Context, c *app.RequestContext) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return
	}
	var model db.AIModel
	if result := h.DB.First(&model, uint(id)); result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, utils.H{"error": "Model not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch model: " + result.Error.Error()})
		}
		return
	}
	model.APIKey = maskedAPIKey(model.APIKey)
	c.JSON(http.StatusOK, model)
}

func (h *AIModelHandler) UpdateModel(ctx context.Context, c *app.RequestContext) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return
	}
	var req UpdateAIModelRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	var model db.AIModel
	if result := h.DB.First(&model, uint(id)); result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, utils.H{"error": "Model not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to find model: " + result.Error.Error()})
		}
		return
	}
	if req.Name != nil {
		model.Name = *req.Name
	}
	if req.ModelType != nil {
		model.ModelType = *req.ModelType
	}
	if req.ModelName != nil {
		model.ModelName = *req.ModelName
	}
	if req.APIKey != nil {
		model.APIKey = *req.APIKey
	}
	if req.APIEndpoint != nil {
		model.APIEndpoint = *req.APIEndpoint
	}
	if req.Temperature != nil {
		model.Temperature = req.Temperature
	}
	if req.MaxTokens != nil {
		model.MaxTokens = req.MaxTokens
	}
	// Save so the provider kind gets re-resolved from the new type/name.
	if result := h.DB.Save(&model); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to update model: " + result.Error.Error()})
		return
	}
	model.APIKey = maskedAPIKey(model.APIKey)
	c.JSON(http.StatusOK, model)
}

func (h *AIModelHandler) DeleteModel(ctx context.Context, c *app.RequestContext) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return
	}
	if result := h.DB.Delete(&db.AIModel{}, uint(id)); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to delete model: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusNoContent, nil)
}
