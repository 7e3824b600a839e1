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

type StorageCredentialHandler struct {
	DB *gorm.DB
}

func NewStorageCredentialHandler(gdb *gorm.DB) *StorageCredentialHandler {
	return &StorageCredentialHandler{DB: gdb}
}

type CreateStorageCredentialRequest struct {
	Name      string `json:"name" validate:"required"`
	Protocol  string `json:"protocol" validate:"required"`
	Endpoint  string `json:"endpoint" validate:"required"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

func (h *StorageCredentialHandler) CreateCredential(ctx context.Context, c *app.RequestContext) {
	var req CreateStorageCredentialRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	cred := db.StorageCredential{
		Name:      req.Name,
		Protocol:  req.Protocol,
		Endpoint:  req.Endpoint,
		AccessKey: req.AccessKey,
		SecretKey: req.SecretKey,
	}
	if result := h.DB.Create(&cred); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to create credential: " + result.Error.Error()})
		return
	}
	cred.SecretKey = ""
	c.JSON(http.StatusCreated, cred)
}

func (h *StorageCredentialHandler) GetCredentials(ctx context.Context, c *app.RequestContext) {
	var creds []db.StorageCredential
	if result := h.DB.Find(&creds); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch credentials: " + result.Error.Error()})
		return
	}
	// Secrets never leave the service.
	for i := range creds {
		creds[i].SecretKey = ""
	}
	c.JSON(http.StatusOK, creds)
}

func (h *StorageCredentialHandler) DeleteCredential(ctx context.Context, c *app.RequestContext) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return
	}
	var bound int64
	h.DB.Model(&db.AnalysisTask{}).Where("storage_credential_id = ?", uint(id)).Count(&bound)
	if bound > 0 {
		c.JSON(http.StatusConflict, utils.H{"error": "Credential is still referenced by analysis tasks"})
		return
	}
	if result := h.DB.Delete(&db.StorageCredential{}, uint(id)); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to delete credential: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusNoContent, nil)
}
