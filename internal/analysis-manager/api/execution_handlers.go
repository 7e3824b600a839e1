package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"webhook-analysis-service/internal/db"
)

type ExecutionHandler struct {
	DB       *gorm.DB
	Producer MessageWriter
}

func NewExecutionHandler(gdb *gorm.DB, producer MessageWriter) *ExecutionHandler {
	return &ExecutionHandler{DB: gdb, Producer: producer}
}

func (h *ExecutionHandler) GetExecutions(ctx context.Context, c *app.RequestContext) {
	query := h.DB.Model(&db.TaskExecution{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if key := c.Query("webhook_key"); key != "" {
		query = query.Where("webhook_key = ?", key)
	}
	if taskIDStr := c.Query("task_id"); taskIDStr != "" {
		taskID, err := strconv.ParseUint(taskIDStr, 10, 32)
		if err == nil {
			query = query.Where("task_id = ?", uint(taskID))
		} else {
			log.Printf("Invalid task_id query parameter: %s", taskIDStr)
		}
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	var total int64
	if result := query.Count(&total); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to count executions: " + result.Error.Error()})
		return
	}
	var executions []db.TaskExecution
	if result := query.Order("id DESC").Limit(limit).Offset(offset).Find(&executions); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch executions: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, utils.H{
		"total":      total,
		"limit":      limit,
		"offset":     offset,
		"executions": executions,
	})
}

func (h *ExecutionHandler) GetExecutionByID(ctx context.Context, c *app.RequestContext) {
	executionID := c.Param("execution_id")
	var exec db.TaskExecution
	if result := h.DB.Where("execution_id = ?", executionID).First(&exec); result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, utils.H{"error": "Execution not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch execution: " + result.Error.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, exec)
}

// RetryExecution clones a terminal execution into a fresh pending one and
// dispatches it. The original keeps its outcome; only its retry counter
// moves.
func (h *ExecutionHandler) RetryExecution(ctx context.Context, c *app.RequestContext) {
	executionID := c.Param("execution_id")
	var original db.TaskExecution
	if result := h.DB.Where("execution_id = ?", executionID).First(&original); result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, utils.H{"error": "Execution not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch execution: " + result.Error.Error()})
		}
		return
	}
	if !original.Status.IsTerminal() {
		c.JSON(http.StatusConflict, utils.H{"error": fmt.Sprintf("Execution is still %s and cannot be retried", original.Status)})
		return
	}

	// A fresh UUID, not an ID derived from the original: chained retries
	// would otherwise grow past the 64-char column. Lineage lives in the
	// dispatch's retry_of and the new execution's step log.
	retry := db.TaskExecution{
		ExecutionID:    uuid.NewString(),
		WebhookKey:     original.WebhookKey,
		Status:         db.ExecPending,
		WebhookPayload: original.WebhookPayload,
		RetryCount:     original.RetryCount + 1,
	}
	err := h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&retry).Error; err != nil {
			return err
		}
		return tx.Model(&original).Update("retry_count", gorm.Expr("retry_count + 1")).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to create retry execution: " + err.Error()})
		return
	}

	response := utils.H{"execution_id": retry.ExecutionID, "retry_of": original.ExecutionID, "status": "accepted"}
	wh := &WebhookHandler{DB: h.DB, Producer: h.Producer}
	if err := wh.dispatch(ctx, retry.ExecutionID, retry.WebhookKey, []byte(retry.WebhookPayload), original.ExecutionID); err != nil {
		log.Printf("Error dispatching retry %s to Kafka: %v", retry.ExecutionID, err)
		response["dispatch_warning"] = "failed to send message to kafka: " + err.Error()
	}
	c.JSON(http.StatusCreated, response)
}
