package main

import (
	"context"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"webhook-analysis-service/internal/analysis-manager/api"
	amKafka "webhook-analysis-service/internal/analysis-manager/kafka"
	"webhook-analysis-service/internal/db"
	gorm_db "webhook-analysis-service/pkg/db"
)

func main() {
	stdlog.Println("Analysis Manager Service starting...")

	gormDB, err := gorm_db.NewGormDB()
	if err != nil {
		stdlog.Fatalf("Failed to initialize database: %v", err)
	}
	stdlog.Println("Database initialized successfully.")

	stdlog.Println("Running database migrations...")
	err = gorm_db.AutoMigrate(gormDB,
		&db.Webhook{},
		&db.AIModel{},
		&db.StorageCredential{},
		&db.AnalysisTask{},
		&db.TaskExecution{},
		&db.WebhookLog{},
	)
	if err != nil {
		stdlog.Fatalf("Failed to migrate database: %v", err)
	}
	stdlog.Println("Database migration successful.")

	producer := amKafka.NewDispatchProducer()

	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = ":8080"
	}

	hlog.SetOutput(os.Stdout)
	hlog.SetLevel(hlog.LevelInfo)

	h := server.Default(server.WithHostPorts(serverAddr), server.WithExitWaitTime(5*time.Second))

	webhookHandler := api.NewWebhookHandler(gormDB, producer)
	taskHandler := api.NewAnalysisTaskHandler(gormDB)
	modelHandler := api.NewAIModelHandler(gormDB)
	credentialHandler := api.NewStorageCredentialHandler(gormDB)
	executionHandler := api.NewExecutionHandler(gormDB, producer)

	webhookGroup := h.Group("/webhooks")
	{
		webhookGroup.POST("", webhookHandler.CreateWebhook)
		webhookGroup.GET("", webhookHandler.GetWebhooks)
		webhookGroup.GET("/:id", webhookHandler.GetWebhookByID)
		webhookGroup.PUT("/:id", webhookHandler.UpdateWebhook)
		webhookGroup.DELETE("/:id", webhookHandler.DeleteWebhook)
	}
	// Trigger and log routes address webhooks by key, not numeric id.
	h.POST("/hooks/:key/trigger", webhookHandler.Trigger)
	h.GET("/hooks/:key/logs", webhookHandler.GetWebhookLogs)

	taskGroup := h.Group("/tasks")
	{
		taskGroup.POST("", taskHandler.CreateTask)
		taskGroup.GET("", taskHandler.GetTasks)
		taskGroup.GET("/:id", taskHandler.GetTaskByID)
		taskGroup.PUT("/:id", taskHandler.UpdateTask)
		taskGroup.DELETE("/:id", taskHandler.DeleteTask)
	}
	modelGroup := h.Group("/models")
	{
		modelGroup.POST("", modelHandler.CreateModel)
		modelGroup.GET("", modelHandler.GetModels)
		modelGroup.GET("/:id", modelHandler.GetModelByID)
		modelGroup.PUT("/:id", modelHandler.UpdateModel)
		modelGroup.DELETE("/:id", modelHandler.DeleteModel)
	}
	credentialGroup := h.Group("/credentials")
	{
		credentialGroup.POST("", credentialHandler.CreateCredential)
		credentialGroup.GET("", credentialHandler.GetCredentials)
		credentialGroup.DELETE("/:id", credentialHandler.DeleteCredential)
	}
	executionGroup := h.Group("/executions")
	{
		executionGroup.GET("", executionHandler.GetExecutions)
		executionGroup.GET("/:execution_id", executionHandler.GetExecutionByID)
		executionGroup.POST("/:execution_id/retry", executionHandler.RetryExecution)
	}

	h.GET("/ping", func(c context.Context, ctxReq *app.RequestContext) {
		ctxReq.JSON(http.StatusOK, utils.H{"message": "pong"})
	})

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		hlog.Infof("Received signal: %s. Initiating graceful shutdown...", sig)

		shutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpShutdownCancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			hlog.Errorf("Hertz server shutdown error: %v", err)
		} else {
			hlog.Info("Hertz server gracefully stopped.")
		}

		if err := producer.Close(); err != nil {
			hlog.Errorf("Kafka producer close error: %v", err)
		} else {
			hlog.Info("Kafka producer closed.")
		}
		hlog.Info("Analysis Manager gracefully shut down.")
	}()

	hlog.Infof("Analysis Manager Service fully initialized and starting Hertz server on %s...", serverAddr)
	h.Spin()

	stdlog.Println("Analysis Manager Service has been shut down.")
}
