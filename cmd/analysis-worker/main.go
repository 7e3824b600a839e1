package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"webhook-analysis-service/internal/analysis-worker/pipeline"
	"webhook-analysis-service/internal/analysis-worker/supervisor"
	"webhook-analysis-service/internal/analysis-worker/tracker"
	"webhook-analysis-service/internal/db"
	"webhook-analysis-service/internal/events"
	gorm_db "webhook-analysis-service/pkg/db"
)

const (
	DefaultKafkaBrokers   = "localhost:9092"
	DefaultDispatchTopic  = "analysis_execution_requests"
	DefaultGroupID        = "analysis-worker-group"
	DefaultWorkerPoolSize = 4
)

func main() {
	log.Println("Starting Analysis Worker Service...")

	gormDB, err := gorm_db.NewGormDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	err = gorm_db.AutoMigrate(gormDB,
		&db.Webhook{},
		&db.AIModel{},
		&db.StorageCredential{},
		&db.AnalysisTask{},
		&db.TaskExecution{},
		&db.WebhookLog{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		kafkaBrokers = DefaultKafkaBrokers
	}
	dispatchTopic := os.Getenv("DISPATCH_TOPIC")
	if dispatchTopic == "" {
		dispatchTopic = DefaultDispatchTopic
	}
	groupID := os.Getenv("GROUP_ID")
	if groupID == "" {
		groupID = DefaultGroupID
	}
	poolSize := DefaultWorkerPoolSize
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			poolSize = parsed
		} else {
			log.Printf("Invalid WORKER_POOL_SIZE %q, using default %d", v, DefaultWorkerPoolSize)
		}
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        strings.Split(kafkaBrokers, ","),
		GroupID:        groupID,
		Topic:          dispatchTopic,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        3 * time.Second,
	})
	defer reader.Close()
	log.Printf("Analysis Worker Kafka consumer configured for brokers: %s, topic: %s, groupID: %s", kafkaBrokers, dispatchTopic, groupID)

	sup, err := supervisor.New(gormDB)
	if err != nil {
		log.Fatalf("Failed to create supervisor: %v", err)
	}
	if err := sup.Start(); err != nil {
		log.Fatalf("Failed to start supervisor: %v", err)
	}
	defer sup.Stop()

	orchestrator := pipeline.NewOrchestrator(gormDB, tracker.New(tracker.ConfigFromEnv()))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := <-signals
		log.Printf("Analysis Worker: Shutdown signal received (%s). Cancelling context...", sig)
		cancel()
	}()

	// Bounded pool: the semaphore caps concurrent pipeline runs, the
	// WaitGroup lets shutdown drain the in-flight ones.
	sem := make(chan struct{}, poolSize)
	var wg sync.WaitGroup

	log.Printf("Analysis Worker listening for messages with pool size %d...", poolSize)
	for {
		select {
		case <-ctx.Done():
			log.Println("Analysis Worker: Context cancelled. Draining in-flight executions...")
			wg.Wait()
			log.Println("Analysis Worker: All executions drained. Exiting.")
			return
		default:
			readCtx, readLoopCancel := context.WithTimeout(ctx, 1*time.Second)
			m, err := reader.ReadMessage(readCtx)
			readLoopCancel()
			if err == context.DeadlineExceeded {
				continue
			}
			if err == context.Canceled {
				log.Println("Analysis Worker: Read context cancelled, likely due to shutdown.")
				continue
			}
			if err == io.EOF {
				log.Println("Analysis Worker: Kafka reader closed (EOF). Exiting.")
				wg.Wait()
				return
			}
			if err != nil {
				log.Printf("Analysis Worker: Kafka read error: %v. Retrying...", err)
				time.Sleep(1 * time.Second)
				continue
			}
			log.Printf("Analysis Worker: Received message: Topic %s, Partition %d, Offset %d", m.Topic, m.Partition, m.Offset)

			var dispatch events.ExecutionDispatch
			if err := json.Unmarshal(m.Value, &dispatch); err != nil {
				log.Printf("Analysis Worker: Unmarshal error for dispatch payload: %v. Value: %s", err, string(m.Value))
				continue
			}
			if dispatch.ExecutionID == "" {
				log.Printf("Analysis Worker: Dispatch without execution_id, dropping. Value: %s", string(m.Value))
				continue
			}

			sem <- struct{}{}
			wg.Add(1)
			go func(d events.ExecutionDispatch) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := orchestrator.Run(context.Background(), d); err != nil {
					log.Printf("Analysis Worker: Execution %s failed to process: %v", d.ExecutionID, err)
				} else {
					log.Printf("Analysis Worker: Execution %s processed.", d.ExecutionID)
				}
			}(dispatch)
		}
	}
}
