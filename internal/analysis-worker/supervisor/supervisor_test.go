package supervisor

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"webhook-analysis-service/internal/db"
)

func setupSupervisorDB(t *testing.T) *gorm.DB {
	testDBFile := "test_supervisor.db"
	_ = os.Remove(testDBFile)

	gormDB, err := gorm.Open(sqlite.Open(testDBFile), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := gormDB.AutoMigrate(&db.AnalysisTask{}, &db.TaskExecution{}, &db.WebhookLog{}); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
		_ = os.Remove(testDBFile)
	})
	return gormDB
}

func TestSweepStaleExecutions(t *testing.T) {
	gormDB := setupSupervisorDB(t)
	sup, err := New(gormDB)
	require.NoError(t, err)

	task := db.AnalysisTask{Name: "short fuse", Status: db.TaskActive, TimeoutSeconds: 60}
	require.NoError(t, gormDB.Create(&task).Error)

	overdueStart := time.Now().UTC().Add(-10 * time.Minute)
	recordID := "rec-stuck"
	stuck := db.TaskExecution{
		ExecutionID:    "exec-stuck",
		WebhookKey:     "wh",
		Status:         db.ExecProcessing,
		TaskID:         &task.ID,
		StartedAt:      &overdueStart,
		ActiveRecordID: &recordID,
	}
	require.NoError(t, gormDB.Create(&stuck).Error)

	freshStart := time.Now().UTC()
	fresh := db.TaskExecution{
		ExecutionID: "exec-fresh",
		WebhookKey:  "wh",
		Status:      db.ExecProcessing,
		TaskID:      &task.ID,
		StartedAt:   &freshStart,
	}
	require.NoError(t, gormDB.Create(&fresh).Error)

	sup.SweepStaleExecutions()

	var sweptExec db.TaskExecution
	require.NoError(t, gormDB.Where("execution_id = ?", "exec-stuck").First(&sweptExec).Error)
	assert.Equal(t, db.ExecTimeout, sweptExec.Status)
	assert.Equal(t, "timeout", sweptExec.ErrorCode)
	assert.NotNil(t, sweptExec.CompletedAt)
	assert.Nil(t, sweptExec.ActiveRecordID, "dedup claim must be released on timeout")

	var untouched db.TaskExecution
	require.NoError(t, gormDB.Where("execution_id = ?", "exec-fresh").First(&untouched).Error)
	assert.Equal(t, db.ExecProcessing, untouched.Status)
}

func TestSweepExpiredExecutions(t *testing.T) {
	gormDB := setupSupervisorDB(t)
	sup, err := New(gormDB)
	require.NoError(t, err)
	sup.retentionDays = 7

	old := db.TaskExecution{ExecutionID: "exec-old", WebhookKey: "wh", Status: db.ExecSuccess}
	require.NoError(t, gormDB.Create(&old).Error)
	require.NoError(t, gormDB.Model(&old).Update("created_at", time.Now().UTC().AddDate(0, 0, -30)).Error)

	// Old but still pending rows survive: only terminal rows expire.
	oldPending := db.TaskExecution{ExecutionID: "exec-old-pending", WebhookKey: "wh", Status: db.ExecPending}
	require.NoError(t, gormDB.Create(&oldPending).Error)
	require.NoError(t, gormDB.Model(&oldPending).Update("created_at", time.Now().UTC().AddDate(0, 0, -30)).Error)

	recent := db.TaskExecution{ExecutionID: "exec-recent", WebhookKey: "wh", Status: db.ExecFailed}
	require.NoError(t, gormDB.Create(&recent).Error)

	oldLog := db.WebhookLog{WebhookKey: "wh", RequestID: "r1"}
	require.NoError(t, gormDB.Create(&oldLog).Error)
	require.NoError(t, gormDB.Model(&oldLog).Update("created_at", time.Now().UTC().AddDate(0, 0, -30)).Error)

	sup.SweepExpiredExecutions()

	var ids []string
	require.NoError(t, gormDB.Model(&db.TaskExecution{}).Order("execution_id").Pluck("execution_id", &ids).Error)
	assert.Equal(t, []string{"exec-old-pending", "exec-recent"}, ids)

	var logCount int64
	gormDB.Model(&db.WebhookLog{}).Count(&logCount)
	assert.Zero(t, logCount)
}
