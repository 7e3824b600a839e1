package pipeline

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	execdb "webhook-analysis-service/internal/db"
)

func setupGuardDB(t *testing.T) *gorm.DB {
	testDBFile := "test_guard.db"
	_ = os.Remove(testDBFile)

	gormDB, err := gorm.Open(sqlite.Open(testDBFile), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := gormDB.AutoMigrate(&execdb.AnalysisTask{}, &execdb.TaskExecution{}); err != nil {
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

func newExecution(t *testing.T, gormDB *gorm.DB, executionID string) *execdb.TaskExecution {
	exec := &execdb.TaskExecution{
		ExecutionID: executionID,
		WebhookKey:  "wh-guard",
		Status:      execdb.ExecPending,
	}
	require.NoError(t, gormDB.Create(exec).Error)
	return exec
}

func TestGuardSkipsEmptyRichTextField(t *testing.T) {
	gormDB := setupGuardDB(t)
	guard := &Guard{DB: gormDB}
	task := &execdb.AnalysisTask{EnableRichTextParsing: true}
	exec := newExecution(t, gormDB, "exec-empty")

	err := guard.Validate(exec, task, Extracted{RecordID: "rec-1", FieldValue: ""})
	var skip *SkipError
	require.ErrorAs(t, err, &skip)
	assert.Contains(t, skip.Reason, "empty field")
}

func TestGuardSkipsRichTextWithoutImages(t *testing.T) {
	gormDB := setupGuardDB(t)
	guard := &Guard{DB: gormDB}
	task := &execdb.AnalysisTask{EnableRichTextParsing: true}
	exec := newExecution(t, gormDB, "exec-noimg")

	err := guard.Validate(exec, task, Extracted{
		RecordID:   "rec-1",
		FieldValue: `{"doc": "[{\"insert\":\"text only\\n\"}]"}`,
	})
	var skip *SkipError
	require.ErrorAs(t, err, &skip)
	assert.Contains(t, skip.Reason, "no images")
}

func TestGuardFailsOpenOnOversizedDocument(t *testing.T) {
	gormDB := setupGuardDB(t)
	guard := &Guard{DB: gormDB}
	task := &execdb.AnalysisTask{EnableRichTextParsing: true}
	exec := newExecution(t, gormDB, "exec-deep")

	// A document nested past the walk bound cannot be classified, so the
	// guard allows the run instead of dropping it. The record claim still
	// happens.
	deep := strings.Repeat("[", 80) + strings.Repeat("]", 80)
	err := guard.Validate(exec, task, Extracted{RecordID: "rec-deep", FieldValue: deep})
	require.NoError(t, err)
	require.NotNil(t, exec.ActiveRecordID)
	assert.Equal(t, "rec-deep", *exec.ActiveRecordID)
}

func TestGuardAllowsWhenRichTextParsingDisabled(t *testing.T) {
	gormDB := setupGuardDB(t)
	guard := &Guard{DB: gormDB}
	task := &execdb.AnalysisTask{EnableRichTextParsing: false}
	exec := newExecution(t, gormDB, "exec-plain")

	err := guard.Validate(exec, task, Extracted{FieldValue: ""})
	assert.NoError(t, err)
}

func TestGuardClaimsRecord(t *testing.T) {
	gormDB := setupGuardDB(t)
	guard := &Guard{DB: gormDB}
	task := &execdb.AnalysisTask{}
	exec := newExecution(t, gormDB, "exec-claim")

	err := guard.Validate(exec, task, Extracted{RecordID: "rec-77"})
	require.NoError(t, err)
	require.NotNil(t, exec.ActiveRecordID)
	assert.Equal(t, "rec-77", *exec.ActiveRecordID)

	var stored execdb.TaskExecution
	require.NoError(t, gormDB.Where("execution_id = ?", "exec-claim").First(&stored).Error)
	require.NotNil(t, stored.ActiveRecordID)
	assert.Equal(t, "rec-77", *stored.ActiveRecordID)
}

func TestGuardRejectsDuplicateInFlightRecord(t *testing.T) {
	gormDB := setupGuardDB(t)
	guard := &Guard{DB: gormDB}
	task := &execdb.AnalysisTask{}

	first := newExecution(t, gormDB, "exec-first")
	require.NoError(t, guard.Validate(first, task, Extracted{RecordID: "rec-dup"}))
	require.NoError(t, gormDB.Model(first).Update("status", execdb.ExecProcessing).Error)

	second := newExecution(t, gormDB, "exec-second")
	err := guard.Validate(second, task, Extracted{RecordID: "rec-dup"})
	var skip *SkipError
	require.ErrorAs(t, err, &skip)
	assert.Contains(t, skip.Reason, "duplicate in-flight execution")
	assert.Contains(t, skip.ConflictingExecutionIDs, "exec-first")
}

func TestGuardAllowsAfterClaimReleased(t *testing.T) {
	gormDB := setupGuardDB(t)
	guard := &Guard{DB: gormDB}
	task := &execdb.AnalysisTask{}

	first := newExecution(t, gormDB, "exec-done")
	require.NoError(t, guard.Validate(first, task, Extracted{RecordID: "rec-redo"}))
	require.NoError(t, first.MarkProcessing())
	require.NoError(t, first.MarkCompleted(execdb.ExecSuccess, "", ""))
	require.NoError(t, gormDB.Save(first).Error)

	second := newExecution(t, gormDB, "exec-redo")
	assert.NoError(t, guard.Validate(second, task, Extracted{RecordID: "rec-redo"}))
}
