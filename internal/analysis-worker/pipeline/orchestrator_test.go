package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"webhook-analysis-service/internal/analysis-worker/ai"
	"webhook-analysis-service/internal/analysis-worker/markdown"
	"webhook-analysis-service/internal/analysis-worker/tracker"
	"webhook-analysis-service/internal/db"
	"webhook-analysis-service/internal/events"
)

type fakeTracker struct {
	detail       *tracker.FieldDetail
	item         *tracker.WorkItem
	imageData    []byte
	downloadErr  error
	updatedField string
	updatedValue any
	updateErr    error
	tokenCalls   int
}

func (f *fakeTracker) PluginToken(ctx context.Context) (string, error) {
	f.tokenCalls++
	return "tok-fake", nil
}

func (f *fakeTracker) QueryWorkItem(ctx context.Context, token, projectKey, typeKey string, workItemID int64, fieldKeys []string) (*tracker.WorkItem, error) {
	if f.item == nil {
		return nil, &tracker.APIError{Endpoint: "work_item/query", Message: "not found"}
	}
	return f.item, nil
}

func (f *fakeTracker) RichTextField(ctx context.Context, token, projectKey, typeKey string, workItemID int64, fieldKey string) (*tracker.FieldDetail, error) {
	if f.detail == nil {
		return nil, &tracker.APIError{Endpoint: "work_item/query", Message: "no rich text"}
	}
	return f.detail, nil
}

func (f *fakeTracker) DownloadAttachment(ctx context.Context, token, projectKey, typeKey string, workItemID int64, uuid string) ([]byte, string, error) {
	if f.downloadErr != nil {
		return nil, "", f.downloadErr
	}
	return f.imageData, "image/png", nil
}

func (f *fakeTracker) UpdateField(ctx context.Context, token, projectKey, typeKey string, workItemID int64, fieldKey string, value any) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updatedField = fieldKey
	f.updatedValue = value
	return nil
}

type fakeModel struct {
	resp    *ai.Response
	err     error
	lastReq ai.Request
}

func (f *fakeModel) Invoke(ctx context.Context, req ai.Request) (*ai.Response, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeModel) EffectiveTemperature(taskOverride *float64) float64 {
	if taskOverride != nil {
		return *taskOverride
	}
	return ai.DefaultTemperature
}

func (f *fakeModel) EffectiveMaxTokens(taskOverride *int) int {
	if taskOverride != nil {
		return *taskOverride
	}
	return ai.DefaultMaxTokens
}

func setupPipelineDB(t *testing.T) *gorm.DB {
	testDBFile := "test_pipeline.db"
	_ = os.Remove(testDBFile)

	gormDB, err := gorm.Open(sqlite.Open(testDBFile), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	err = gormDB.AutoMigrate(&db.Webhook{}, &db.AIModel{}, &db.StorageCredential{}, &db.AnalysisTask{}, &db.TaskExecution{}, &db.WebhookLog{})
	if err != nil {
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

const triggerFieldValue = `{\"doc\":\"[{\\\"insert\\\":\\\" \\\",\\\"attributes\\\":{\\\"image\\\":\\\"true\\\",\\\"uuid\\\":\\\"img-1\\\"}}]\"}`

func triggerPayload(recordID string) string {
	return fmt.Sprintf(`{
		"payload": {
			"id": %s,
			"project_key": "proj",
			"work_item_type_key": "story",
			"changed_fields": [{"field_key": "description", "cur_field_value": "%s"}]
		}
	}`, recordID, triggerFieldValue)
}

type pipelineFixture struct {
	db      *gorm.DB
	trk     *fakeTracker
	model   *fakeModel
	orch    *Orchestrator
	task    *db.AnalysisTask
	webhook *db.Webhook
}

func setupPipeline(t *testing.T) *pipelineFixture {
	gormDB := setupPipelineDB(t)

	webhook := &db.Webhook{Name: "events", WebhookKey: "wh-pipeline", IsActive: true}
	require.NoError(t, gormDB.Create(webhook).Error)

	inputRate := 0.003
	outputRate := 0.015
	model := &db.AIModel{
		Name:                  "vision model",
		ModelType:             "openai_compatible",
		ModelName:             "gpt-4o",
		APIKey:                "k",
		CostPer1KInputTokens:  &inputRate,
		CostPer1KOutputTokens: &outputRate,
	}
	require.NoError(t, gormDB.Create(model).Error)

	task := &db.AnalysisTask{
		Name:                  "review screenshots",
		Status:                db.TaskActive,
		WebhookID:             webhook.ID,
		AIModelID:             model.ID,
		PromptTemplate:        "Analyze: {field_value}",
		EnableRichTextParsing: true,
		WriteBackConfig:       `{"target_field_key":"analysis_result"}`,
	}
	require.NoError(t, gormDB.Create(task).Error)

	trk := &fakeTracker{
		detail: &tracker.FieldDetail{
			FieldKey: "description",
			Doc:      `[{"insert":" ","attributes":{"image":"true","uuid":"img-1"}}]`,
			DocText:  "screenshot of the crash",
		},
		imageData: []byte{0x89, 0x50},
	}
	fm := &fakeModel{resp: &ai.Response{
		Text:  "# Finding\nThe crash is in the login flow.",
		Usage: ai.Usage{PromptTokens: 1000, CompletionTokens: 2000, TotalTokens: 3000},
	}}

	orch := NewOrchestrator(gormDB, trk)
	orch.NewModelClient = func(*db.AIModel) ModelClient { return fm }

	return &pipelineFixture{db: gormDB, trk: trk, model: fm, orch: orch, task: task, webhook: webhook}
}

func (f *pipelineFixture) newExecution(t *testing.T, executionID, payload string) *db.TaskExecution {
	exec := &db.TaskExecution{
		ExecutionID:    executionID,
		WebhookKey:     f.webhook.WebhookKey,
		Status:         db.ExecPending,
		WebhookPayload: payload,
	}
	require.NoError(t, f.db.Create(exec).Error)
	return exec
}

func (f *pipelineFixture) reload(t *testing.T, executionID string) *db.TaskExecution {
	var exec db.TaskExecution
	require.NoError(t, f.db.Where("execution_id = ?", executionID).First(&exec).Error)
	return &exec
}

func TestRunHappyPath(t *testing.T) {
	f := setupPipeline(t)
	f.newExecution(t, "exec-ok", triggerPayload("12345"))

	err := f.orch.Run(context.Background(), events.ExecutionDispatch{
		ExecutionID: "exec-ok",
		WebhookKey:  f.webhook.WebhookKey,
	})
	require.NoError(t, err)

	exec := f.reload(t, "exec-ok")
	assert.Equal(t, db.ExecSuccess, exec.Status)
	assert.NotNil(t, exec.StartedAt)
	assert.NotNil(t, exec.CompletedAt)
	assert.NotNil(t, exec.ExecutionTimeMs)
	assert.Nil(t, exec.ActiveRecordID, "record claim must be released")

	// The prompt used the tracker's doc text through the alias.
	assert.Equal(t, "Analyze: screenshot of the crash", exec.PromptSent)
	assert.Equal(t, 3000, exec.TokensUsed)
	assert.InDelta(t, 0.003*1+0.015*2, exec.Cost, 1e-9)

	// Image flowed into the model request.
	require.Len(t, f.model.lastReq.Images, 1)
	assert.Equal(t, "image/png", f.model.lastReq.Images[0].MIMEType)

	// Write-back hit the configured target field, with its own token: one
	// per stage that talks to the tracker.
	assert.Equal(t, 2, f.trk.tokenCalls)
	assert.Equal(t, "analysis_result", f.trk.updatedField)
	assert.False(t, exec.WriteBackFailed)
	assert.NotNil(t, exec.WriteBackAt)

	// Aggregates folded in.
	var task db.AnalysisTask
	require.NoError(t, f.db.First(&task, f.task.ID).Error)
	assert.EqualValues(t, 1, task.TotalExecutions)
	assert.EqualValues(t, 1, task.SuccessfulExecutions)
	assert.EqualValues(t, 3000, task.TotalTokensUsed)
	assert.Greater(t, task.TotalCost, 0.0)
	assert.Equal(t, string(db.ExecSuccess), task.LastExecutionStatus)
}

func TestRunSkipLeavesAggregatesUntouched(t *testing.T) {
	f := setupPipeline(t)
	payload := `{"payload":{"id":777,"project_key":"proj","work_item_type_key":"story","changed_fields":[{"field_key":"description","cur_field_value":""}]}}`
	f.newExecution(t, "exec-skip", payload)
	require.NoError(t, f.db.Create(&db.WebhookLog{WebhookKey: f.webhook.WebhookKey, RequestID: "exec-skip", IsValid: true}).Error)

	err := f.orch.Run(context.Background(), events.ExecutionDispatch{ExecutionID: "exec-skip"})
	require.NoError(t, err)

	exec := f.reload(t, "exec-skip")
	assert.Equal(t, db.ExecCancelled, exec.Status)
	assert.Equal(t, "skipped", exec.ErrorCode)
	assert.Contains(t, exec.ErrorMessage, "empty field")

	// The skip reason lands on the matching delivery log row.
	var logRow db.WebhookLog
	require.NoError(t, f.db.Where("request_id = ?", "exec-skip").First(&logRow).Error)
	assert.Contains(t, logRow.ValidationErrors, "empty field")

	var task db.AnalysisTask
	require.NoError(t, f.db.First(&task, f.task.ID).Error)
	assert.Zero(t, task.TotalExecutions)
}

func TestWriteBackFallsBackToPlainBlocksOnConverterFailure(t *testing.T) {
	orig := convertBlocks
	convertBlocks = func(string) []markdown.Block { panic("converter bug") }
	defer func() { convertBlocks = orig }()

	f := setupPipeline(t)
	f.newExecution(t, "exec-plain-wb", triggerPayload("901"))

	err := f.orch.Run(context.Background(), events.ExecutionDispatch{ExecutionID: "exec-plain-wb"})
	require.NoError(t, err)

	exec := f.reload(t, "exec-plain-wb")
	assert.Equal(t, db.ExecSuccess, exec.Status)
	assert.False(t, exec.WriteBackFailed)

	// The write-back carried the raw text as unformatted paragraphs.
	blocks, ok := f.trk.updatedValue.([]markdown.Block)
	require.True(t, ok)
	require.NotEmpty(t, blocks)
	for _, b := range blocks {
		for _, content := range b.Content {
			assert.Empty(t, content.Attrs)
		}
	}
}

func TestRunRichTextFetchFailureIsRecoverable(t *testing.T) {
	f := setupPipeline(t)
	f.trk.detail = nil
	f.newExecution(t, "exec-no-detail", triggerPayload("888"))

	err := f.orch.Run(context.Background(), events.ExecutionDispatch{ExecutionID: "exec-no-detail"})
	require.NoError(t, err)

	exec := f.reload(t, "exec-no-detail")
	assert.Equal(t, db.ExecSuccess, exec.Status)
	assert.Empty(t, f.model.lastReq.Images)
	assert.Contains(t, exec.StepLog, "rich-text fetch failed")
}

func TestRunImageDownloadFailureIsRecoverable(t *testing.T) {
	f := setupPipeline(t)
	f.trk.downloadErr = &tracker.APIError{Endpoint: "file/download", StatusCode: 500, Message: "storage down"}
	f.newExecution(t, "exec-no-images", triggerPayload("889"))

	err := f.orch.Run(context.Background(), events.ExecutionDispatch{ExecutionID: "exec-no-images"})
	require.NoError(t, err)

	exec := f.reload(t, "exec-no-images")
	assert.Equal(t, db.ExecSuccess, exec.Status)
	assert.Empty(t, f.model.lastReq.Images)
	assert.Contains(t, exec.StepLog, "proceeding without images")

	// Run still used the resolved doc text for the prompt.
	assert.Equal(t, "Analyze: screenshot of the crash", exec.PromptSent)
}

func TestRunFailsWithoutRunnableTask(t *testing.T) {
	f := setupPipeline(t)
	require.NoError(t, f.db.Model(f.task).Update("status", db.TaskPaused).Error)
	f.newExecution(t, "exec-notask", triggerPayload("1"))

	err := f.orch.Run(context.Background(), events.ExecutionDispatch{ExecutionID: "exec-notask"})
	require.NoError(t, err)

	exec := f.reload(t, "exec-notask")
	assert.Equal(t, db.ExecFailed, exec.Status)
	assert.Equal(t, ErrCodeNoTask, exec.ErrorCode)
}

func TestRunModelFailureIsFatal(t *testing.T) {
	f := setupPipeline(t)
	f.model.err = &ai.InvokeError{Provider: "openai", StatusCode: 500, Message: "backend exploded"}
	f.newExecution(t, "exec-aifail", triggerPayload("22"))

	err := f.orch.Run(context.Background(), events.ExecutionDispatch{ExecutionID: "exec-aifail"})
	require.NoError(t, err)

	exec := f.reload(t, "exec-aifail")
	assert.Equal(t, db.ExecFailed, exec.Status)
	assert.Equal(t, ErrCodeAIInvoke, exec.ErrorCode)
	assert.Contains(t, exec.ErrorMessage, "backend exploded")
	assert.Nil(t, exec.ActiveRecordID)

	var task db.AnalysisTask
	require.NoError(t, f.db.First(&task, f.task.ID).Error)
	assert.EqualValues(t, 1, task.FailedExecutions)
	assert.Equal(t, string(db.ExecFailed), task.LastExecutionStatus)
}

func TestRunWriteBackFailureIsSoft(t *testing.T) {
	f := setupPipeline(t)
	f.trk.updateErr = &tracker.APIError{Endpoint: "work_item/update", StatusCode: 403, Message: "read only"}
	f.newExecution(t, "exec-wbfail", triggerPayload("33"))

	err := f.orch.Run(context.Background(), events.ExecutionDispatch{ExecutionID: "exec-wbfail"})
	require.NoError(t, err)

	exec := f.reload(t, "exec-wbfail")
	assert.Equal(t, db.ExecSuccess, exec.Status)
	assert.True(t, exec.WriteBackFailed)
	assert.Nil(t, exec.WriteBackAt)
}

func TestRunMostRecentTaskWins(t *testing.T) {
	f := setupPipeline(t)
	newer := &db.AnalysisTask{
		Name:           "newer task",
		Status:         db.TaskActive,
		WebhookID:      f.webhook.ID,
		AIModelID:      f.task.AIModelID,
		PromptTemplate: "Newer: {field_value}",
	}
	require.NoError(t, f.db.Create(newer).Error)
	f.newExecution(t, "exec-newest", triggerPayload("44"))

	err := f.orch.Run(context.Background(), events.ExecutionDispatch{ExecutionID: "exec-newest"})
	require.NoError(t, err)

	exec := f.reload(t, "exec-newest")
	assert.Equal(t, db.ExecSuccess, exec.Status)
	require.NotNil(t, exec.TaskID)
	assert.Equal(t, newer.ID, *exec.TaskID)

	// The older sibling is visible in the step log.
	var steps []string
	require.NoError(t, json.Unmarshal([]byte(exec.StepLog), &steps))
	found := false
	for _, s := range steps {
		if s == fmt.Sprintf("task %d superseded task(s) %d for this event", newer.ID, f.task.ID) {
			found = true
		}
	}
	assert.True(t, found, "superseded note missing from step log: %v", steps)
}

func TestRunIgnoresTerminalExecution(t *testing.T) {
	f := setupPipeline(t)
	exec := f.newExecution(t, "exec-done", triggerPayload("55"))
	require.NoError(t, exec.MarkProcessing())
	require.NoError(t, exec.MarkCompleted(db.ExecSuccess, "", ""))
	require.NoError(t, f.db.Save(exec).Error)

	err := f.orch.Run(context.Background(), events.ExecutionDispatch{ExecutionID: "exec-done"})
	require.NoError(t, err)

	var task db.AnalysisTask
	require.NoError(t, f.db.First(&task, f.task.ID).Error)
	assert.Zero(t, task.TotalExecutions, "a terminal execution must not run again")
}
