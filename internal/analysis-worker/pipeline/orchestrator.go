package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"gorm.io/gorm"

	"webhook-analysis-service/internal/analysis-worker/ai"
	"webhook-analysis-service/internal/analysis-worker/markdown"
	"webhook-analysis-service/internal/analysis-worker/tracker"
	"webhook-analysis-service/internal/db"
	"webhook-analysis-service/internal/events"
)

// Error codes recorded on failed executions.
const (
	ErrCodeEnvelope = "invalid_envelope"
	ErrCodeNoTask   = "no_runnable_task"
	ErrCodeAIInvoke = "ai_invoke_failed"
	ErrCodeTimeout  = "timeout"
	ErrCodeInternal = "internal_error"
)

// TrackerAPI is the slice of the tracker client the pipeline needs.
type TrackerAPI interface {
	PluginToken(ctx context.Context) (string, error)
	QueryWorkItem(ctx context.Context, token, projectKey, typeKey string, workItemID int64, fieldKeys []string) (*tracker.WorkItem, error)
	RichTextField(ctx context.Context, token, projectKey, typeKey string, workItemID int64, fieldKey string) (*tracker.FieldDetail, error)
	DownloadAttachment(ctx context.Context, token, projectKey, typeKey string, workItemID int64, uuid string) ([]byte, string, error)
	UpdateField(ctx context.Context, token, projectKey, typeKey string, workItemID int64, fieldKey string, value any) error
}

// ModelClient is what the orchestrator needs from an AI adapter.
type ModelClient interface {
	Invoke(ctx context.Context, req ai.Request) (*ai.Response, error)
	EffectiveTemperature(taskOverride *float64) float64
	EffectiveMaxTokens(taskOverride *int) int
}

// Orchestrator drives one execution through its stages: task resolution,
// extraction, guarding, enrichment, model invocation, write-back, and the
// finalizing transaction. Each stage persists its progress so a crashed run
// leaves a readable trail.
type Orchestrator struct {
	DB      *gorm.DB
	Tracker TrackerAPI
	Guard   *Guard
	Fetcher FileFetcher

	// NewModelClient builds the adapter for a model binding.
	NewModelClient func(model *db.AIModel) ModelClient
}

func NewOrchestrator(gdb *gorm.DB, trk TrackerAPI) *Orchestrator {
	return &Orchestrator{
		DB:      gdb,
		Tracker: trk,
		Guard:   &Guard{DB: gdb},
		Fetcher: NewHTTPFileFetcher(),
		NewModelClient: func(model *db.AIModel) ModelClient {
			return ai.NewClient(model)
		},
	}
}

// Run processes one dispatched execution end to end. The returned error is
// for the consumer loop's logging only; the execution record always ends in
// a terminal state.
func (o *Orchestrator) Run(ctx context.Context, msg events.ExecutionDispatch) error {
	var exec db.TaskExecution
	if err := o.DB.Where("execution_id = ?", msg.ExecutionID).First(&exec).Error; err != nil {
		return fmt.Errorf("load execution %s: %w", msg.ExecutionID, err)
	}
	if exec.Status.IsTerminal() {
		hlog.Infof("execution %s already %s, ignoring dispatch", exec.ExecutionID, exec.Status)
		return nil
	}
	if exec.WebhookPayload == "" && len(msg.Payload) > 0 {
		exec.WebhookPayload = string(msg.Payload)
	}
	if msg.RetryOf != "" {
		exec.AppendStep("retry of execution " + msg.RetryOf)
	}

	task, modelCfg, err := o.resolveTask(&exec)
	if err != nil {
		return o.finalize(&exec, nil, db.ExecFailed, err.Error(), ErrCodeNoTask, 0, 0)
	}

	timeout := task.TimeoutSeconds
	if timeout <= 0 {
		timeout = 3600
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	exec.TaskID = &task.ID
	if err := exec.MarkProcessing(); err != nil {
		return err
	}
	exec.AppendStep(fmt.Sprintf("started with task %d (%s)", task.ID, task.Name))
	if err := o.DB.Save(&exec).Error; err != nil {
		return fmt.Errorf("persist execution %s: %w", exec.ExecutionID, err)
	}

	ex, err := Extract([]byte(exec.WebhookPayload))
	if err != nil {
		return o.finalize(&exec, task, db.ExecFailed, err.Error(), ErrCodeEnvelope, 0, 0)
	}
	if extracted, err := json.Marshal(ex); err == nil {
		exec.ExtractedData = string(extracted)
	}
	exec.AppendStep(fmt.Sprintf("extracted record=%s field=%s changed_fields=%d", ex.RecordID, ex.TriggeringFieldKey, ex.ChangedFieldCount))

	if err := o.Guard.Validate(&exec, task, ex); err != nil {
		var skip *SkipError
		if errors.As(err, &skip) {
			exec.AppendStep("skipped: " + skip.Reason)
			hlog.Infof("execution %s skipped: %v", exec.ExecutionID, skip)
			o.recordSkipOnDelivery(&exec, skip.Reason)
			return o.finalize(&exec, nil, db.ExecCancelled, skip.Error(), "skipped", 0, 0)
		}
		return o.finalize(&exec, task, db.ExecFailed, err.Error(), ErrCodeInternal, 0, 0)
	}

	inputs := o.gatherInputs(ctx, &exec, task, ex)

	prompt := RenderPrompt(PromptInput{
		Template:    task.PromptTemplate,
		Values:      inputs.values,
		PrimaryText: inputs.primaryText,
		MultiField:  task.EnableMultiField,
	})
	exec.PromptSent = prompt
	exec.AppendStep(fmt.Sprintf("prompt rendered: %d chars, %d images", len(prompt), len(inputs.images)))
	if err := o.DB.Save(&exec).Error; err != nil {
		return fmt.Errorf("persist execution %s: %w", exec.ExecutionID, err)
	}

	client := o.NewModelClient(modelCfg)
	now := time.Now().UTC()
	exec.AICalledAt = &now
	resp, err := client.Invoke(ctx, ai.Request{
		Prompt:      prompt,
		Images:      inputs.images,
		Temperature: client.EffectiveTemperature(task.Temperature),
		MaxTokens:   client.EffectiveMaxTokens(task.MaxTokens),
	})
	if err != nil {
		return o.failOrTimeout(ctx, &exec, task, err, ErrCodeAIInvoke)
	}
	responded := time.Now().UTC()
	exec.AIRespondedAt = &responded
	exec.AIResponse = resp.Text
	exec.TokensUsed = resp.Usage.TotalTokens
	cost := modelCfg.CalculateCost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	exec.Cost = cost
	if meta, err := json.Marshal(map[string]any{
		"model":             modelCfg.ModelName,
		"provider":          modelCfg.Provider,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"total_tokens":      resp.Usage.TotalTokens,
	}); err == nil {
		exec.AIResponseMetadata = string(meta)
	}
	exec.AppendStep(fmt.Sprintf("model responded: %d chars, %d tokens", len(resp.Text), resp.Usage.TotalTokens))

	o.writeBack(ctx, &exec, task, ex, inputs, resp.Text)

	return o.finalize(&exec, task, db.ExecSuccess, "", "", resp.Usage.TotalTokens, cost)
}

// gatherFields resolves the configured extra fields into placeholder
// values. Failures leave the values empty.
func (o *Orchestrator) gatherFields(ctx context.Context, exec *db.TaskExecution, ex Extracted, recordID int64, fields []db.FieldBinding, inputs *promptInputs) {
	token, err := o.Tracker.PluginToken(ctx)
	if err != nil {
		exec.AppendStep(fmt.Sprintf("multi-field token fetch failed: %v; continuing with trigger field only", err))
		return
	}
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.FieldKey)
	}
	item, err := o.Tracker.QueryWorkItem(ctx, token, ex.ProjectKey, ex.WorkItemTypeKey, recordID, keys)
	if err != nil {
		exec.AppendStep(fmt.Sprintf("multi-field query failed: %v; continuing with trigger field only", err))
		return
	}
	for _, f := range fields {
		name := f.Placeholder
		if name == "" {
			name = f.FieldKey
		}
		inputs.values[name] = item.FieldText(f.FieldKey)
	}
	exec.AppendStep(fmt.Sprintf("aggregated %d fields from record %d", len(fields), recordID))
}

// recordSkipOnDelivery writes the skip reason back onto the delivery log
// row that shares this execution's ID. Retries have no delivery row, so the
// update matching nothing is normal.
func (o *Orchestrator) recordSkipOnDelivery(exec *db.TaskExecution, reason string) {
	encoded, err := json.Marshal([]string{reason})
	if err != nil {
		return
	}
	if err := o.DB.Model(&db.WebhookLog{}).
		Where("request_id = ?", exec.ExecutionID).
		Update("validation_errors", string(encoded)).Error; err != nil {
		hlog.Warnf("record skip on delivery log %s: %v", exec.ExecutionID, err)
	}
}

// resolveTask picks the task that owns this execution: the most recently
// updated runnable task bound to the webhook wins, and any siblings it
// superseded are noted on the step log.
func (o *Orchestrator) resolveTask(exec *db.TaskExecution) (*db.AnalysisTask, *db.AIModel, error) {
	var webhook db.Webhook
	if err := o.DB.Where("webhook_key = ?", exec.WebhookKey).First(&webhook).Error; err != nil {
		return nil, nil, fmt.Errorf("webhook %s not found", exec.WebhookKey)
	}

	var candidates []db.AnalysisTask
	if err := o.DB.
		Where("webhook_id = ? AND status = ?", webhook.ID, db.TaskActive).
		Order("updated_at DESC").
		Find(&candidates).Error; err != nil {
		return nil, nil, fmt.Errorf("list tasks for webhook %s: %w", exec.WebhookKey, err)
	}

	var runnable []db.AnalysisTask
	for _, t := range candidates {
		if t.CanExecute() {
			runnable = append(runnable, t)
		}
	}
	if len(runnable) == 0 {
		return nil, nil, fmt.Errorf("no runnable task bound to webhook %s", exec.WebhookKey)
	}
	winner := runnable[0]
	if len(runnable) > 1 {
		var superseded []string
		for _, t := range runnable[1:] {
			superseded = append(superseded, strconv.FormatUint(uint64(t.ID), 10))
		}
		exec.AppendStep(fmt.Sprintf("task %d superseded task(s) %s for this event", winner.ID, strings.Join(superseded, ", ")))
	}

	var model db.AIModel
	if err := o.DB.First(&model, winner.AIModelID).Error; err != nil {
		return nil, nil, fmt.Errorf("model binding %d not found for task %d", winner.AIModelID, winner.ID)
	}
	return &winner, &model, nil
}

// promptInputs is everything the enrichment stages produced for the render
// and invoke steps.
type promptInputs struct {
	primaryText string
	values      map[string]string
	images      []ai.ImageData
}

// gatherInputs runs the optional enrichment stages: rich-text field fetch
// with image downloads, multi-field aggregation, and credentialed file
// fetch. Every enrichment failure is recoverable: it lands on the step log
// and the run proceeds with whatever was gathered.
func (o *Orchestrator) gatherInputs(ctx context.Context, exec *db.TaskExecution, task *db.AnalysisTask, ex Extracted) *promptInputs {
	inputs := &promptInputs{
		primaryText: PlainText(ex.FieldValue),
		values:      map[string]string{},
	}

	recordID, recordIDErr := strconv.ParseInt(ex.RecordID, 10, 64)
	canQuery := recordIDErr == nil && ex.ProjectKey != "" && ex.WorkItemTypeKey != ""

	// Each stage fetches its own token, like write-back does.
	if task.EnableRichTextParsing {
		if !canQuery {
			exec.AppendStep("rich-text fetch skipped: event lacks record coordinates")
		} else if token, err := o.Tracker.PluginToken(ctx); err != nil {
			exec.AppendStep(fmt.Sprintf("rich-text token fetch failed: %v; continuing with trigger payload text", err))
		} else {
			o.fetchRichText(ctx, exec, token, ex, recordID, inputs)
		}
	}

	if task.EnableMultiField && canQuery {
		spec, err := task.MultiFieldSpec()
		if err != nil {
			exec.AppendStep("multi-field config invalid, continuing with trigger field only")
		} else if len(spec.Fields) > 0 {
			o.gatherFields(ctx, exec, ex, recordID, spec.Fields, inputs)
		}
	}

	if task.EnableStorageCredential && task.StorageCredentialID != nil {
		o.fetchFile(ctx, exec, task, ex)
	}

	return inputs
}

// fetchRichText pulls the full rich-text document for the triggering field
// and downloads the images it references.
func (o *Orchestrator) fetchRichText(ctx context.Context, exec *db.TaskExecution, token string, ex Extracted, recordID int64, inputs *promptInputs) {
	detail, err := o.Tracker.RichTextField(ctx, token, ex.ProjectKey, ex.WorkItemTypeKey, recordID, ex.TriggeringFieldKey)
	if err != nil {
		exec.AppendStep(fmt.Sprintf("rich-text fetch failed: %v; continuing with trigger payload text", err))
		return
	}
	if detail.DocText != "" {
		inputs.primaryText = detail.DocText
	}

	var doc any
	if detail.Doc != "" {
		if err := json.Unmarshal([]byte(detail.Doc), &doc); err != nil {
			exec.AppendStep("rich-text document unparseable, proceeding without images")
			return
		}
	}
	refs, err := DocImageRefs(doc)
	if err != nil {
		if errors.Is(err, ErrDocumentTooLarge) {
			exec.AppendStep("rich-text document exceeds walk bound, proceeding without images")
		} else {
			exec.AppendStep(fmt.Sprintf("rich-text image scan failed: %v; proceeding without images", err))
		}
		return
	}
	if len(refs) == 0 {
		exec.AppendStep("rich-text document carries no image nodes")
		return
	}

	var totalBytes int64
	for _, ref := range refs {
		data, contentType, err := o.Tracker.DownloadAttachment(ctx, token, ex.ProjectKey, ex.WorkItemTypeKey, recordID, ref.UUID)
		if err != nil {
			exec.AppendStep(fmt.Sprintf("image %s download failed: %v", ref.UUID, err))
			continue
		}
		if contentType == "" {
			contentType = "image/png"
		}
		inputs.images = append(inputs.images, ai.ImageData{MIMEType: contentType, Data: data})
		totalBytes += int64(len(data))
		if exec.FileType == "" {
			exec.FileType = contentType
		}
	}
	if len(inputs.images) == 0 {
		exec.AppendStep(fmt.Sprintf("all %d image downloads failed, proceeding without images", len(refs)))
		return
	}
	fetched := time.Now().UTC()
	exec.FileFetchedAt = &fetched
	exec.FileSizeBytes = totalBytes
	exec.AppendStep(fmt.Sprintf("downloaded %d of %d images (%d bytes)", len(inputs.images), len(refs), totalBytes))
}

// fetchFile acquires the task's credentialed file and keeps a preview on the
// execution record.
func (o *Orchestrator) fetchFile(ctx context.Context, exec *db.TaskExecution, task *db.AnalysisTask, ex Extracted) {
	var cred db.StorageCredential
	if err := o.DB.First(&cred, *task.StorageCredentialID).Error; err != nil {
		exec.AppendStep(fmt.Sprintf("storage credential %d not found, file fetch skipped", *task.StorageCredentialID))
		return
	}
	// Plain substitution only: the append fallback of the prompt renderer
	// must never leak into a file path.
	path := strings.ReplaceAll(task.FilePathTemplate, aliasFieldValue, ex.FieldValue)
	path = strings.ReplaceAll(path, "{record_id}", ex.RecordID)
	data, contentType, err := o.Fetcher.Fetch(ctx, &cred, path)
	if err != nil {
		exec.AppendStep(fmt.Sprintf("file fetch %s failed: %v; continuing without file", path, err))
		return
	}
	exec.FileURL = strings.TrimSuffix(cred.Endpoint, "/") + "/" + strings.TrimPrefix(path, "/")
	exec.FileSizeBytes += int64(len(data))
	if exec.FileType == "" {
		exec.FileType = contentType
	}
	exec.FileContentPreview = contentPreview(data)
	fetched := time.Now().UTC()
	exec.FileFetchedAt = &fetched
	exec.AppendStep(fmt.Sprintf("fetched file %s (%d bytes)", path, len(data)))
}

// writeBack pushes the analysis result to the configured target field.
// Write-back failures are soft: the execution still succeeds, flagged.
func (o *Orchestrator) writeBack(ctx context.Context, exec *db.TaskExecution, task *db.AnalysisTask, ex Extracted, inputs *promptInputs, result string) {
	spec, err := task.WriteBackSpec()
	if err != nil || spec.TargetFieldKey == "" {
		if err != nil {
			exec.AppendStep("write-back config invalid, result not written back")
			exec.WriteBackFailed = true
		}
		return
	}
	recordID, parseErr := strconv.ParseInt(ex.RecordID, 10, 64)
	if parseErr != nil || ex.ProjectKey == "" || ex.WorkItemTypeKey == "" {
		exec.AppendStep("write-back skipped: event lacks record coordinates")
		return
	}

	token, err := o.Tracker.PluginToken(ctx)
	if err != nil {
		exec.WriteBackFailed = true
		exec.AppendStep(fmt.Sprintf("write-back token failed: %v", err))
		return
	}
	blocks := convertOrPlain(result)
	if err := o.Tracker.UpdateField(ctx, token, ex.ProjectKey, ex.WorkItemTypeKey, recordID, spec.TargetFieldKey, blocks); err != nil {
		exec.WriteBackFailed = true
		exec.AppendStep(fmt.Sprintf("write-back to %s failed: %v", spec.TargetFieldKey, err))
		return
	}
	now := time.Now().UTC()
	exec.WriteBackAt = &now
	exec.WriteBackItemID = ex.RecordID
	if updated, err := json.Marshal([]string{spec.TargetFieldKey}); err == nil {
		exec.FieldsUpdated = string(updated)
	}
	exec.AppendStep("write-back to " + spec.TargetFieldKey + " succeeded")
}

// convertBlocks is a seam for the converter in tests.
var convertBlocks = markdown.Convert

// convertOrPlain renders the result as rich-text blocks. A converter
// failure falls back to unformatted paragraph blocks so the write-back
// still carries the text.
func convertOrPlain(result string) (blocks []markdown.Block) {
	defer func() {
		if r := recover(); r != nil {
			hlog.Warnf("markdown conversion failed, writing back plain text: %v", r)
			blocks = markdown.PlainBlocks(result)
		}
	}()
	return convertBlocks(result)
}

// failOrTimeout finalizes a failed stage, reclassifying it as a timeout when
// the execution budget ran out.
func (o *Orchestrator) failOrTimeout(ctx context.Context, exec *db.TaskExecution, task *db.AnalysisTask, cause error, code string) error {
	status := db.ExecFailed
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		status = db.ExecTimeout
		code = ErrCodeTimeout
	}
	return o.finalize(exec, task, status, cause.Error(), code, 0, 0)
}

// finalize moves the execution to a terminal state and, when a task owns the
// run, folds the outcome into its aggregates inside one transaction. A nil
// task leaves the aggregates untouched, which is how skips stay invisible in
// the success/failure counters.
func (o *Orchestrator) finalize(exec *db.TaskExecution, task *db.AnalysisTask, status db.ExecutionStatus, errMessage, errCode string, tokens int, cost float64) error {
	if err := exec.MarkCompleted(status, errMessage, errCode); err != nil {
		return err
	}
	return o.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(exec).Error; err != nil {
			return err
		}
		if task == nil {
			return nil
		}
		var fresh db.AnalysisTask
		if err := tx.First(&fresh, task.ID).Error; err != nil {
			return err
		}
		var durationMs int64
		if exec.ExecutionTimeMs != nil {
			durationMs = *exec.ExecutionTimeMs
		}
		fresh.UpdateRunStats(status == db.ExecSuccess, durationMs, tokens, cost)
		return tx.Save(&fresh).Error
	})
}
