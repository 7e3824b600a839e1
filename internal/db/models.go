package db

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// TaskStatus is the configuration state of an AnalysisTask.
type TaskStatus string

const (
	TaskDraft    TaskStatus = "draft"
	TaskActive   TaskStatus = "active"
	TaskPaused   TaskStatus = "paused"
	TaskDisabled TaskStatus = "disabled"
	TaskArchived TaskStatus = "archived"
)

// ExecutionStatus is the state of a single pipeline run. Transitions are
// monotonic: pending -> processing -> one of the terminal states.
type ExecutionStatus string

const (
	ExecPending    ExecutionStatus = "pending"
	ExecProcessing ExecutionStatus = "processing"
	ExecSuccess    ExecutionStatus = "success"
	ExecFailed     ExecutionStatus = "failed"
	ExecTimeout    ExecutionStatus = "timeout"
	ExecCancelled  ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecSuccess, ExecFailed, ExecTimeout, ExecCancelled:
		return true
	}
	return false
}

// ProviderKind selects the request format for an AI model binding. It is
// resolved once when the model record is saved, never at invocation time.
type ProviderKind string

const (
	ProviderGemini    ProviderKind = "gemini"
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderDeepSeek  ProviderKind = "deepseek"
	ProviderGeneric   ProviderKind = "generic"
)

// ResolveProviderKind maps a declared model type or model name onto a
// ProviderKind. Unrecognized values fall back to the generic
// chat-completion format.
func ResolveProviderKind(modelType, modelName string) ProviderKind {
	t := strings.ToLower(modelType)
	n := strings.ToLower(modelName)
	switch {
	case strings.Contains(t, "gemini"), strings.Contains(t, "google"), strings.Contains(n, "gemini"):
		return ProviderGemini
	case strings.Contains(t, "anthropic"), strings.Contains(t, "claude"), strings.Contains(n, "claude"):
		return ProviderAnthropic
	case strings.Contains(t, "deepseek"), strings.Contains(n, "deepseek"):
		return ProviderDeepSeek
	case strings.Contains(t, "openai"), strings.Contains(n, "gpt"):
		return ProviderOpenAI
	}
	return ProviderGeneric
}

// Webhook is an inbound event source. External callers address it by
// WebhookKey; analysis tasks bind to its numeric ID.
type Webhook struct {
	gorm.Model
	Name        string `json:"name" gorm:"index"`
	Description string `json:"description"`
	WebhookKey  string `json:"webhook_key" gorm:"uniqueIndex;size:64"`
	IsActive    bool   `json:"is_active" gorm:"default:true;index"`
}

// AIModel is a model binding: provider, credentials, endpoint and default
// sampling parameters.
type AIModel struct {
	gorm.Model
	Name        string       `json:"name" gorm:"index"`
	ModelType   string       `json:"model_type"` // declared type, e.g. "gemini", "openai_compatible"
	ModelName   string       `json:"model_name"`
	Provider    ProviderKind `json:"provider" gorm:"index"`
	APIKey      string       `json:"api_key"`
	APIEndpoint string       `json:"api_endpoint"`
	Temperature *float64     `json:"temperature"`
	MaxTokens   *int         `json:"max_tokens"`

	CostPer1KInputTokens  *float64 `json:"cost_per_1k_input_tokens"`
	CostPer1KOutputTokens *float64 `json:"cost_per_1k_output_tokens"`
}

// CalculateCost prices one call from the per-1K token rates. Models without
// rates cost zero.
func (m *AIModel) CalculateCost(inputTokens, outputTokens int) float64 {
	var cost float64
	if m.CostPer1KInputTokens != nil {
		cost += float64(inputTokens) / 1000 * *m.CostPer1KInputTokens
	}
	if m.CostPer1KOutputTokens != nil {
		cost += float64(outputTokens) / 1000 * *m.CostPer1KOutputTokens
	}
	return cost
}

// BeforeSave pins the provider kind so the invocation path never has to
// string-match at runtime.
func (m *AIModel) BeforeSave(tx *gorm.DB) error {
	m.Provider = ResolveProviderKind(m.ModelType, m.ModelName)
	return nil
}

// StorageCredential is consumed by the file-fetch collaborator when a task
// has storage-backed file acquisition enabled.
type StorageCredential struct {
	gorm.Model
	Name      string `json:"name" gorm:"index"`
	Protocol  string `json:"protocol"` // e.g. "smb", "s3", "http"
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

// FieldBinding is one entry of a task's multi-field configuration.
type FieldBinding struct {
	FieldKey    string `json:"field_key"`
	FieldName   string `json:"field_name"`
	Placeholder string `json:"placeholder"`
}

// MultiFieldSpec is the parsed form of AnalysisTask.MultiFieldConfig.
type MultiFieldSpec struct {
	Fields []FieldBinding `json:"fields"`
}

// WriteBackSpec is the parsed form of AnalysisTask.WriteBackConfig. The
// target field is distinct from the field that triggered the run.
type WriteBackSpec struct {
	TargetFieldKey string `json:"target_field_key"`
}

// AnalysisTask binds an event source to an AI model plus the optional
// enrichment and write-back stages. The admin API owns its configuration;
// the pipeline only reads it and updates the run aggregates.
type AnalysisTask struct {
	gorm.Model
	Name        string     `json:"name" gorm:"index"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status" gorm:"index;default:draft"`

	WebhookID uint `json:"webhook_id" gorm:"index"`
	AIModelID uint `json:"ai_model_id"`

	EnableStorageCredential bool   `json:"enable_storage_credential"`
	StorageCredentialID     *uint  `json:"storage_credential_id"`
	FilePathTemplate        string `json:"file_path_template"`

	PromptTemplate string `json:"prompt_template" gorm:"type:text"`

	EnableRichTextParsing bool   `json:"enable_rich_text_parsing"`
	RichTextConfig        string `json:"rich_text_config" gorm:"type:json"`

	EnableMultiField bool   `json:"enable_multi_field"`
	MultiFieldConfig string `json:"multi_field_config" gorm:"type:json"`

	WriteBackConfig string `json:"write_back_config" gorm:"type:json"`

	Temperature    *float64 `json:"temperature"`
	MaxTokens      *int     `json:"max_tokens"`
	TimeoutSeconds int      `json:"timeout_seconds" gorm:"default:3600"`

	// Run aggregates, updated inside the transaction that finalizes an
	// execution.
	TotalExecutions      int64   `json:"total_executions"`
	SuccessfulExecutions int64   `json:"successful_executions"`
	FailedExecutions     int64   `json:"failed_executions"`
	AvgExecutionMs       int64   `json:"avg_execution_ms"`
	TotalTokensUsed      int64   `json:"total_tokens_used"`
	TotalCost            float64 `json:"total_cost"`

	LastExecutionAt     *time.Time `json:"last_execution_at"`
	LastExecutionStatus string     `json:"last_execution_status"`
}

// MultiFieldSpec parses the multi-field configuration document. A task with
// the feature disabled or an empty document yields a spec with no fields.
func (t *AnalysisTask) MultiFieldSpec() (MultiFieldSpec, error) {
	var spec MultiFieldSpec
	if t.MultiFieldConfig == "" {
		return spec, nil
	}
	if err := json.Unmarshal([]byte(t.MultiFieldConfig), &spec); err != nil {
		return spec, fmt.Errorf("invalid multi_field_config: %w", err)
	}
	return spec, nil
}

// WriteBackSpec parses the write-back configuration document. A missing or
// empty document means write-back is disabled.
func (t *AnalysisTask) WriteBackSpec() (WriteBackSpec, error) {
	var spec WriteBackSpec
	if t.WriteBackConfig == "" {
		return spec, nil
	}
	if err := json.Unmarshal([]byte(t.WriteBackConfig), &spec); err != nil {
		return spec, fmt.Errorf("invalid write_back_config: %w", err)
	}
	return spec, nil
}

// CanExecute reports whether the task is bound well enough to run.
func (t *AnalysisTask) CanExecute() bool {
	if t.Status != TaskActive || t.WebhookID == 0 || t.AIModelID == 0 {
		return false
	}
	if t.EnableStorageCredential && t.StorageCredentialID == nil {
		return false
	}
	return true
}

// UpdateRunStats folds one finished run into the task aggregates. The
// average uses new_avg = (old_avg*(n-1) + value) / n; token and cost totals
// are plain running sums.
func (t *AnalysisTask) UpdateRunStats(success bool, durationMs int64, tokensUsed int, cost float64) {
	now := time.Now().UTC()
	t.TotalExecutions++
	if success {
		t.SuccessfulExecutions++
		t.LastExecutionStatus = string(ExecSuccess)
	} else {
		t.FailedExecutions++
		t.LastExecutionStatus = string(ExecFailed)
	}
	t.LastExecutionAt = &now

	if durationMs > 0 {
		n := t.TotalExecutions
		t.AvgExecutionMs = (t.AvgExecutionMs*(n-1) + durationMs) / n
	}
	if tokensUsed > 0 {
		t.TotalTokensUsed += int64(tokensUsed)
	}
	if cost > 0 {
		t.TotalCost += cost
	}
}

// TaskExecution is the persistent record of one pipeline run. It is created
// pending at event acceptance and mutated only by the orchestrator that owns
// the run.
type TaskExecution struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`

	TaskID      *uint  `json:"task_id" gorm:"index"`
	ExecutionID string `json:"execution_id" gorm:"uniqueIndex;size:64"`
	WebhookKey  string `json:"webhook_key" gorm:"index;size:64"`

	Status ExecutionStatus `json:"status" gorm:"index;default:pending"`

	WebhookPayload string `json:"webhook_payload" gorm:"type:json"`
	ExtractedData  string `json:"extracted_data" gorm:"type:json"`

	// ActiveRecordID is the dedup claim: set to the extracted record id while
	// the execution is in flight, cleared on the terminal transition. The
	// unique index makes claim-and-check a single operation.
	ActiveRecordID *string `json:"active_record_id" gorm:"uniqueIndex;size:128"`

	FileURL            string `json:"file_url"`
	FileSizeBytes      int64  `json:"file_size_bytes"`
	FileType           string `json:"file_type" gorm:"size:32"`
	FileContentPreview string `json:"file_content_preview" gorm:"type:text"`

	PromptSent         string  `json:"prompt_sent" gorm:"type:text"`
	AIResponse         string  `json:"ai_response" gorm:"type:text"`
	AIResponseMetadata string  `json:"ai_response_metadata" gorm:"type:json"`
	TokensUsed         int     `json:"tokens_used"`
	Cost               float64 `json:"cost"`

	WriteBackItemID   string `json:"write_back_item_id" gorm:"size:128"`
	WriteBackResponse string `json:"write_back_response" gorm:"type:json"`
	FieldsUpdated     string `json:"fields_updated" gorm:"type:json"`
	WriteBackFailed   bool   `json:"write_back_failed"`

	ErrorMessage string `json:"error_message" gorm:"type:text"`
	ErrorCode    string `json:"error_code" gorm:"size:64"`
	RetryCount   int    `json:"retry_count"`

	StepLog string `json:"step_log" gorm:"type:json"`

	StartedAt     *time.Time `json:"started_at"`
	FileFetchedAt *time.Time `json:"file_fetched_at"`
	AICalledAt    *time.Time `json:"ai_called_at"`
	AIRespondedAt *time.Time `json:"ai_responded_at"`
	WriteBackAt   *time.Time `json:"write_back_at"`
	CompletedAt   *time.Time `json:"completed_at"`

	ExecutionTimeMs *int64 `json:"execution_time_ms"`
}

// Steps decodes the append-only stage log.
func (e *TaskExecution) Steps() []string {
	if e.StepLog == "" {
		return nil
	}
	var steps []string
	if err := json.Unmarshal([]byte(e.StepLog), &steps); err != nil {
		return nil
	}
	return steps
}

// AppendStep adds one human-readable stage note to the log.
func (e *TaskExecution) AppendStep(note string) {
	steps := append(e.Steps(), note)
	encoded, err := json.Marshal(steps)
	if err != nil {
		return
	}
	e.StepLog = string(encoded)
}

// CanTransition enforces monotonic status transitions.
func (e *TaskExecution) CanTransition(next ExecutionStatus) bool {
	switch e.Status {
	case ExecPending:
		return next == ExecProcessing || next.IsTerminal()
	case ExecProcessing:
		return next.IsTerminal()
	}
	return false
}

// MarkProcessing moves the execution out of pending.
func (e *TaskExecution) MarkProcessing() error {
	if !e.CanTransition(ExecProcessing) {
		return fmt.Errorf("illegal transition %s -> %s for execution %s", e.Status, ExecProcessing, e.ExecutionID)
	}
	e.Status = ExecProcessing
	if e.StartedAt == nil {
		now := time.Now().UTC()
		e.StartedAt = &now
	}
	return nil
}

// MarkCompleted applies the terminal transition: status, completion time,
// duration when a start time exists, and release of the dedup claim.
func (e *TaskExecution) MarkCompleted(status ExecutionStatus, errMessage, errCode string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	if !e.CanTransition(status) {
		return fmt.Errorf("illegal transition %s -> %s for execution %s", e.Status, status, e.ExecutionID)
	}
	e.Status = status
	if errMessage != "" {
		e.ErrorMessage = errMessage
	}
	if errCode != "" {
		e.ErrorCode = errCode
	}
	now := time.Now().UTC()
	e.CompletedAt = &now
	if e.StartedAt != nil {
		ms := now.Sub(*e.StartedAt).Milliseconds()
		e.ExecutionTimeMs = &ms
	}
	e.ActiveRecordID = nil
	return nil
}

// WebhookLog records one inbound delivery, including accepted-but-skipped
// runs whose skip reason lands in ValidationErrors.
type WebhookLog struct {
	gorm.Model
	WebhookKey       string `json:"webhook_key" gorm:"index;size:64"`
	RequestID        string `json:"request_id" gorm:"size:64"`
	SourceIP         string `json:"source_ip" gorm:"size:64"`
	UserAgent        string `json:"user_agent"`
	RequestPayload   string `json:"request_payload" gorm:"type:json"`
	ResponseStatus   int    `json:"response_status"`
	ResponseTimeMs   int    `json:"response_time_ms"`
	IsValid          bool   `json:"is_valid"`
	ValidationErrors string `json:"validation_errors" gorm:"type:json"`
}
