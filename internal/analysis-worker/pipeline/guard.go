package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"gorm.io/gorm"

	execdb "webhook-analysis-service/internal/db"
)

// SkipError marks a run that should not proceed. It is not a failure: the
// caller still acknowledges the triggering event, and the execution record
// keeps the reason.
type SkipError struct {
	Reason string
	// ConflictingExecutionIDs names the in-flight executions that caused a
	// duplicate skip.
	ConflictingExecutionIDs []string
}

func (e *SkipError) Error() string {
	if len(e.ConflictingExecutionIDs) > 0 {
		return fmt.Sprintf("execution skipped: %s (conflicts: %s)", e.Reason, strings.Join(e.ConflictingExecutionIDs, ", "))
	}
	return "execution skipped: " + e.Reason
}

// Guard decides whether a run should proceed. It runs before any
// side-effecting stage. Internal guard errors default to allow so a guard
// bug never blocks the pipeline.
type Guard struct {
	DB *gorm.DB
}

// Validate applies the skip rules in order: empty rich-text field, rich-text
// field without images, then the duplicate-record claim. A nil return means
// the run is approved and, when a record id was present, the execution now
// holds the record claim.
func (g *Guard) Validate(exec *execdb.TaskExecution, task *execdb.AnalysisTask, ex Extracted) error {
	if task.EnableRichTextParsing {
		if ex.FieldValue == "" {
			return &SkipError{Reason: "empty field: rich-text parsing is enabled but the triggering field value is empty"}
		}
		hasImages, err := FieldValueHasImages(ex.FieldValue)
		if err != nil {
			// Fail open: an unparseable or oversized document is not a
			// reason to drop the run here.
			hlog.Warnf("guard: image check failed for execution %s, allowing: %v", exec.ExecutionID, err)
		} else if !hasImages {
			return &SkipError{Reason: "no images: rich-text parsing is enabled but the field value contains none"}
		}
	}

	if ex.RecordID == "" {
		return nil
	}
	return g.claimRecord(exec, ex.RecordID)
}

// claimRecord sets the execution's active record id. The unique index on
// that column makes the dedup check and the claim one atomic operation: a
// second event for the same record cannot pass while the first is in
// flight.
func (g *Guard) claimRecord(exec *execdb.TaskExecution, recordID string) error {
	err := g.DB.Model(exec).Update("active_record_id", recordID).Error
	if err == nil {
		exec.ActiveRecordID = &recordID
		return nil
	}
	if !isDuplicateKey(err) {
		hlog.Warnf("guard: record claim failed for execution %s, allowing: %v", exec.ExecutionID, err)
		return nil
	}

	skip := &SkipError{Reason: fmt.Sprintf("duplicate in-flight execution for record %s", recordID)}
	var conflicts []execdb.TaskExecution
	findErr := g.DB.
		Where("active_record_id = ? AND status IN ? AND execution_id <> ?",
			recordID, []execdb.ExecutionStatus{execdb.ExecPending, execdb.ExecProcessing}, exec.ExecutionID).
		Find(&conflicts).Error
	if findErr != nil {
		hlog.Warnf("guard: conflict lookup failed for record %s: %v", recordID, findErr)
	}
	for _, c := range conflicts {
		skip.ConflictingExecutionIDs = append(skip.ConflictingExecutionIDs, c.ExecutionID)
	}
	return skip
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}
