package pipeline

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// EnvelopeError means the inbound event body is not a JSON object at all.
// This is the only way extraction can fail; missing inner structure just
// yields empty fields.
type EnvelopeError struct {
	Reason string
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("invalid event envelope: %s", e.Reason)
}

// Extracted holds the identifiers pulled out of a raw event body. Every
// field is independently optional.
type Extracted struct {
	RecordID           string `json:"record_id"`
	FieldValue         string `json:"field_value"`
	ProjectKey         string `json:"project_key"`
	WorkItemTypeKey    string `json:"work_item_type_key"`
	TriggeringFieldKey string `json:"triggering_field_key"`
	// ChangedFieldCount records how many changed fields the event carried.
	// Only the first one feeds FieldValue/TriggeringFieldKey, so a count
	// above 1 means the run saw a multi-field change it did not aggregate.
	ChangedFieldCount int `json:"changed_field_count"`
}

// Extract pulls the pipeline inputs out of a raw event body. The value of
// changed_fields[0].cur_field_value is kept verbatim when it is itself a
// JSON document so the rich-text stages can parse it later.
func Extract(raw []byte) (Extracted, error) {
	if !gjson.ValidBytes(raw) {
		return Extracted{}, &EnvelopeError{Reason: "body is not valid JSON"}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Extracted{}, &EnvelopeError{Reason: "body is not a JSON object"}
	}

	ex := Extracted{
		RecordID:        root.Get("payload.id").String(),
		ProjectKey:      root.Get("payload.project_key").String(),
		WorkItemTypeKey: root.Get("payload.work_item_type_key").String(),
	}

	changed := root.Get("payload.changed_fields")
	if changed.IsArray() {
		fields := changed.Array()
		ex.ChangedFieldCount = len(fields)
		if len(fields) > 0 {
			first := fields[0]
			ex.TriggeringFieldKey = first.Get("field_key").String()
			value := first.Get("cur_field_value")
			if value.Type == gjson.String {
				ex.FieldValue = value.String()
			} else if value.Exists() {
				ex.FieldValue = value.Raw
			}
		}
	}
	return ex, nil
}
