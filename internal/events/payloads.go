package events

import "encoding/json"

// ExecutionDispatch is sent by the analysis manager to Kafka when an inbound
// event has been accepted. The worker replays the stored snapshot, so the raw
// payload rides along verbatim.
type ExecutionDispatch struct {
	ExecutionID string          `json:"execution_id"`
	WebhookKey  string          `json:"webhook_key"`
	Payload     json.RawMessage `json:"payload"`
	// RetryOf carries the original execution id when this dispatch is a
	// manual retry.
	RetryOf string `json:"retry_of,omitempty"`
}
