package models

// ReadinessOutcome is the pre-flight verdict for a round.
type ReadinessOutcome string

const (
	ReadinessReady   ReadinessOutcome = "ready"
	ReadinessWarning ReadinessOutcome = "warning"
	ReadinessBlocked ReadinessOutcome = "blocked"
)

// Readiness is the result of the provider's list, content and compliance checks.
type Readiness struct {
	Outcome ReadinessOutcome `json:"outcome"`
	Details []string         `json:"details,omitempty"`
}

// SendResult is returned by a successful send.
type SendResult struct {
	ProviderMessageID string `json:"provider_message_id"`
	Recipients        int    `json:"recipients"`
}

// Notification is one message for the chat channel.
type Notification struct {
	ID       string            `json:"id"`
	Channel  string            `json:"channel"`
	Severity string            `json:"severity"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Fields   map[string]string `json:"fields,omitempty"`
}
