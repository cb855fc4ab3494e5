package entities

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending          Status = "Pending"
	StatusResponded        Status = "Responded"
	StatusAwaitingApproval Status = "Awaiting_Approval"
	StatusRejected         Status = "Rejected"
	StatusError            Status = "Error"
	StatusFatalError       Status = "FatalError"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusResponded, StatusAwaitingApproval,
		StatusRejected, StatusError, StatusFatalError:
		return true
	}
	return false
}

// Terminal reports whether no further processing is expected for a
// task in this status. Error is not terminal: it awaits an external
// re-trigger.
func (s Status) Terminal() bool {
	return s == StatusResponded || s == StatusRejected || s == StatusFatalError
}

// Task is one inbound customer message and its resolution. Rows are
// append-only: statuses and responses change, tasks are never deleted.
type Task struct {
	ID              int64      `json:"task_id"`
	TenantID        string     `json:"tenant_id"`
	CustomerID      string     `json:"customer_id"`
	InboundText     string     `json:"inbound_text"`
	AckToken        string     `json:"-"`
	Status          Status     `json:"status"`
	AIResponse      string     `json:"ai_response,omitempty"`
	DataAccessTrace string     `json:"data_access_trace,omitempty"`
	HumanResponse   string     `json:"human_response,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	RespondedAt     *time.Time `json:"responded_at,omitempty"`
}

// DeliveredResponse returns the text that was (or would be) sent to
// the customer: the human edit wins over the generated reply.
func (t Task) DeliveredResponse() string {
	if t.HumanResponse != "" {
		return t.HumanResponse
	}
	return t.AIResponse
}

// Exchange is one (customer utterance, delivered reply) pair of a
// conversation window. Reply is empty for not-yet-answered pairs.
type Exchange struct {
	Inbound string
	Reply   string
}

// GeneratedReply is the structured result of one generator invocation.
// Trace carries the generator's self-reported data-access operations
// and may be empty.
type GeneratedReply struct {
	Reply string
	Trace string
}
