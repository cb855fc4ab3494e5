package interfaces

import (
	"context"
	"errors"
	"strings"

	"saleschat/internal/entities"
)

// TaskLedger persists one record per inbound customer message and its
// lifecycle. Implementations must make the (response, status) writes
// of RecordAIResponse and RecordHumanResponse atomic.
type TaskLedger interface {
	CreateTask(ctx context.Context, tenantID, customerID, ackToken, text string) (int64, error)
	GetTask(ctx context.Context, taskID int64) (*entities.Task, error)
	GetTasks(ctx context.Context, tenantID string, status entities.Status) ([]entities.Task, error)
	LatestTaskPerCustomer(ctx context.Context, tenantID string, status entities.Status) ([]entities.Task, error)
	SetStatus(ctx context.Context, taskID int64, status entities.Status) error
	RecordAIResponse(ctx context.Context, taskID int64, response, trace string) error
	RecordHumanResponse(ctx context.Context, taskID int64, response string) error
	ConversationWindow(ctx context.Context, tenantID, customerID string, limit int) ([]entities.Exchange, error)
	CountByStatus(ctx context.Context, tenantID string) (map[entities.Status]int, error)
}

// TenantStore persists per-tenant messaging credentials and the
// auto-reply toggle.
type TenantStore interface {
	SaveCredentials(ctx context.Context, tenantID, displayName, platform, secret, token string) error
	GetCredentials(ctx context.Context, tenantID string) (*entities.Credentials, error)
	GetTenant(ctx context.Context, tenantID string) (*entities.Tenant, error)
	ListTenants(ctx context.Context) ([]entities.Tenant, error)
	// AutoReplyEnabled is fail-open: unknown tenants default to true so
	// automation keeps working until an operator turns it off.
	AutoReplyEnabled(ctx context.Context, tenantID string) (bool, error)
	SetAutoReply(ctx context.Context, tenantID string, enabled bool) error
}

// ResponseGenerator produces a customer-facing reply for one inbound
// message, given the recent conversation window. Errors carry a
// GenerateError kind where the implementation can tell.
type ResponseGenerator interface {
	Generate(ctx context.Context, tenantID, customerID, text string, history []entities.Exchange) (entities.GeneratedReply, error)
}

// DeliveryGateway sends a text message to a customer using the owning
// tenant's credentials. Push never returns an error: transport
// failures are reported as false so callers can log and proceed.
type DeliveryGateway interface {
	Push(ctx context.Context, creds entities.Credentials, customerID, text string) bool
}

// GenerateErrorKind classifies generator failures for the task
// processor's retry decision.
type GenerateErrorKind int

const (
	// KindPermanent failures are not retried; the task ends in Error.
	KindPermanent GenerateErrorKind = iota
	// KindRetryable failures (rate limit, upstream overload) go through
	// the bounded backoff loop.
	KindRetryable
	// KindFatalConfig failures (missing model credentials) end the task
	// in FatalError without any customer-visible message.
	KindFatalConfig
)

// GenerateError is a classified generator failure.
type GenerateError struct {
	Kind  GenerateErrorKind
	Cause error
}

func (e *GenerateError) Error() string {
	if e.Cause == nil {
		return "generate failed"
	}
	return e.Cause.Error()
}

func (e *GenerateError) Unwrap() error { return e.Cause }

// ClassifyGenerateError returns the kind of a generator failure.
// Structured kinds win; for unclassified errors it falls back to the
// 429/500/503 substring heuristic, kept here at the boundary so the
// state machine never inspects error text itself.
func ClassifyGenerateError(err error) GenerateErrorKind {
	var ge *GenerateError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range []string{"429", "500", "503"} {
		if strings.Contains(msg, sig) {
			return KindRetryable
		}
	}
	return KindPermanent
}
