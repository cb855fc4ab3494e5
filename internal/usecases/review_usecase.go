package usecases

import (
	"context"
	"errors"
	"fmt"

	"saleschat/internal/entities"
	"saleschat/internal/interfaces"
)

// Review actions a human can take on a task awaiting approval.
const (
	ActionSend    = "send"
	ActionApprove = "approve"
	ActionReject  = "reject"
)

var (
	ErrUnknownAction = errors.New("unknown review action")
	ErrNotAwaiting   = errors.New("task is not awaiting approval")
)

// ReviewUsecase backs the human review surface: listing held tasks,
// conversation history, and the approve/reject flow.
type ReviewUsecase struct {
	ledger   interfaces.TaskLedger
	tenants  interfaces.TenantStore
	gateways *GatewayResolver
}

func NewReviewUsecase(ledger interfaces.TaskLedger, tenants interfaces.TenantStore, gateways *GatewayResolver) *ReviewUsecase {
	return &ReviewUsecase{ledger: ledger, tenants: tenants, gateways: gateways}
}

// ListThreads returns one task per customer: the customer's most
// recent, filtered to the given status.
func (uc *ReviewUsecase) ListThreads(ctx context.Context, tenantID string, status entities.Status) ([]entities.Task, error) {
	return uc.ledger.LatestTaskPerCustomer(ctx, tenantID, status)
}

// History returns the full ordered conversation for a customer.
func (uc *ReviewUsecase) History(ctx context.Context, tenantID, customerID string) ([]entities.Exchange, error) {
	// A large window: the review screen shows the whole thread.
	return uc.ledger.ConversationWindow(ctx, tenantID, customerID, 200)
}

// Stats returns the tenant's task counts per status.
func (uc *ReviewUsecase) Stats(ctx context.Context, tenantID string) (map[entities.Status]int, error) {
	return uc.ledger.CountByStatus(ctx, tenantID)
}

// SetStatus writes a status directly (administrative override).
func (uc *ReviewUsecase) SetStatus(ctx context.Context, taskID int64, status entities.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	return uc.ledger.SetStatus(ctx, taskID, status)
}

// ReviewAction resolves a held task. "send" and "approve" deliver the
// edited text and record it as the human response; "reject" closes the
// task without any delivery.
func (uc *ReviewUsecase) ReviewAction(ctx context.Context, taskID int64, action, editedText string) error {
	task, err := uc.ledger.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrTaskNotFound
	}
	// Review decisions only apply to held tasks; anything else is
	// repaired through the status endpoint.
	if task.Status != entities.StatusAwaitingApproval {
		return ErrNotAwaiting
	}

	switch action {
	case ActionReject:
		return uc.ledger.SetStatus(ctx, taskID, entities.StatusRejected)
	case ActionSend, ActionApprove:
		creds, err := uc.tenants.GetCredentials(ctx, task.TenantID)
		if err != nil {
			return err
		}
		if creds == nil {
			return fmt.Errorf("no credentials for tenant %s", task.TenantID)
		}
		tenant, err := uc.tenants.GetTenant(ctx, task.TenantID)
		if err != nil {
			return err
		}
		platform := entities.PlatformLine
		if tenant != nil {
			platform = tenant.Platform
		}
		if !uc.gateways.Resolve(platform).Push(ctx, *creds, task.CustomerID, editedText) {
			return fmt.Errorf("delivery to customer %s failed", task.CustomerID)
		}
		return uc.ledger.RecordHumanResponse(ctx, taskID, editedText)
	default:
		return ErrUnknownAction
	}
}
