package usecases

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"saleschat/internal/entities"
	"saleschat/internal/interfaces"
)

// ErrTaskNotFound is returned when an operation names a task id that
// does not exist in the ledger.
var ErrTaskNotFound = errors.New("task not found")

const (
	maxAttempts   = 5
	baseWait      = 5 * time.Second
	historyWindow = 10

	// ApologyText is pushed to the customer when generation fails for
	// good. Sent best-effort: a failed apology is only logged.
	ApologyText = "ขออภัยค่ะ ระบบกำลังประมวลผลเยอะ รบกวนลองใหม่อีกครั้งค่ะ"
)

// GatewayResolver picks the delivery gateway for a tenant's platform.
type GatewayResolver struct {
	gateways map[string]interfaces.DeliveryGateway
	fallback interfaces.DeliveryGateway
}

func NewGatewayResolver(fallback interfaces.DeliveryGateway) *GatewayResolver {
	return &GatewayResolver{
		gateways: make(map[string]interfaces.DeliveryGateway),
		fallback: fallback,
	}
}

func (r *GatewayResolver) Register(platform string, gw interfaces.DeliveryGateway) {
	r.gateways[platform] = gw
}

func (r *GatewayResolver) Resolve(platform string) interfaces.DeliveryGateway {
	if gw, ok := r.gateways[platform]; ok {
		return gw
	}
	return r.fallback
}

// TaskProcessor drives a task from Pending to its terminal status:
// generation with bounded retry, auto-reply vs. review routing, and
// outbound delivery.
type TaskProcessor struct {
	ledger    interfaces.TaskLedger
	tenants   interfaces.TenantStore
	generator interfaces.ResponseGenerator
	gateways  *GatewayResolver

	// sleep is swapped out in tests.
	sleep func(time.Duration)

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTaskProcessor(ledger interfaces.TaskLedger, tenants interfaces.TenantStore, generator interfaces.ResponseGenerator, gateways *GatewayResolver) *TaskProcessor {
	return &TaskProcessor{
		ledger:    ledger,
		tenants:   tenants,
		generator: generator,
		gateways:  gateways,
		sleep:     time.Sleep,
		locks:     make(map[string]*sync.Mutex),
	}
}

// conversationLock serializes processing per (tenant, customer) so two
// messages from the same customer cannot interleave their
// conversation-window reads.
func (p *TaskProcessor) conversationLock(tenantID, customerID string) *sync.Mutex {
	key := tenantID + ":" + customerID
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	return l
}

// OnCustomerMessage records an inbound message as a Pending task and
// kicks off processing in the background. It is the inbound gateway's
// entry point and must succeed (or fail) independently of everything
// downstream.
func (p *TaskProcessor) OnCustomerMessage(ctx context.Context, tenantID, customerID, ackToken, text string) (int64, error) {
	taskID, err := p.ledger.CreateTask(ctx, tenantID, customerID, ackToken, text)
	if err != nil {
		return 0, err
	}
	go p.HandleNewTask(context.WithoutCancel(ctx), tenantID, customerID, text, taskID)
	return taskID, nil
}

// backoffWait returns the sleep before the next attempt:
// base × 2^attempt + attempt×2s, i.e. ~5s, 12s, 26s, 56s.
func backoffWait(attempt int) time.Duration {
	return baseWait*(1<<attempt) + time.Duration(attempt)*2*time.Second
}

// HandleNewTask runs the full state machine for one task. It never
// returns an error: every failure is absorbed into a task status so
// the webhook path stays intact.
func (p *TaskProcessor) HandleNewTask(ctx context.Context, tenantID, customerID, text string, taskID int64) {
	lock := p.conversationLock(tenantID, customerID)
	lock.Lock()
	defer lock.Unlock()

	logger := log.With().Int64("task_id", taskID).Str("tenant_id", tenantID).Str("customer_id", customerID).Logger()

	// Reload under the lock: the sweep and the webhook path can both
	// queue the same task, and whoever ran first already resolved it.
	task, err := p.ledger.GetTask(ctx, taskID)
	if err != nil {
		logger.Error().Err(err).Msg("task reload failed")
		return
	}
	if task == nil || task.Status != entities.StatusPending {
		logger.Debug().Msg("task no longer pending, skipping")
		return
	}

	autoReply, err := p.tenants.AutoReplyEnabled(ctx, tenantID)
	if err != nil {
		logger.Error().Err(err).Msg("auto-reply lookup failed")
		p.setStatus(ctx, taskID, entities.StatusError)
		return
	}

	history, err := p.ledger.ConversationWindow(ctx, tenantID, customerID, historyWindow)
	if err != nil {
		logger.Error().Err(err).Msg("conversation window load failed")
		p.setStatus(ctx, taskID, entities.StatusError)
		return
	}
	// The task being processed is already in the ledger; keep its own
	// utterance out of the history it is generated against.
	if n := len(history); n > 0 && history[n-1].Reply == "" && history[n-1].Inbound == text {
		history = history[:n-1]
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := p.generator.Generate(ctx, tenantID, customerID, text, history)
		if err == nil {
			p.finishTask(ctx, logger, tenantID, customerID, taskID, result, autoReply)
			return
		}

		switch interfaces.ClassifyGenerateError(err) {
		case interfaces.KindFatalConfig:
			// Misconfiguration: nothing a retry can fix, and no message
			// goes to the customer.
			logger.Error().Err(err).Msg("generator configuration failure")
			p.setStatus(ctx, taskID, entities.StatusFatalError)
			return
		case interfaces.KindRetryable:
			if attempt < maxAttempts-1 {
				wait := backoffWait(attempt)
				logger.Warn().Err(err).Int("attempt", attempt+1).Dur("wait", wait).Msg("retryable generation failure")
				p.sleep(wait)
				continue
			}
		}

		// Retries exhausted or a non-retryable failure.
		logger.Error().Err(err).Int("attempt", attempt+1).Msg("generation failed for good")
		p.setStatus(ctx, taskID, entities.StatusError)
		p.pushApology(ctx, tenantID, customerID)
		return
	}
}

// finishTask persists a successful generation and routes it to either
// immediate delivery or human review.
func (p *TaskProcessor) finishTask(ctx context.Context, logger zerolog.Logger, tenantID, customerID string, taskID int64, result entities.GeneratedReply, autoReply bool) {
	if err := p.ledger.RecordAIResponse(ctx, taskID, result.Reply, result.Trace); err != nil {
		logger.Error().Err(err).Msg("recording AI response failed")
		p.setStatus(ctx, taskID, entities.StatusError)
		return
	}

	if !autoReply {
		// A response exists, but a human edits/approves before anything
		// reaches the customer.
		p.setStatus(ctx, taskID, entities.StatusAwaitingApproval)
		logger.Info().Msg("response held for review")
		return
	}

	creds, tenant, err := p.resolveDelivery(ctx, tenantID)
	if err != nil || creds == nil {
		logger.Error().Err(err).Msg("credentials not found, cannot deliver")
		p.setStatus(ctx, taskID, entities.StatusError)
		return
	}

	gw := p.gateways.Resolve(tenant.Platform)
	if !gw.Push(ctx, *creds, customerID, result.Reply) {
		// The response was computed and stored; a delivery hiccup does
		// not demote the task. Not retried in this path.
		logger.Warn().Msg("delivery failed, task stays Responded")
		return
	}
	logger.Info().Msg("response delivered")
}

// resolveDelivery loads the tenant's credentials and platform.
func (p *TaskProcessor) resolveDelivery(ctx context.Context, tenantID string) (*entities.Credentials, *entities.Tenant, error) {
	creds, err := p.tenants.GetCredentials(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	tenant, err := p.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	if tenant == nil {
		tenant = &entities.Tenant{ID: tenantID, Platform: entities.PlatformLine}
	}
	return creds, tenant, nil
}

// pushApology tells the customer the system is busy. Best effort: the
// task is already in Error and nothing here changes that.
func (p *TaskProcessor) pushApology(ctx context.Context, tenantID, customerID string) {
	creds, tenant, err := p.resolveDelivery(ctx, tenantID)
	if err != nil || creds == nil {
		log.Warn().Str("tenant_id", tenantID).Msg("no credentials for apology push")
		return
	}
	p.gateways.Resolve(tenant.Platform).Push(ctx, *creds, customerID, ApologyText)
}

func (p *TaskProcessor) setStatus(ctx context.Context, taskID int64, status entities.Status) {
	if err := p.ledger.SetStatus(ctx, taskID, status); err != nil {
		log.Error().Err(err).Int64("task_id", taskID).Str("status", string(status)).Msg("status update failed")
	}
}

// ErrTaskNotRetryable is returned when Reprocess is asked to rerun a
// task that is not in Error.
var ErrTaskNotRetryable = errors.New("task is not in Error")

// Reprocess is the external re-trigger for tasks stuck in Error: it
// resets the task to Pending and runs the state machine again. Only
// Error tasks qualify; anything else already has an outcome.
func (p *TaskProcessor) Reprocess(ctx context.Context, taskID int64) error {
	task, err := p.ledger.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrTaskNotFound
	}
	if task.Status != entities.StatusError {
		return ErrTaskNotRetryable
	}
	if err := p.ledger.SetStatus(ctx, taskID, entities.StatusPending); err != nil {
		return err
	}
	go p.HandleNewTask(context.WithoutCancel(ctx), task.TenantID, task.CustomerID, task.InboundText, task.ID)
	return nil
}

// RunPendingSweep polls every tenant's Pending tasks at the given
// interval, the batch alternative to webhook-triggered processing.
// Blocks until ctx is done.
func (p *TaskProcessor) RunPendingSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepOnce(ctx)
		}
	}
}

func (p *TaskProcessor) sweepOnce(ctx context.Context) {
	tenants, err := p.tenants.ListTenants(ctx)
	if err != nil {
		log.Error().Err(err).Msg("sweep: tenant listing failed")
		return
	}
	for _, tenant := range tenants {
		tasks, err := p.ledger.GetTasks(ctx, tenant.ID, entities.StatusPending)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("sweep: pending task listing failed")
			continue
		}
		for _, task := range tasks {
			p.HandleNewTask(ctx, task.TenantID, task.CustomerID, task.InboundText, task.ID)
		}
	}
}
