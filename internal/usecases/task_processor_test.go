package usecases

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saleschat/internal/entities"
	"saleschat/internal/interfaces"
)

// ---- in-memory fakes -------------------------------------------------

type fakeLedger struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*entities.Task
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{tasks: make(map[int64]*entities.Task)}
}

func (l *fakeLedger) CreateTask(_ context.Context, tenantID, customerID, ackToken, text string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.tasks[l.nextID] = &entities.Task{
		ID:          l.nextID,
		TenantID:    tenantID,
		CustomerID:  customerID,
		AckToken:    ackToken,
		InboundText: text,
		Status:      entities.StatusPending,
		CreatedAt:   time.Now(),
	}
	return l.nextID, nil
}

func (l *fakeLedger) GetTask(_ context.Context, taskID int64) (*entities.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (l *fakeLedger) GetTasks(_ context.Context, tenantID string, status entities.Status) ([]entities.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []entities.Task
	for _, t := range l.tasks {
		if t.TenantID == tenantID && t.Status == status {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (l *fakeLedger) LatestTaskPerCustomer(_ context.Context, tenantID string, status entities.Status) ([]entities.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	latest := map[string]*entities.Task{}
	for _, t := range l.tasks {
		if t.TenantID != tenantID {
			continue
		}
		if cur, ok := latest[t.CustomerID]; !ok || t.ID > cur.ID {
			latest[t.CustomerID] = t
		}
	}
	var out []entities.Task
	for _, t := range latest {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (l *fakeLedger) SetStatus(_ context.Context, taskID int64, status entities.Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[taskID]
	if !ok {
		return errors.New("no such task")
	}
	t.Status = status
	return nil
}

func (l *fakeLedger) RecordAIResponse(_ context.Context, taskID int64, response, trace string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[taskID]
	if !ok {
		return errors.New("no such task")
	}
	now := time.Now()
	t.AIResponse = response
	t.DataAccessTrace = trace
	t.Status = entities.StatusResponded
	t.RespondedAt = &now
	return nil
}

func (l *fakeLedger) RecordHumanResponse(_ context.Context, taskID int64, response string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[taskID]
	if !ok {
		return errors.New("no such task")
	}
	now := time.Now()
	t.HumanResponse = response
	t.Status = entities.StatusResponded
	t.RespondedAt = &now
	return nil
}

func (l *fakeLedger) ConversationWindow(_ context.Context, tenantID, customerID string, limit int) ([]entities.Exchange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var window []entities.Exchange
	for id := int64(1); id <= l.nextID; id++ {
		t, ok := l.tasks[id]
		if !ok || t.TenantID != tenantID || t.CustomerID != customerID {
			continue
		}
		ex := entities.Exchange{Inbound: t.InboundText}
		if t.Status == entities.StatusResponded {
			ex.Reply = t.DeliveredResponse()
		}
		window = append(window, ex)
	}
	if len(window) > limit {
		window = window[len(window)-limit:]
	}
	return window, nil
}

func (l *fakeLedger) CountByStatus(_ context.Context, tenantID string) (map[entities.Status]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := map[entities.Status]int{}
	for _, t := range l.tasks {
		if t.TenantID == tenantID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

func (l *fakeLedger) status(t *testing.T, taskID int64) entities.Status {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	task, ok := l.tasks[taskID]
	require.True(t, ok)
	return task.Status
}

type fakeTenants struct {
	mu        sync.Mutex
	autoReply map[string]bool
	creds     map[string]entities.Credentials
	platforms map[string]string
}

func newFakeTenants() *fakeTenants {
	return &fakeTenants{
		autoReply: map[string]bool{},
		creds:     map[string]entities.Credentials{},
		platforms: map[string]string{},
	}
}

func (s *fakeTenants) SaveCredentials(_ context.Context, tenantID, _, platform, secret, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[tenantID] = entities.Credentials{Secret: secret, Token: token}
	s.platforms[tenantID] = platform
	return nil
}

func (s *fakeTenants) GetCredentials(_ context.Context, tenantID string) (*entities.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[tenantID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *fakeTenants) GetTenant(_ context.Context, tenantID string) (*entities.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[tenantID]; !ok {
		return nil, nil
	}
	platform := s.platforms[tenantID]
	if platform == "" {
		platform = entities.PlatformLine
	}
	enabled, ok := s.autoReply[tenantID]
	if !ok {
		enabled = true
	}
	return &entities.Tenant{ID: tenantID, DisplayName: "ร้าน " + tenantID, Platform: platform, AutoReplyEnabled: enabled}, nil
}

func (s *fakeTenants) ListTenants(_ context.Context) ([]entities.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entities.Tenant
	for id := range s.creds {
		out = append(out, entities.Tenant{ID: id})
	}
	return out, nil
}

func (s *fakeTenants) AutoReplyEnabled(_ context.Context, tenantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enabled, ok := s.autoReply[tenantID]
	if !ok {
		return true, nil // fail-open default
	}
	return enabled, nil
}

func (s *fakeTenants) SetAutoReply(_ context.Context, tenantID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoReply[tenantID] = enabled
	return nil
}

// scriptedGenerator replays a fixed sequence of outcomes.
type scriptedGenerator struct {
	mu        sync.Mutex
	outcomes  []error // nil means success
	reply     entities.GeneratedReply
	calls     int
	histories [][]entities.Exchange
}

func (g *scriptedGenerator) Generate(_ context.Context, _, _, _ string, history []entities.Exchange) (entities.GeneratedReply, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := g.calls
	g.calls++
	g.histories = append(g.histories, history)
	if idx < len(g.outcomes) && g.outcomes[idx] != nil {
		return entities.GeneratedReply{}, g.outcomes[idx]
	}
	return g.reply, nil
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type pushRecord struct {
	customerID string
	text       string
}

type fakeGateway struct {
	mu     sync.Mutex
	ok     bool
	pushes []pushRecord
}

func (g *fakeGateway) Push(_ context.Context, _ entities.Credentials, customerID, text string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, pushRecord{customerID: customerID, text: text})
	return g.ok
}

func (g *fakeGateway) pushCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pushes)
}

// ---- harness ---------------------------------------------------------

type harness struct {
	ledger    *fakeLedger
	tenants   *fakeTenants
	generator *scriptedGenerator
	gateway   *fakeGateway
	processor *TaskProcessor
	slept     *[]time.Duration
}

func newHarness(t *testing.T, gen *scriptedGenerator) *harness {
	t.Helper()
	ledger := newFakeLedger()
	tenants := newFakeTenants()
	require.NoError(t, tenants.SaveCredentials(context.Background(), "shopA", "", entities.PlatformLine, "secret", "token"))

	gateway := &fakeGateway{ok: true}
	resolver := NewGatewayResolver(gateway)

	p := NewTaskProcessor(ledger, tenants, gen, resolver)
	slept := &[]time.Duration{}
	p.sleep = func(d time.Duration) { *slept = append(*slept, d) }

	return &harness{ledger: ledger, tenants: tenants, generator: gen, gateway: gateway, processor: p, slept: slept}
}

func (h *harness) newTask(t *testing.T, text string) int64 {
	t.Helper()
	id, err := h.ledger.CreateTask(context.Background(), "shopA", "U1234", "reply-token", text)
	require.NoError(t, err)
	return id
}

func retryable(code string) error { return errors.New("generate: upstream returned " + code) }

// ---- tests -----------------------------------------------------------

func TestHandleNewTaskSuccessAutoReply(t *testing.T) {
	gen := &scriptedGenerator{reply: entities.GeneratedReply{Reply: "มีค่ะ", Trace: "SELECT menu_name FROM menu"}}
	h := newHarness(t, gen)
	id := h.newTask(t, "มีเมนูอะไรบ้าง")

	h.processor.HandleNewTask(context.Background(), "shopA", "U1234", "มีเมนูอะไรบ้าง", id)

	assert.Equal(t, 1, gen.callCount())
	assert.Equal(t, entities.StatusResponded, h.ledger.status(t, id))

	task, err := h.ledger.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "มีค่ะ", task.AIResponse)
	assert.Equal(t, "SELECT menu_name FROM menu", task.DataAccessTrace)
	assert.NotNil(t, task.RespondedAt)

	require.Equal(t, 1, h.gateway.pushCount())
	assert.Equal(t, "มีค่ะ", h.gateway.pushes[0].text)
	assert.Equal(t, "U1234", h.gateway.pushes[0].customerID)
	assert.Empty(t, *h.slept)
}

func TestHandleNewTaskRetryThenSuccess(t *testing.T) {
	gen := &scriptedGenerator{
		outcomes: []error{retryable("503"), retryable("503"), nil},
		reply:    entities.GeneratedReply{Reply: "สวัสดีค่ะ"},
	}
	h := newHarness(t, gen)
	id := h.newTask(t, "สวัสดี")

	h.processor.HandleNewTask(context.Background(), "shopA", "U1234", "สวัสดี", id)

	assert.Equal(t, 3, gen.callCount())
	assert.Equal(t, []time.Duration{5 * time.Second, 12 * time.Second}, *h.slept)
	assert.Equal(t, entities.StatusResponded, h.ledger.status(t, id))
	assert.Equal(t, 1, h.gateway.pushCount())
}

func TestHandleNewTaskRetriesExhausted(t *testing.T) {
	gen := &scriptedGenerator{
		outcomes: []error{retryable("503"), retryable("503"), retryable("503"), retryable("503"), retryable("503")},
	}
	h := newHarness(t, gen)
	id := h.newTask(t, "สวัสดี")

	h.processor.HandleNewTask(context.Background(), "shopA", "U1234", "สวัสดี", id)

	assert.Equal(t, 5, gen.callCount())
	assert.Equal(t, []time.Duration{5 * time.Second, 12 * time.Second, 26 * time.Second, 56 * time.Second}, *h.slept)
	assert.Equal(t, entities.StatusError, h.ledger.status(t, id))

	// Exactly one apology push, nothing else.
	require.Equal(t, 1, h.gateway.pushCount())
	assert.Equal(t, ApologyText, h.gateway.pushes[0].text)
}

func TestHandleNewTaskFatalConfig(t *testing.T) {
	gen := &scriptedGenerator{
		outcomes: []error{&interfaces.GenerateError{Kind: interfaces.KindFatalConfig, Cause: errors.New("missing API key")}},
	}
	h := newHarness(t, gen)
	id := h.newTask(t, "สวัสดี")

	h.processor.HandleNewTask(context.Background(), "shopA", "U1234", "สวัสดี", id)

	assert.Equal(t, 1, gen.callCount())
	assert.Equal(t, entities.StatusFatalError, h.ledger.status(t, id))
	// Silent failure: no customer-visible message at all.
	assert.Equal(t, 0, h.gateway.pushCount())
	assert.Empty(t, *h.slept)
}

func TestHandleNewTaskNonRetryableError(t *testing.T) {
	gen := &scriptedGenerator{outcomes: []error{errors.New("malformed tool response")}}
	h := newHarness(t, gen)
	id := h.newTask(t, "สวัสดี")

	h.processor.HandleNewTask(context.Background(), "shopA", "U1234", "สวัสดี", id)

	assert.Equal(t, 1, gen.callCount())
	assert.Empty(t, *h.slept)
	assert.Equal(t, entities.StatusError, h.ledger.status(t, id))
	require.Equal(t, 1, h.gateway.pushCount())
	assert.Equal(t, ApologyText, h.gateway.pushes[0].text)
}

func TestHandleNewTaskHeldForReview(t *testing.T) {
	gen := &scriptedGenerator{reply: entities.GeneratedReply{Reply: "ราคา 50 บาทค่ะ"}}
	h := newHarness(t, gen)
	require.NoError(t, h.tenants.SetAutoReply(context.Background(), "shopA", false))
	id := h.newTask(t, "กะเพราไก่ราคาเท่าไหร่")

	h.processor.HandleNewTask(context.Background(), "shopA", "U1234", "กะเพราไก่ราคาเท่าไหร่", id)

	assert.Equal(t, entities.StatusAwaitingApproval, h.ledger.status(t, id))
	task, err := h.ledger.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "ราคา 50 บาทค่ะ", task.AIResponse)
	assert.Empty(t, task.HumanResponse)
	// Nothing reaches the customer until a human approves.
	assert.Equal(t, 0, h.gateway.pushCount())
}

func TestHandleNewTaskDeliveryFailureStaysResponded(t *testing.T) {
	gen := &scriptedGenerator{reply: entities.GeneratedReply{Reply: "สวัสดีค่ะ"}}
	h := newHarness(t, gen)
	h.gateway.ok = false
	id := h.newTask(t, "สวัสดี")

	h.processor.HandleNewTask(context.Background(), "shopA", "U1234", "สวัสดี", id)

	// Response was computed and stored; a delivery hiccup does not
	// demote the task and is not retried.
	assert.Equal(t, entities.StatusResponded, h.ledger.status(t, id))
	assert.Equal(t, 1, h.gateway.pushCount())
}

func TestHandleNewTaskMissingCredentials(t *testing.T) {
	gen := &scriptedGenerator{reply: entities.GeneratedReply{Reply: "สวัสดีค่ะ"}}
	h := newHarness(t, gen)
	id, err := h.ledger.CreateTask(context.Background(), "ghost-shop", "U1234", "tok", "สวัสดี")
	require.NoError(t, err)

	h.processor.HandleNewTask(context.Background(), "ghost-shop", "U1234", "สวัสดี", id)

	assert.Equal(t, entities.StatusError, h.ledger.status(t, id))
	assert.Equal(t, 0, h.gateway.pushCount())
}

func TestHandleNewTaskExcludesOwnUtteranceFromHistory(t *testing.T) {
	gen := &scriptedGenerator{reply: entities.GeneratedReply{Reply: "ตอบแล้วค่ะ"}}
	h := newHarness(t, gen)

	// A previous, answered exchange.
	prev := h.newTask(t, "มีโปรโมชั่นไหม")
	require.NoError(t, h.ledger.RecordAIResponse(context.Background(), prev, "มีค่ะ", ""))

	id := h.newTask(t, "ขอสั่งข้าวผัดกะเพราไก่ 1 จาน")
	h.processor.HandleNewTask(context.Background(), "shopA", "U1234", "ขอสั่งข้าวผัดกะเพราไก่ 1 จาน", id)

	require.Len(t, gen.histories, 1)
	history := gen.histories[0]
	require.Len(t, history, 1)
	assert.Equal(t, "มีโปรโมชั่นไหม", history[0].Inbound)
	assert.Equal(t, "มีค่ะ", history[0].Reply)
}

func TestHandleNewTaskRunsResolvedTaskOnlyOnce(t *testing.T) {
	gen := &scriptedGenerator{reply: entities.GeneratedReply{Reply: "สวัสดีค่ะ"}}
	h := newHarness(t, gen)
	id := h.newTask(t, "สวัสดี")

	// The webhook path and the pending sweep can both queue the same
	// task; the second run must notice it is already resolved.
	h.processor.HandleNewTask(context.Background(), "shopA", "U1234", "สวัสดี", id)
	h.processor.HandleNewTask(context.Background(), "shopA", "U1234", "สวัสดี", id)

	assert.Equal(t, 1, gen.callCount())
	assert.Equal(t, 1, h.gateway.pushCount())
	assert.Equal(t, entities.StatusResponded, h.ledger.status(t, id))
}

func TestHandleNewTaskSkipsNonPendingTask(t *testing.T) {
	gen := &scriptedGenerator{reply: entities.GeneratedReply{Reply: "สวัสดีค่ะ"}}
	h := newHarness(t, gen)
	id := h.newTask(t, "สวัสดี")
	require.NoError(t, h.ledger.SetStatus(context.Background(), id, entities.StatusAwaitingApproval))

	h.processor.HandleNewTask(context.Background(), "shopA", "U1234", "สวัสดี", id)

	assert.Equal(t, 0, gen.callCount())
	assert.Equal(t, 0, h.gateway.pushCount())
	assert.Equal(t, entities.StatusAwaitingApproval, h.ledger.status(t, id))
}

func TestHandleNewTaskHistoryIsTenantScoped(t *testing.T) {
	gen := &scriptedGenerator{reply: entities.GeneratedReply{Reply: "ตอบค่ะ"}}
	h := newHarness(t, gen)
	ctx := context.Background()
	require.NoError(t, h.tenants.SaveCredentials(ctx, "shopB", "", entities.PlatformLine, "secretB", "tokenB"))

	// Same customer id talking to another store.
	otherID, err := h.ledger.CreateTask(ctx, "shopB", "U1234", "", "ร้าน B มีอะไรบ้าง")
	require.NoError(t, err)
	require.NoError(t, h.ledger.RecordAIResponse(ctx, otherID, "ของร้าน B ค่ะ", ""))

	prev := h.newTask(t, "มีโปรโมชั่นไหม")
	require.NoError(t, h.ledger.RecordAIResponse(ctx, prev, "มีค่ะ", ""))

	id := h.newTask(t, "ขอเมนูหน่อย")
	h.processor.HandleNewTask(ctx, "shopA", "U1234", "ขอเมนูหน่อย", id)

	require.Len(t, gen.histories, 1)
	for _, ex := range gen.histories[0] {
		assert.NotEqual(t, "ร้าน B มีอะไรบ้าง", ex.Inbound)
		assert.NotEqual(t, "ของร้าน B ค่ะ", ex.Reply)
	}
	require.Len(t, gen.histories[0], 1)
	assert.Equal(t, "มีโปรโมชั่นไหม", gen.histories[0][0].Inbound)
}

func TestBackoffWait(t *testing.T) {
	assert.Equal(t, 5*time.Second, backoffWait(0))
	assert.Equal(t, 12*time.Second, backoffWait(1))
	assert.Equal(t, 26*time.Second, backoffWait(2))
	assert.Equal(t, 56*time.Second, backoffWait(3))
}

func TestOnCustomerMessageProcessesAsync(t *testing.T) {
	gen := &scriptedGenerator{reply: entities.GeneratedReply{Reply: "สวัสดีค่ะ"}}
	h := newHarness(t, gen)

	id, err := h.processor.OnCustomerMessage(context.Background(), "shopA", "U1234", "reply-token", "สวัสดี")
	require.NoError(t, err)
	require.NotZero(t, id)

	require.Eventually(t, func() bool {
		return h.ledger.status(t, id) == entities.StatusResponded
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReprocessErrorTask(t *testing.T) {
	gen := &scriptedGenerator{reply: entities.GeneratedReply{Reply: "สำเร็จค่ะ"}}
	h := newHarness(t, gen)
	id := h.newTask(t, "สวัสดี")
	require.NoError(t, h.ledger.SetStatus(context.Background(), id, entities.StatusError))

	require.NoError(t, h.processor.Reprocess(context.Background(), id))

	require.Eventually(t, func() bool {
		return h.ledger.status(t, id) == entities.StatusResponded
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReprocessRefusesResolvedTask(t *testing.T) {
	gen := &scriptedGenerator{reply: entities.GeneratedReply{Reply: "สวัสดีค่ะ"}}
	h := newHarness(t, gen)
	id := h.newTask(t, "สวัสดี")
	require.NoError(t, h.ledger.RecordAIResponse(context.Background(), id, "สวัสดีค่ะ", ""))

	err := h.processor.Reprocess(context.Background(), id)
	assert.ErrorIs(t, err, ErrTaskNotRetryable)
	assert.Equal(t, 0, gen.callCount())
	assert.Equal(t, entities.StatusResponded, h.ledger.status(t, id))
}

func TestReprocessUnknownTask(t *testing.T) {
	h := newHarness(t, &scriptedGenerator{})
	err := h.processor.Reprocess(context.Background(), 404)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
