package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"saleschat/internal/entities"
)

// TaskRepository is the pgx-backed task ledger.
type TaskRepository struct {
	db *pgxpool.Pool
}

func NewTaskRepository(db *pgxpool.Pool) *TaskRepository {
	return &TaskRepository{db: db}
}

const taskColumns = `task_id, tenant_id, customer_id, inbound_text, ack_token, status,
	COALESCE(ai_response, ''), COALESCE(data_access_trace, ''), COALESCE(human_response, ''),
	created_at, responded_at`

func scanTask(row pgx.Row) (entities.Task, error) {
	var t entities.Task
	err := row.Scan(&t.ID, &t.TenantID, &t.CustomerID, &t.InboundText, &t.AckToken, &t.Status,
		&t.AIResponse, &t.DataAccessTrace, &t.HumanResponse, &t.CreatedAt, &t.RespondedAt)
	return t, err
}

// CreateTask inserts a new Pending task. Duplicate content is
// legitimate (repeated greetings), so there is no uniqueness check.
func (r *TaskRepository) CreateTask(ctx context.Context, tenantID, customerID, ackToken, text string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO tasks (tenant_id, customer_id, inbound_text, ack_token, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING task_id
	`, tenantID, customerID, text, ackToken, entities.StatusPending).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

func (r *TaskRepository) GetTask(ctx context.Context, taskID int64) (*entities.Task, error) {
	t, err := scanTask(r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM tasks WHERE task_id = $1", taskColumns), taskID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTasks returns a tenant's tasks in the given status, newest first.
func (r *TaskRepository) GetTasks(ctx context.Context, tenantID string, status entities.Status) ([]entities.Task, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE tenant_id = $1 AND status = $2
		ORDER BY created_at DESC, task_id DESC
	`, taskColumns), tenantID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// LatestTaskPerCustomer returns, per distinct customer, that
// customer's most recent task, filtered to those whose most recent
// task is in the given status. Ties on created_at break on task_id
// descending.
func (r *TaskRepository) LatestTaskPerCustomer(ctx context.Context, tenantID string, status entities.Status) ([]entities.Task, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM (
			SELECT DISTINCT ON (customer_id) %s
			FROM tasks
			WHERE tenant_id = $1
			ORDER BY customer_id, created_at DESC, task_id DESC
		) latest
		WHERE status = $2
		ORDER BY created_at DESC, task_id DESC
	`, taskColumns, taskColumns), tenantID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// SetStatus writes the task status. Writing the same status twice is a
// no-op in effect.
func (r *TaskRepository) SetStatus(ctx context.Context, taskID int64, status entities.Status) error {
	_, err := r.db.Exec(ctx, "UPDATE tasks SET status = $1 WHERE task_id = $2", status, taskID)
	return err
}

// RecordAIResponse sets the generated response, its data-access trace,
// status and responded_at in one statement so no intermediate state is
// observable.
func (r *TaskRepository) RecordAIResponse(ctx context.Context, taskID int64, response, trace string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE tasks
		SET ai_response = $1, data_access_trace = $2, status = $3, responded_at = NOW()
		WHERE task_id = $4
	`, response, trace, entities.StatusResponded, taskID)
	return err
}

// RecordHumanResponse sets the reviewer-approved response with the
// same single-statement atomicity as RecordAIResponse.
func (r *TaskRepository) RecordHumanResponse(ctx context.Context, taskID int64, response string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE tasks
		SET human_response = $1, status = $2, responded_at = NOW()
		WHERE task_id = $3
	`, response, entities.StatusResponded, taskID)
	return err
}

// ConversationWindow returns the most recent `limit` exchanges for a
// (tenant, customer) pair, ascending by time. The reply of a pair is
// the delivered response; pairs still awaiting one have an empty
// reply. Rows are always filtered by tenant_id: customer ids are
// platform-scoped, not tenant-scoped.
func (r *TaskRepository) ConversationWindow(ctx context.Context, tenantID, customerID string, limit int) ([]entities.Exchange, error) {
	rows, err := r.db.Query(ctx, `
		SELECT inbound_text, COALESCE(ai_response, ''), COALESCE(human_response, ''), status
		FROM tasks
		WHERE tenant_id = $1 AND customer_id = $2
		ORDER BY created_at DESC, task_id DESC
		LIMIT $3
	`, tenantID, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var window []entities.Exchange
	for rows.Next() {
		var inbound, aiResp, humanResp string
		var status entities.Status
		if err := rows.Scan(&inbound, &aiResp, &humanResp, &status); err != nil {
			return nil, err
		}
		ex := entities.Exchange{Inbound: inbound}
		if status == entities.StatusResponded {
			ex.Reply = aiResp
			if humanResp != "" {
				ex.Reply = humanResp
			}
		}
		window = append(window, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first for the LIMIT; callers want ascending.
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	return window, nil
}

// CountByStatus returns the tenant's task counts per status.
func (r *TaskRepository) CountByStatus(ctx context.Context, tenantID string) (map[entities.Status]int, error) {
	rows, err := r.db.Query(ctx,
		"SELECT status, COUNT(*) FROM tasks WHERE tenant_id = $1 GROUP BY status", tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[entities.Status]int{}
	for rows.Next() {
		var status entities.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func collectTasks(rows pgx.Rows) ([]entities.Task, error) {
	tasks := []entities.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
