package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"saleschat/internal/entities"
)

// TenantRepository is the pgx-backed tenant store.
type TenantRepository struct {
	db *pgxpool.Pool
}

func NewTenantRepository(db *pgxpool.Pool) *TenantRepository {
	return &TenantRepository{db: db}
}

// SaveCredentials upserts a tenant's messaging credentials. A new
// tenant row starts with auto-reply enabled.
func (r *TenantRepository) SaveCredentials(ctx context.Context, tenantID, displayName, platform, secret, token string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO tenants (tenant_id, display_name, platform, channel_secret, channel_access_token)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			platform = EXCLUDED.platform,
			channel_secret = EXCLUDED.channel_secret,
			channel_access_token = EXCLUDED.channel_access_token
	`, tenantID, displayName, platform, secret, token)
	return err
}

func (r *TenantRepository) GetCredentials(ctx context.Context, tenantID string) (*entities.Credentials, error) {
	var c entities.Credentials
	err := r.db.QueryRow(ctx,
		"SELECT channel_secret, channel_access_token FROM tenants WHERE tenant_id = $1",
		tenantID).Scan(&c.Secret, &c.Token)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *TenantRepository) GetTenant(ctx context.Context, tenantID string) (*entities.Tenant, error) {
	var t entities.Tenant
	err := r.db.QueryRow(ctx, `
		SELECT tenant_id, display_name, platform, auto_reply_enabled, created_at
		FROM tenants WHERE tenant_id = $1
	`, tenantID).Scan(&t.ID, &t.DisplayName, &t.Platform, &t.AutoReplyEnabled, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TenantRepository) ListTenants(ctx context.Context) ([]entities.Tenant, error) {
	rows, err := r.db.Query(ctx, `
		SELECT tenant_id, display_name, platform, auto_reply_enabled, created_at
		FROM tenants ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tenants := []entities.Tenant{}
	for rows.Next() {
		var t entities.Tenant
		if err := rows.Scan(&t.ID, &t.DisplayName, &t.Platform, &t.AutoReplyEnabled, &t.CreatedAt); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// AutoReplyEnabled resolves the tenant's auto-reply toggle. Unknown
// tenants default to enabled: a missing row must not silence the bot,
// and a reviewer can always intervene once the tenant is registered.
func (r *TenantRepository) AutoReplyEnabled(ctx context.Context, tenantID string) (bool, error) {
	var enabled bool
	err := r.db.QueryRow(ctx,
		"SELECT auto_reply_enabled FROM tenants WHERE tenant_id = $1", tenantID).Scan(&enabled)
	if err == pgx.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	return enabled, nil
}

func (r *TenantRepository) SetAutoReply(ctx context.Context, tenantID string, enabled bool) error {
	_, err := r.db.Exec(ctx,
		"UPDATE tenants SET auto_reply_enabled = $1 WHERE tenant_id = $2", enabled, tenantID)
	return err
}
