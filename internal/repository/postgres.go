package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/xero-connect/internal/domain"
)

// Compile-time interface assertions.
var (
	_ GrantStore   = (*PostgresGrantStore)(nil)
	_ BindingStore = (*PostgresBindingStore)(nil)
	_ GrantTx      = (*pgGrantTx)(nil)
)

const grantColumns = `id, org_id, provider, access_token, refresh_token, refresh_token_issued_at, expires_at, status, created_at, updated_at, last_used_at`

// PostgresGrantStore implements GrantStore on pgx.
type PostgresGrantStore struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresGrantStore(pool *pgxpool.Pool, node *snowflake.Node) *PostgresGrantStore {
	return &PostgresGrantStore{db: pool, node: node}
}

func (s *PostgresGrantStore) GetGrant(ctx context.Context, grantID int64) (domain.Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM xero_grants WHERE id = $1`
	grant, err := scanGrant(s.db.QueryRow(ctx, query, grantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Grant{}, domain.ErrGrantNotFound
		}
		return domain.Grant{}, fmt.Errorf("get grant: %w", err)
	}
	return grant, nil
}

const insertGrantSQL = `INSERT INTO xero_grants (id, org_id, provider, access_token, refresh_token, refresh_token_issued_at, expires_at, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + grantColumns

func (s *PostgresGrantStore) CreateGrant(ctx context.Context, grant domain.Grant) (domain.Grant, error) {
	if grant.ID == 0 {
		grant.ID = s.node.Generate().Int64()
	}
	if grant.Status == "" {
		grant.Status = domain.GrantStatusActive
	}
	row := s.db.QueryRow(ctx, insertGrantSQL,
		grant.ID,
		grant.OrgID,
		grant.Provider,
		grant.AccessTokenCipher,
		grant.RefreshTokenCipher,
		grant.RefreshTokenIssuedAt,
		grant.ExpiresAt,
		grant.Status,
	)
	inserted, err := scanGrant(row)
	if err != nil {
		return domain.Grant{}, fmt.Errorf("create grant: %w", err)
	}
	return inserted, nil
}

func (s *PostgresGrantStore) TouchGrantUsage(ctx context.Context, grantID int64) error {
	if _, err := s.db.Exec(ctx, `UPDATE xero_grants SET last_used_at = now() WHERE id = $1`, grantID); err != nil {
		return fmt.Errorf("touch grant: %w", err)
	}
	return nil
}

// WithGrantLock opens a transaction, locks the grant row with
// SELECT ... FOR UPDATE, and runs fn against the locked snapshot. The
// commit makes the competing writer's state visible before fn re-checks
// expiry, which is what makes cross-process single-flight correct.
func (s *PostgresGrantStore) WithGrantLock(ctx context.Context, grantID int64, fn func(ctx context.Context, grant domain.Grant, tx GrantTx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin refresh tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `SELECT ` + grantColumns + ` FROM xero_grants WHERE id = $1 FOR UPDATE`
	grant, err := scanGrant(tx.QueryRow(ctx, query, grantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrGrantNotFound
		}
		return fmt.Errorf("lock grant: %w", err)
	}

	if err := fn(ctx, grant, &pgGrantTx{tx: tx}); err != nil {
		// fn decides the writes; a permanent-failure write still
		// needs this commit even though fn reports the error.
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return commitFailure(commitErr, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit refresh tx: %w", err)
	}
	return nil
}

// commitFailure wraps both errors so the refresh classification still
// surfaces through errors.As when the commit itself fails.
func commitFailure(commitErr, fnErr error) error {
	return fmt.Errorf("commit refresh tx: %w (refresh error: %w)", commitErr, fnErr)
}

type pgGrantTx struct {
	tx pgx.Tx
}

const updateTokensSQL = `UPDATE xero_grants
SET access_token = $2, refresh_token = $3, expires_at = $4, refresh_token_issued_at = $5, status = 'active', updated_at = now()
WHERE id = $1
RETURNING ` + grantColumns

func (t *pgGrantTx) UpdateTokens(ctx context.Context, grantID int64, update TokenUpdate) (domain.Grant, error) {
	row := t.tx.QueryRow(ctx, updateTokensSQL,
		grantID,
		update.AccessTokenCipher,
		update.RefreshTokenCipher,
		update.ExpiresAt,
		update.RefreshTokenIssuedAt,
	)
	grant, err := scanGrant(row)
	if err != nil {
		return domain.Grant{}, fmt.Errorf("update grant tokens: %w", err)
	}
	return grant, nil
}

func (t *pgGrantTx) MarkRefreshFailed(ctx context.Context, grantID int64) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE xero_grants SET status = 'refresh_failed', updated_at = now() WHERE id = $1`, grantID); err != nil {
		return fmt.Errorf("mark grant refresh_failed: %w", err)
	}
	if _, err := t.tx.Exec(ctx,
		`UPDATE xero_tenant_bindings SET status = 'needs_reauth', updated_at = now() WHERE active_grant_id = $1`, grantID); err != nil {
		return fmt.Errorf("mark bindings needs_reauth: %w", err)
	}
	return nil
}

// PostgresBindingStore implements BindingStore on pgx.
type PostgresBindingStore struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresBindingStore(pool *pgxpool.Pool, node *snowflake.Node) *PostgresBindingStore {
	return &PostgresBindingStore{db: pool, node: node}
}

const bindingColumns = `id, org_id, provider, tenant_id, tenant_name, active_grant_id, status, created_at, updated_at`

func (s *PostgresBindingStore) GetBinding(ctx context.Context, orgID, bindingID int64) (domain.TenantBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM xero_tenant_bindings WHERE id = $1 AND org_id = $2`
	binding, err := scanBinding(s.db.QueryRow(ctx, query, bindingID, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TenantBinding{}, domain.ErrBindingNotFound
		}
		return domain.TenantBinding{}, fmt.Errorf("get binding: %w", err)
	}
	return binding, nil
}

func (s *PostgresBindingStore) ListBindings(ctx context.Context, orgID int64) ([]domain.TenantBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM xero_tenant_bindings WHERE org_id = $1 ORDER BY created_at`
	return s.list(ctx, query, orgID)
}

func (s *PostgresBindingStore) ListActiveBindings(ctx context.Context, orgID int64) ([]domain.TenantBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM xero_tenant_bindings WHERE org_id = $1 AND status = 'active' ORDER BY created_at`
	return s.list(ctx, query, orgID)
}

func (s *PostgresBindingStore) list(ctx context.Context, query string, orgID int64) ([]domain.TenantBinding, error) {
	rows, err := s.db.Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var bindings []domain.TenantBinding
	for rows.Next() {
		binding, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		bindings = append(bindings, binding)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	return bindings, nil
}

const insertBindingSQL = `INSERT INTO xero_tenant_bindings (id, org_id, provider, tenant_id, tenant_name, active_grant_id, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (provider, tenant_id) DO UPDATE
SET tenant_name = EXCLUDED.tenant_name, active_grant_id = EXCLUDED.active_grant_id, status = EXCLUDED.status, updated_at = now()
RETURNING ` + bindingColumns

func (s *PostgresBindingStore) CreateBinding(ctx context.Context, binding domain.TenantBinding) (domain.TenantBinding, error) {
	if binding.ID == 0 {
		binding.ID = s.node.Generate().Int64()
	}
	if binding.Status == "" {
		binding.Status = domain.BindingStatusActive
	}
	row := s.db.QueryRow(ctx, insertBindingSQL,
		binding.ID,
		binding.OrgID,
		binding.Provider,
		binding.TenantID,
		binding.TenantName,
		binding.ActiveGrantID,
		binding.Status,
	)
	inserted, err := scanBinding(row)
	if err != nil {
		return domain.TenantBinding{}, fmt.Errorf("create binding: %w", err)
	}
	return inserted, nil
}

func (s *PostgresBindingStore) RepointBinding(ctx context.Context, bindingID, grantID int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE xero_tenant_bindings SET active_grant_id = $2, status = 'active', updated_at = now() WHERE id = $1`,
		bindingID, grantID)
	if err != nil {
		return fmt.Errorf("repoint binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBindingNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (domain.Grant, error) {
	var (
		grant    domain.Grant
		issuedAt *time.Time
		lastUsed *time.Time
	)
	if err := row.Scan(
		&grant.ID,
		&grant.OrgID,
		&grant.Provider,
		&grant.AccessTokenCipher,
		&grant.RefreshTokenCipher,
		&issuedAt,
		&grant.ExpiresAt,
		&grant.Status,
		&grant.CreatedAt,
		&grant.UpdatedAt,
		&lastUsed,
	); err != nil {
		return domain.Grant{}, err
	}
	grant.RefreshTokenIssuedAt = issuedAt
	grant.LastUsedAt = lastUsed
	return grant, nil
}

func scanBinding(row rowScanner) (domain.TenantBinding, error) {
	var binding domain.TenantBinding
	if err := row.Scan(
		&binding.ID,
		&binding.OrgID,
		&binding.Provider,
		&binding.TenantID,
		&binding.TenantName,
		&binding.ActiveGrantID,
		&binding.Status,
		&binding.CreatedAt,
		&binding.UpdatedAt,
	); err != nil {
		return domain.TenantBinding{}, err
	}
	return binding, nil
}
