package identity

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation Postgres 唯一约束冲突
const uniqueViolation = "23505"

const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		uid           TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		display_name  TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// PgAccountRepository 基于 pgxpool 的账号库
type PgAccountRepository struct {
	db *pgxpool.Pool
}

// NewPgAccountRepository 创建账号仓库
func NewPgAccountRepository(db *pgxpool.Pool) *PgAccountRepository {
	return &PgAccountRepository{db: db}
}

// EnsureSchema 建表（幂等）
func (r *PgAccountRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schema)
	return err
}

// Create 创建账号
func (r *PgAccountRepository) Create(ctx context.Context, acct *Account) error {
	query := `
		INSERT INTO accounts (uid, email, password_hash, display_name)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		acct.UID,
		acct.Email,
		acct.PasswordHash,
		acct.DisplayName,
	).Scan(&acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrEmailExists
		}
		return err
	}
	return nil
}

// GetByUID 通过 UID 获取账号
func (r *PgAccountRepository) GetByUID(ctx context.Context, uid string) (*Account, error) {
	return r.getOne(ctx, `
		SELECT uid, email, password_hash, display_name, created_at, updated_at
		FROM accounts WHERE uid = $1
	`, uid)
}

// GetByEmail 通过邮箱获取账号
func (r *PgAccountRepository) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return r.getOne(ctx, `
		SELECT uid, email, password_hash, display_name, created_at, updated_at
		FROM accounts WHERE email = $1
	`, email)
}

func (r *PgAccountRepository) getOne(ctx context.Context, query string, arg string) (*Account, error) {
	acct := &Account{}
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&acct.UID,
		&acct.Email,
		&acct.PasswordHash,
		&acct.DisplayName,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return acct, nil
}

// UpdatePassword 更新密码哈希
func (r *PgAccountRepository) UpdatePassword(ctx context.Context, uid, passwordHash string) error {
	return r.exec(ctx, `UPDATE accounts SET password_hash = $2, updated_at = NOW() WHERE uid = $1`, uid, passwordHash)
}

// UpdateDisplayName 更新显示名
func (r *PgAccountRepository) UpdateDisplayName(ctx context.Context, uid, name string) error {
	return r.exec(ctx, `UPDATE accounts SET display_name = $2, updated_at = NOW() WHERE uid = $1`, uid, name)
}

func (r *PgAccountRepository) exec(ctx context.Context, query string, args ...any) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
