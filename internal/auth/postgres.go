package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tenderbase.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// querier is satisfied by *sql.DB and *sql.Tx so every sub-store works both
// standalone and inside WithinTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
	q  querier
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, q: db}
}

func (s *PGStore) Users() UserStore                       { return &userStore{q: s.q} }
func (s *PGStore) Roles() RoleStore                       { return &roleStore{q: s.q} }
func (s *PGStore) RefreshSessions() RefreshSessionStore   { return &refreshSessionStore{q: s.q} }
func (s *PGStore) TwoFactorSessions() TwoFactorSessionStore {
	return &twoFactorSessionStore{q: s.q}
}
func (s *PGStore) TwoFactorSecrets() TwoFactorSecretStore { return &twoFactorSecretStore{q: s.q} }
func (s *PGStore) VerifyTokens() SingleUseTokenStore {
	return &singleUseTokenStore{q: s.q, table: "account_verify_tokens"}
}
func (s *PGStore) ResetTokens() SingleUseTokenStore {
	return &singleUseTokenStore{q: s.q, table: "password_reset_tokens"}
}

// WithinTx runs fn against a transaction-backed view of the store. A nested
// call reuses the outer transaction.
func (s *PGStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(ctx, s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &PGStore{db: s.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// User store ---------------------------------------------------------------
type userStore struct{ q querier }

const userColumns = `id, tenant_id, email, name, password_hash, password_salt, status, two_factor_enabled, role_id, last_login_at, created_at, updated_at`

func (s *userStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	_, err := s.q.ExecContext(ctx,
		`insert into users(id, tenant_id, email, name, password_hash, password_salt, status, two_factor_enabled, role_id)
		 values($1,$2,lower($3),$4,$5,$6,$7,$8,$9)`,
		u.ID, u.TenantID, u.Email, u.Name, u.PasswordHash, u.PasswordSalt, u.Status, u.TwoFactorEnabled, u.RoleID,
	)
	return err
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	row := s.q.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1 and deleted_at is null`, id)
	return scanUser(row)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.q.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=lower($1) and deleted_at is null`, email)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.Name, &u.PasswordHash, &u.PasswordSalt,
		&u.Status, &u.TwoFactorEnabled, &u.RoleID, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *userStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	return s.expectOneRow(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1 and deleted_at is null`,
		userID, passwordHash)
}

func (s *userStore) UpdateStatus(ctx context.Context, userID, status string) error {
	return s.expectOneRow(ctx,
		`update users set status=$2, updated_at=now() where id=$1 and deleted_at is null`,
		userID, status)
}

func (s *userStore) SetTwoFactorEnabled(ctx context.Context, userID string, enabled bool) error {
	return s.expectOneRow(ctx,
		`update users set two_factor_enabled=$2, updated_at=now() where id=$1 and deleted_at is null`,
		userID, enabled)
}

func (s *userStore) StampLastLogin(ctx context.Context, userID string, at time.Time) error {
	return s.expectOneRow(ctx,
		`update users set last_login_at=$2, updated_at=now() where id=$1 and deleted_at is null`,
		userID, at.UTC())
}

func (s *userStore) expectOneRow(ctx context.Context, query string, args ...any) error {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Role store ---------------------------------------------------------------
type roleStore struct{ q querier }

func (s *roleStore) Find(ctx context.Context, id string) (*Role, error) {
	row := s.q.QueryRowContext(ctx,
		`select id, tenant_id, name, created_at, updated_at from roles where id=$1`, id)
	var role Role
	if err := row.Scan(&role.ID, &role.TenantID, &role.Name, &role.CreatedAt, &role.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &role, nil
}

func (s *roleStore) Permissions(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`select p.key from permissions p
		 join role_permissions rp on rp.permission_id=p.id where rp.role_id=$1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Refresh session store ----------------------------------------------------
type refreshSessionStore struct{ q querier }

func (s *refreshSessionStore) Upsert(ctx context.Context, session *RefreshSession) error {
	_, err := s.q.ExecContext(ctx,
		`insert into refresh_sessions(user_id, device_id, token, expires_at, platform, app_version, ip, last_active_at)
		 values($1,$2,$3,$4,$5,$6,$7,now())
		 on conflict (user_id, device_id) do update
		 set token=excluded.token, expires_at=excluded.expires_at, platform=excluded.platform,
		     app_version=excluded.app_version, ip=excluded.ip, last_active_at=now()`,
		session.UserID, session.DeviceID, session.Token, session.ExpiresAt,
		session.Platform, session.AppVersion, session.IP,
	)
	return err
}

func (s *refreshSessionStore) Find(ctx context.Context, token, userID, deviceID string) (*RefreshSession, error) {
	row := s.q.QueryRowContext(ctx,
		`select user_id, device_id, token, expires_at, platform, app_version, ip, last_active_at, created_at
		 from refresh_sessions where token=$1 and user_id=$2 and device_id=$3`,
		token, userID, deviceID)
	var sess RefreshSession
	if err := row.Scan(&sess.UserID, &sess.DeviceID, &sess.Token, &sess.ExpiresAt,
		&sess.Platform, &sess.AppVersion, &sess.IP, &sess.LastActiveAt, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *refreshSessionStore) Revoke(ctx context.Context, token string) error {
	_, err := s.q.ExecContext(ctx, `delete from refresh_sessions where token=$1`, token)
	return err
}

func (s *refreshSessionStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`delete from refresh_sessions where expires_at is not null and expires_at < $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Two-factor session store -------------------------------------------------
type twoFactorSessionStore struct{ q querier }

func (s *twoFactorSessionStore) Replace(ctx context.Context, session *TwoFactorSession) error {
	_, err := s.q.ExecContext(ctx,
		`insert into two_factor_sessions(user_id, token)
		 values($1,$2)
		 on conflict (user_id) do update set token=excluded.token, created_at=now()`,
		session.UserID, session.Token,
	)
	return err
}

func (s *twoFactorSessionStore) Find(ctx context.Context, token string) (*TwoFactorSession, error) {
	row := s.q.QueryRowContext(ctx,
		`select user_id, token, created_at from two_factor_sessions where token=$1`, token)
	var sess TwoFactorSession
	if err := row.Scan(&sess.UserID, &sess.Token, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *twoFactorSessionStore) DeleteForUser(ctx context.Context, userID string) error {
	_, err := s.q.ExecContext(ctx, `delete from two_factor_sessions where user_id=$1`, userID)
	return err
}

// Two-factor secret store ----------------------------------------------------
type twoFactorSecretStore struct{ q querier }

func (s *twoFactorSecretStore) Upsert(ctx context.Context, secret *TwoFactorSecret) error {
	_, err := s.q.ExecContext(ctx,
		`insert into two_factor_secrets(user_id, secret)
		 values($1,$2)
		 on conflict (user_id) do update set secret=excluded.secret, created_at=now()`,
		secret.UserID, secret.Secret,
	)
	return err
}

func (s *twoFactorSecretStore) Find(ctx context.Context, userID string) (*TwoFactorSecret, error) {
	row := s.q.QueryRowContext(ctx,
		`select user_id, secret, created_at from two_factor_secrets where user_id=$1`, userID)
	var rec TwoFactorSecret
	if err := row.Scan(&rec.UserID, &rec.Secret, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Single-use token store -----------------------------------------------------
// One implementation serves both the account-verification and the
// forgotten-password tables.
type singleUseTokenStore struct {
	q     querier
	table string
}

func (s *singleUseTokenStore) Issue(ctx context.Context, token *SingleUseToken) error {
	_, err := s.q.ExecContext(ctx,
		fmt.Sprintf(`insert into %s(user_id, token, expires_at)
		 values($1,$2,$3)
		 on conflict (user_id) do update
		 set token=excluded.token, expires_at=excluded.expires_at, created_at=now()`, s.table),
		token.UserID, token.Token, token.ExpiresAt,
	)
	return err
}

func (s *singleUseTokenStore) Find(ctx context.Context, token string) (*SingleUseToken, error) {
	row := s.q.QueryRowContext(ctx,
		fmt.Sprintf(`select user_id, token, expires_at, created_at from %s where token=$1`, s.table), token)
	var rec SingleUseToken
	if err := row.Scan(&rec.UserID, &rec.Token, &rec.ExpiresAt, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *singleUseTokenStore) DeleteForUser(ctx context.Context, userID string) error {
	_, err := s.q.ExecContext(ctx,
		fmt.Sprintf(`delete from %s where user_id=$1`, s.table), userID)
	return err
}
