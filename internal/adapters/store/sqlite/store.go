package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"toolmark-review/internal/domain/model"
)

// Store 封装与 SQLite 的读写逻辑：用户与档案、案件记录、确认台账、审计链、导出登记。
//
// 所有调用方都把连接池设置为单连接（SetMaxOpenConns(1)），
// 因此这里不要在 rows.Next() 循环里再发起子查询，否则会等待第二条连接而死锁。
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open 打开 SQLite 文件（或 ":memory:"），设置单连接与 busy_timeout 并执行迁移。
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set busy_timeout")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	if err := NewMigrator(db).Up(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply migrations")
	}
	return db, nil
}

// GetSchemaMetaValue 查询 schema_meta 表指定 key 的 value。
func (s *Store) GetSchemaMetaValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `
		SELECT value
		FROM schema_meta
		WHERE key = ?
		LIMIT 1
	`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", errors.Wrapf(err, "query schema_meta %s", key)
	}
	return v, nil
}

// PutUser 写入或更新检验员身份；已有档案保持不变。
func (s *Store) PutUser(ctx context.Context, u model.User) error {
	if strings.TrimSpace(u.UID) == "" {
		return errors.Wrap(model.ErrBadParameter, "uid is required")
	}
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	profile, err := json.Marshal(model.Profile{UID: u.UID, Cases: []model.CaseDescriptor{}, ReadOnlyCases: []model.ReadOnlyCaseDescriptor{}})
	if err != nil {
		return errors.Wrap(err, "marshal empty profile")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users(uid, email, display_name, organization, badge_id, profile_json, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			email=excluded.email,
			display_name=excluded.display_name,
			organization=excluded.organization,
			badge_id=excluded.badge_id,
			updated_at=excluded.updated_at
	`, u.UID, u.Email, u.DisplayName, nullIfEmpty(u.Organization), nullIfEmpty(u.BadgeID), string(profile), u.CreatedAt.Unix(), now.Unix())
	if err != nil {
		return errors.Wrapf(err, "upsert user %s", u.UID)
	}
	return nil
}

// GetUser 按 uid 查询检验员；不存在时返回 (nil, nil)。
func (s *Store) GetUser(ctx context.Context, uid string) (*model.User, error) {
	var (
		u         model.User
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, email, display_name, COALESCE(organization, ''), COALESCE(badge_id, ''), created_at
		FROM users
		WHERE uid = ?
	`, uid).Scan(&u.UID, &u.Email, &u.DisplayName, &u.Organization, &u.BadgeID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "query user %s", uid)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

// GetProfile 返回检验员的案件索引；用户不存在时归类为 NotFound。
func (s *Store) GetProfile(ctx context.Context, uid string) (*model.Profile, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT profile_json FROM users WHERE uid = ?`, uid).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(model.ErrNotFound, "profile %s", uid)
		}
		return nil, errors.Wrapf(err, "query profile %s", uid)
	}

	var p model.Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, errors.Wrapf(model.ErrFormat, "decode profile %s: %v", uid, err)
	}
	p.UID = uid
	if p.Cases == nil {
		p.Cases = []model.CaseDescriptor{}
	}
	if p.ReadOnlyCases == nil {
		p.ReadOnlyCases = []model.ReadOnlyCaseDescriptor{}
	}
	return &p, nil
}

// PutProfile 覆盖写入检验员档案（最后写入者生效）。
func (s *Store) PutProfile(ctx context.Context, p *model.Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal profile")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET profile_json = ?, updated_at = ? WHERE uid = ?
	`, string(raw), time.Now().Unix(), p.UID)
	if err != nil {
		return errors.Wrapf(err, "update profile %s", p.UID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(model.ErrNotFound, "profile %s", p.UID)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
