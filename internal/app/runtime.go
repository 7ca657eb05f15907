package app

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"gocloud.dev/blob"

	"toolmark-review/internal/adapters/audit"
	"toolmark-review/internal/adapters/blobstore"
	sqliteadapter "toolmark-review/internal/adapters/store/sqlite"

	_ "modernc.org/sqlite"
)

// Runtime 汇总一次进程内共享的存储资源。
type Runtime struct {
	Config Config
	Logger *slog.Logger

	DB          *sql.DB
	Store       *sqliteadapter.Store
	Bucket      *blob.Bucket
	Images      *blobstore.ImageStore
	Annotations *blobstore.AnnotationStore
	Audit       *audit.Queue

	buckets *blobstore.Buckets
}

// Open 打开 SQLite（含迁移）、blob bucket，并启动审计队列。
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, errors.Wrap(err, "create db dir")
		}
	}
	db, err := sqliteadapter.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	bucketURL, err := resolveBucketURL(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	buckets := blobstore.NewBuckets()
	bucket, err := buckets.Open(ctx, bucketURL)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	store := sqliteadapter.NewStore(db)
	rt := &Runtime{
		Config:      cfg,
		Logger:      logger,
		DB:          db,
		Store:       store,
		Bucket:      bucket,
		Images:      blobstore.NewImageStore(bucket),
		Annotations: blobstore.NewAnnotationStore(bucket),
		Audit:       audit.NewQueue(store, cfg.AuditQueueSize, logger),
		buckets:     buckets,
	}
	logger.Debug("runtime opened", "db_path", cfg.DBPath, "bucket_url", bucketURL)
	return rt, nil
}

// Close 按打开的逆序释放资源：先排空审计队列，再关 bucket 与数据库。
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	r.Audit.Close()
	if dropped := r.Audit.Dropped(); dropped > 0 {
		r.Logger.Warn("audit events dropped during run", "dropped", dropped)
	}
	var errs error
	if err := r.buckets.Close(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if err := r.DB.Close(); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "close db"))
	}
	return errs
}

// resolveBucketURL 为空时落到 DBPath 同级 blobs/ 目录；file:// 目录不存在时先创建。
func resolveBucketURL(cfg Config) (string, error) {
	raw := strings.TrimSpace(cfg.BucketURL)
	if raw == "" {
		base := "."
		if cfg.DBPath != ":memory:" {
			base = filepath.Dir(cfg.DBPath)
		}
		dir, err := filepath.Abs(filepath.Join(base, "blobs"))
		if err != nil {
			return "", errors.Wrap(err, "resolve blob dir")
		}
		raw = "file://" + filepath.ToSlash(dir)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "parse bucket url %s", raw)
	}
	if u.Scheme == "file" {
		if err := os.MkdirAll(filepath.FromSlash(u.Path), 0o755); err != nil {
			return "", errors.Wrap(err, "create blob dir")
		}
	}
	return raw, nil
}
