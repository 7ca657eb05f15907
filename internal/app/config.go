package app

import (
	"bytes"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config 存放应用级配置。零值字段在 LoadConfig 中回落到 DefaultConfig。
type Config struct {
	DBPath string `yaml:"db_path"`
	// BucketURL 是 gocloud.dev blob URL（file:///abs/dir、mem://、s3://bucket）；
	// 为空时使用 DBPath 同级的 blobs/ 目录。
	BucketURL string `yaml:"bucket_url"`
	ExportDir string `yaml:"export_dir"`

	ListenAddr string `yaml:"listen_addr"`

	// PrivacyMode: off|masked，控制复核报告中确认人邮箱/证件号的脱敏。
	PrivacyMode string `yaml:"privacy_mode"`

	AuditQueueSize    int `yaml:"audit_queue_size"`
	UploadConcurrency int `yaml:"upload_concurrency"`

	// Organization 是导出时的默认机构名称（用户档案未填写时使用）。
	Organization string `yaml:"organization"`
}

// DefaultConfig 返回本地开发环境的默认配置。
func DefaultConfig() Config {
	return Config{
		DBPath:            "data/review.db",
		BucketURL:         "",
		ExportDir:         "data/exports",
		ListenAddr:        "127.0.0.1:8787",
		PrivacyMode:       "off",
		AuditQueueSize:    256,
		UploadConcurrency: 4,
	}
}

// LoadConfig 读取 YAML 配置并覆盖默认值；path 为空时直接返回默认配置。
// 未知字段会报错，避免拼写错误被静默忽略。
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var overlay Config
	if err := dec.Decode(&overlay); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	cfg.merge(overlay)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) merge(o Config) {
	setString := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setString(&c.DBPath, o.DBPath)
	setString(&c.BucketURL, o.BucketURL)
	setString(&c.ExportDir, o.ExportDir)
	setString(&c.ListenAddr, o.ListenAddr)
	setString(&c.PrivacyMode, o.PrivacyMode)
	setString(&c.Organization, o.Organization)
	if o.AuditQueueSize > 0 {
		c.AuditQueueSize = o.AuditQueueSize
	}
	if o.UploadConcurrency > 0 {
		c.UploadConcurrency = o.UploadConcurrency
	}
}

// Validate 检查取值范围。
func (c Config) Validate() error {
	switch c.PrivacyMode {
	case "off", "masked":
	default:
		return errors.Newf("privacy_mode must be off or masked, got %q", c.PrivacyMode)
	}
	if c.UploadConcurrency > 64 {
		return errors.Newf("upload_concurrency too large: %d", c.UploadConcurrency)
	}
	return nil
}
