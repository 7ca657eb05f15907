package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"toolmark-review/internal/app"
	"toolmark-review/internal/bootstrap"
	"toolmark-review/internal/domain/model"
)

const examinerEnv = "TOOLMARK_EXAMINER"

// commandContext 持有全局 flag；每个子命令按需打开自己的 Runtime。
type commandContext struct {
	configPath string
	dbPath     string
	bucketURL  string
	examiner   string
	logFormat  string
	logLevel   string
	jsonOutput bool
}

func (c *commandContext) loadConfig() (app.Config, error) {
	cfg, err := app.LoadConfig(c.configPath)
	if err != nil {
		return cfg, err
	}
	if v := strings.TrimSpace(c.dbPath); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(c.bucketURL); v != "" {
		cfg.BucketURL = v
	}
	return cfg, nil
}

// session 是一次命令执行期间打开的运行时与服务。
type session struct {
	rt  *app.Runtime
	svc *bootstrap.Services
}

func (c *commandContext) open(cmd *cobra.Command) (*session, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := app.NewLogger(cmd.ErrOrStderr(), app.LogOptions{Format: c.logFormat, Level: c.logLevel})
	if err != nil {
		return nil, err
	}
	rt, err := app.Open(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, err
	}
	return &session{rt: rt, svc: bootstrap.New(rt)}, nil
}

func (s *session) Close() {
	_ = s.rt.Close()
}

// requireExaminer 返回当前检验员；uid 来自 --examiner 或环境变量，且必须已注册。
func (c *commandContext) requireExaminer(ctx context.Context, s *session) (model.User, error) {
	uid := strings.TrimSpace(c.examiner)
	if uid == "" {
		uid = strings.TrimSpace(os.Getenv(examinerEnv))
	}
	if uid == "" {
		return model.User{}, errors.Newf("examiner uid is required (--examiner or $%s)", examinerEnv)
	}
	u, err := s.rt.Store.GetUser(ctx, uid)
	if err != nil {
		return model.User{}, err
	}
	if u == nil {
		return model.User{}, errors.Wrapf(model.ErrNotFound, "examiner %s is not registered; run `review-cli user add`", uid)
	}
	return *u, nil
}

// emit 在 --json 时输出 v，否则调用 text 打印人读格式。
func (c *commandContext) emit(cmd *cobra.Command, v any, text func()) error {
	if c.jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

func printEntries(cmd *cobra.Command, label string, entries []model.ResultEntry) {
	for _, e := range entries {
		if e.Step != "" {
			printf(cmd, "%s [%s] %s: %s\n", label, e.Kind, e.Step, e.Message)
			continue
		}
		printf(cmd, "%s [%s] %s\n", label, e.Kind, e.Message)
	}
}
