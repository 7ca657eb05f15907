// Package webapp 提供复核工作站的 HTTP API。
//
// 鉴权由上游代理完成，检验员 uid 通过 X-Examiner-Uid 请求头传入。
package webapp

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"toolmark-review/internal/app"
)

// Run 在 rt.Config.ListenAddr 上启动 API，ctx 取消时优雅退出。
func Run(ctx context.Context, rt *app.Runtime) error {
	s := NewServer(rt)

	httpServer := &http.Server{
		Addr:              rt.Config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	rt.Logger.Info("webapp listening", "addr", "http://"+rt.Config.ListenAddr)
	err := httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen")
	}
	return nil
}
