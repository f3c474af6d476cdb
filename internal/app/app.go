package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"legion/internal/logger"
)

// Run 启动 HTTP 服务并阻塞到 ctx 取消，随后优雅收尾。
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutCtx); err != nil {
			logger.Warnf("HTTP 关闭异常: %v", err)
		}
		return nil
	})

	err := g.Wait()
	a.close()
	return err
}

func (a *App) close() {
	if a.records != nil {
		if err := a.records.Close(); err != nil {
			logger.Warnf("策略日志关闭异常: %v", err)
		}
	}
	if a.ledgerStore != nil {
		if err := a.ledgerStore.Close(); err != nil {
			logger.Warnf("持仓库关闭异常: %v", err)
		}
	}
}
