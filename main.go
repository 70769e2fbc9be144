package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tickarena/server"
)

// tickarena 入口：加载配置，初始化日志，启动 HTTP + WebSocket 服务与 Tick 循环
func main() {
	cfg, err := server.LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := server.InitLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer server.SyncLogger()
	log := logger.Sugar()

	srv, err := server.NewServer(cfg, log)
	if err != nil {
		log.Fatalw("init server", "err", err)
	}

	// 优雅退出（Ctrl+C）
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infow("tickarena starting", "addr", cfg.Addr, "tick_rate", cfg.TickRate)
	if err := srv.Run(ctx); err != nil {
		log.Fatalw("server stopped", "err", err)
	}
	log.Info("Shutting down...")
}
