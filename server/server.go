package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Server 组装会话、连接处理器与 HTTP 路由
type Server struct {
	cfg     Config
	log     *zap.SugaredLogger
	session *Session
	handler *Handler
	mux     *http.ServeMux
}

func NewServer(cfg Config, log *zap.SugaredLogger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	session := NewSession(cfg, log.Named("session"), &SessionMetrics{})
	s := &Server{
		cfg:     cfg,
		log:     log,
		session: session,
		handler: NewHandler(session, codec, log.Named("conn")),
		mux:     http.NewServeMux(),
	}
	s.mux.Handle("/ws", s.handler)
	s.mux.HandleFunc("/metrics", s.HandleMetrics)
	s.mux.HandleFunc("/admin/session", s.HandleSession)
	s.mux.HandleFunc("/schema", s.HandleSchema)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return s, nil
}

func (s *Server) Session() *Session    { return s.session }
func (s *Server) Routes() http.Handler { return s.mux }

// Run 监听地址并运行 Tick 循环，ctx 取消后优雅退出
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve 在给定的 listener 上提供服务
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.session.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		s.log.Infow("listening", "addr", ln.Addr().String(), "codec", s.cfg.Codec)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.session.Close()
		err := srv.Shutdown(shutdownCtx)
		// 会话关闭后各连接的写协程退出并关闭传输，这里等它们全部结束
		s.handler.Wait()
		return err
	})
	return g.Wait()
}
