package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"

	"arvideo/internal/camera"
	"arvideo/internal/config"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	registry   *camera.Registry
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	startedAt  time.Time

	mu      sync.Mutex
	devices []deviceEntry
	addr    net.Addr
}

// deviceEntry は起動時にオープンしたデバイス
type deviceEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, registry *camera.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	s := &Server{
		config:    cfg,
		registry:  registry,
		logger:    logger,
		startedAt: time.Now(),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))
	s.engine = engine
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// ヘルスチェックエンドポイント
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/options", s.handleOptions)
	api.GET("/backends", s.handleBackends)

	sessions := api.Group("/sessions")
	sessions.GET("", s.handleListSessions)
	sessions.POST("", s.handleOpenSession)
	sessions.GET("/:id", s.handleGetSession)
	sessions.DELETE("/:id", s.handleCloseSession)
	sessions.POST("/:id/start", s.handleStartSession)
	sessions.POST("/:id/stop", s.handleStopSession)
	sessions.GET("/:id/frame", s.handleFrame)
	sessions.GET("/:id/stream", s.handleStream)
}

// Autostart は設定されたデバイスをオープンし、autostart のものはキャプチャを開始する
// 個々のデバイスの失敗はログに残して続行する
func (s *Server) Autostart(ctx context.Context) {
	entries := make([]deviceEntry, 0, len(s.config.Devices))
	for _, d := range s.config.Devices {
		entry := deviceEntry{ID: d.ID, Name: d.Name}

		cfgString := d.Config
		if cfgString == "" {
			cfgString = s.config.Capture.DefaultConfig
		}

		sess, err := s.registry.Open(ctx, cfgString)
		if err != nil {
			s.logger.Error("server: デバイスのオープンに失敗しました", "device", d.ID, "error", err)
			entry.Error = err.Error()
			entries = append(entries, entry)
			continue
		}
		entry.SessionID = sess.ID()

		if d.Autostart {
			if err := sess.Start(ctx); err != nil {
				s.logger.Error("server: キャプチャの開始に失敗しました", "device", d.ID, "error", err)
				entry.Error = err.Error()
			}
		}
		s.logger.Info("server: デバイスを登録しました", "device", d.ID, "session", sess.ID(), "autostart", d.Autostart)
		entries = append(entries, entry)
	}

	s.mu.Lock()
	s.devices = entries
	s.mu.Unlock()
}

// Addr は待ち受け中のアドレスを返す（起動前は nil）
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start はサーバーを起動する
// ctx のキャンセルかシグナル受信でグレースフルシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	s.Autostart(ctx)

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Join(fmt.Errorf("サーバーの起動に失敗: %w", err), s.registry.Shutdown(ctx))
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("server: HTTPサーバーを起動しています", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("server: コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("server: シグナルを受信しました", "signal", sig.String())
	case err := <-shutdownCh:
		return errors.Join(err, s.registry.Shutdown(context.Background()))
	}

	// グレースフルシャットダウン
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.config.Server.ShutdownTimeout > 0 {
		return s.config.Server.ShutdownTimeout
	}
	return 5 * time.Second
}

// Shutdown はHTTPサーバーを止めてからすべてのセッションを閉じる
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: サーバーをシャットダウンしています")

	var result *multierror.Error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("サーバーのシャットダウンに失敗: %w", err))
	}
	if err := s.registry.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("セッションのクローズに失敗: %w", err))
	}

	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	s.logger.Info("server: サーバーが正常にシャットダウンされました")
	return nil
}
