package main

import (
	"context"
	"log"
	"os"

	"github.com/gin-gonic/gin"

	"arvideo/internal/backend"
	"arvideo/internal/camera"
	"arvideo/internal/config"
	"arvideo/internal/server"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load(os.Getenv("ARVIDEO_CONFIG"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	logger := cfg.NewLogger(os.Stderr)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	// レジストリとサーバーを作成
	backends, err := backend.Select(cfg.Capture.DefaultBackend)
	if err != nil {
		log.Fatalf("バックエンドの選択に失敗しました: %v", err)
	}
	registry := camera.NewRegistry(backends,
		camera.WithConfig(cfg.CameraConfig()),
		camera.WithLogger(logger))
	srv := server.New(cfg, registry, logger)

	// サーバーを起動
	if err := srv.Start(context.Background()); err != nil {
		logger.Error("main: サーバーが異常終了しました", "error", err)
		os.Exit(1)
	}
}
