// Package main はarvideoサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/gin-gonic/gin"

	"arvideo/internal/backend"
	"arvideo/internal/camera"
	"arvideo/internal/config"
	"arvideo/internal/server"
)

func main() {
	// コマンドラインオプション
	var (
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		configPath = flag.String("config", os.Getenv("ARVIDEO_CONFIG"), "設定ファイル (YAML) のパス")
		options    = flag.Bool("options", false, "設定文字列のオプション一覧を表示")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("arvideo")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定が不正です: %v", err)
	}

	logger := cfg.NewLogger(os.Stderr)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	backends, err := backend.Select(cfg.Capture.DefaultBackend)
	if err != nil {
		log.Fatalf("バックエンドの選択に失敗しました: %v", err)
	}
	registry := camera.NewRegistry(backends,
		camera.WithConfig(cfg.CameraConfig()),
		camera.WithLogger(logger))

	// 設定文字列のオプション一覧
	if *options {
		fmt.Print(registry.ListOptions())
		os.Exit(0)
	}

	// Ginサーバーを作成
	srv := server.New(cfg, registry, logger)

	// サーバーを起動
	logger.Info("arvideo サーバーを起動します", "addr", cfg.ServerAddress())
	if err := srv.Start(context.Background()); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
