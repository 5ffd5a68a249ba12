package camera

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRegistry_OpenStartGetImage(t *testing.T) {
	ctx := context.Background()
	reg, mock := newTestRegistry(t, testConfig())

	s, err := reg.Open(ctx, "-backend=mock -mode=640x480_YUV411 -rate=30")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.State() != StateOpened {
		t.Fatalf("Expected state opened, got %s", s.State())
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// 5フレーム分の間隔で GetImage を呼ぶ
	interval := s.Rate().FrameInterval()
	fresh := 0
	for i := 0; i < 5; i++ {
		time.Sleep(interval)
		img, err := s.GetImage()
		if err != nil {
			t.Fatalf("GetImage failed: %v", err)
		}
		if img == nil {
			continue
		}
		if img.Fresh {
			fresh++
		}
		if len(img.Data) != 640*480*3 {
			t.Fatalf("Expected %d bytes, got %d", 640*480*3, len(img.Data))
		}
		// 色差が中央値のため灰色になる
		if img.Data[0] != img.Data[1] || img.Data[1] != img.Data[2] {
			t.Errorf("Expected gray pixel, got %v", img.Data[:3])
		}
	}
	if fresh == 0 {
		t.Error("Expected at least one fresh image")
	}

	w, h, err := s.InquireSize()
	if err != nil {
		t.Fatalf("InquireSize failed: %v", err)
	}
	if w != 640 || h != 480 {
		t.Errorf("Expected 640x480, got %dx%d", w, h)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c := mock.Counts()
	if c.Inits != 1 || c.Shutdowns != 1 {
		t.Errorf("Expected Init/Shutdown 1/1, got %d/%d", c.Inits, c.Shutdowns)
	}
	if c.Closes != 1 {
		t.Errorf("Expected 1 close, got %d", c.Closes)
	}
}

func TestRegistry_OpenErrors(t *testing.T) {
	tests := []struct {
		name   string
		config string
		want   error
	}{
		{"未対応の解像度", "-mode=800x600_YUV411", ErrModeUnsupported},
		{"未対応のフォーマット", "-mode=320x240_YUV411", ErrModeUnsupported},
		{"未対応のレート", "-mode=640x480_RGB24 -rate=30", ErrRateUnsupported},
		{"モードと幅の同時指定", "-mode=320x240_UYVY -width=320", ErrConfig},
		{"標準外のレート", "-rate=29.97", ErrConfig},
		{"未知のオプション", "-bogus=1", ErrConfig},
		{"未知のバックエンド", "-backend=none", ErrConfig},
		{"カードのみ指定", "-card=1", ErrConfig},
		{"不正なバッファ数", "-buffers=4", ErrConfig},
		{"YUV出力", "-pixelformat=YUV422", ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, mock := newTestRegistry(t, testConfig())

			s, err := reg.Open(context.Background(), tt.config)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			if s != nil {
				t.Error("Expected nil session on failure")
			}

			// 失敗時はデバイスを開かず、バックエンドの参照も残さない
			c := mock.Counts()
			if c.Opens != 0 {
				t.Errorf("Expected no device opens, got %d", c.Opens)
			}
			if c.Inits != c.Shutdowns {
				t.Errorf("Expected balanced Init/Shutdown, got %d/%d", c.Inits, c.Shutdowns)
			}
			if reg.BackendRefs("mock") != 0 {
				t.Errorf("Expected no backend refs, got %d", reg.BackendRefs("mock"))
			}
			if len(reg.Sessions()) != 0 {
				t.Errorf("Expected no sessions, got %d", len(reg.Sessions()))
			}
		})
	}
}

func TestRegistry_DeviceFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("初期化失敗", func(t *testing.T) {
		reg, mock := newTestRegistry(t, testConfig())
		mock.SetShouldFailInit(true)

		if _, err := reg.Open(ctx, ""); err == nil {
			t.Fatal("Expected error when Init fails")
		}
		if reg.BackendRefs("mock") != 0 {
			t.Errorf("Expected no backend refs, got %d", reg.BackendRefs("mock"))
		}
	})

	t.Run("デバイスなし", func(t *testing.T) {
		reg, mock := newTestRegistry(t, testConfig())
		mock.SetShouldFailProbe(true)

		_, err := reg.Open(ctx, "-device=/dev/video9")
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Fatalf("Expected ErrDeviceNotFound, got %v", err)
		}
		if c := mock.Counts(); c.Shutdowns != 1 {
			t.Errorf("Expected backend shutdown after failure, got %d", c.Shutdowns)
		}
	})

	t.Run("オープン失敗", func(t *testing.T) {
		reg, mock := newTestRegistry(t, testConfig())
		mock.SetShouldFailOpen(true)

		if _, err := reg.Open(ctx, "-device=a"); err == nil {
			t.Fatal("Expected error when Open fails")
		}

		// 予約が解除されていれば同じデバイスを再度開ける
		mock.SetShouldFailOpen(false)
		s, err := reg.Open(ctx, "-device=a")
		if err != nil {
			t.Fatalf("Open after failure failed: %v", err)
		}
		_ = s.Close(ctx)
	})
}

func TestRegistry_DeviceBusy(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, testConfig())

	s1, err := reg.Open(ctx, "-device=cam0")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := reg.Open(ctx, "-device=cam0 -mode=320x240_UYVY"); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("Expected ErrDeviceBusy, got %v", err)
	}

	// 別のデバイスは開ける
	s2, err := reg.Open(ctx, "-device=cam1")
	if err != nil {
		t.Fatalf("Open of another device failed: %v", err)
	}

	// クローズ後は同じデバイスを開ける
	if err := s1.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	s3, err := reg.Open(ctx, "-device=cam0")
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}

	_ = s2.Close(ctx)
	_ = s3.Close(ctx)
}

func TestRegistry_BackendRefCount(t *testing.T) {
	ctx := context.Background()
	reg, mock := newTestRegistry(t, testConfig())

	s1, err := reg.Open(ctx, "-device=a")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s2, err := reg.Open(ctx, "-device=b")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if c := mock.Counts(); c.Inits != 1 {
		t.Errorf("Expected Init once, got %d", c.Inits)
	}
	if reg.BackendRefs("mock") != 2 {
		t.Errorf("Expected 2 refs, got %d", reg.BackendRefs("mock"))
	}

	if err := s1.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if c := mock.Counts(); c.Shutdowns != 0 {
		t.Errorf("Expected no shutdown while a session remains, got %d", c.Shutdowns)
	}

	if err := s2.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if c := mock.Counts(); c.Shutdowns != 1 {
		t.Errorf("Expected shutdown after last close, got %d", c.Shutdowns)
	}
}

func TestRegistry_Negotiation(t *testing.T) {
	tests := []struct {
		name     string
		config   string
		wantMode string
		wantRate string
		buffers  int
	}{
		{"既定モード", "", "640x480_YUV411", "30", 2},
		{"フォーマットのみ指定", "-format=YUYV", "640x480_YUYV", "30", 2},
		{"サイズのみ指定", "-width=320 -height=240", "320x240_UYVY", "30", 2},
		{"30fps非対応なら最大", "-mode=640x480_RGB", "640x480_RGB24", "15", 2},
		{"レート指定", "-mode=320x240_YUV422 -rate=60", "320x240_UYVY", "60", 2},
		{"トリプルバッファ", "-buffers=3", "640x480_YUV411", "30", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			reg, _ := newTestRegistry(t, testConfig())

			s, err := reg.Open(ctx, tt.config)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer func() { _ = s.Close(ctx) }()

			info := s.Info()
			if info.Mode != tt.wantMode {
				t.Errorf("Expected mode %s, got %s", tt.wantMode, info.Mode)
			}
			if info.Rate != tt.wantRate {
				t.Errorf("Expected rate %s, got %s", tt.wantRate, info.Rate)
			}
			if info.Buffers != tt.buffers {
				t.Errorf("Expected %d buffers, got %d", tt.buffers, info.Buffers)
			}
		})
	}
}

func TestRegistry_Features(t *testing.T) {
	ctx := context.Background()
	reg, mock := newTestRegistry(t, testConfig())

	// 設定できない項目は警告のみでオープンは成功する
	s, err := reg.Open(ctx, "-brightness=10 -iris=3")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = s.Close(ctx) }()

	devices := mock.Devices()
	if len(devices) != 1 {
		t.Fatalf("Expected 1 device, got %d", len(devices))
	}
	if v, ok := devices[0].Feature(FeatureBrightness); !ok || v != 10 {
		t.Errorf("Expected brightness 10, got %d (%v)", v, ok)
	}
	if _, ok := devices[0].Feature(FeatureIris); ok {
		t.Error("Expected iris to be rejected")
	}
}

func TestRegistry_SessionsAndShutdown(t *testing.T) {
	ctx := context.Background()
	reg, mock := newTestRegistry(t, testConfig())

	s1, err := reg.Open(ctx, "-device=a")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	time.Sleep(time.Millisecond)
	s2, err := reg.Open(ctx, "-device=b")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s2.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	sessions := reg.Sessions()
	if len(sessions) != 2 || sessions[0] != s1 || sessions[1] != s2 {
		t.Fatalf("Expected sessions in open order, got %v", sessions)
	}
	if got, ok := reg.Get(s2.ID()); !ok || got != s2 {
		t.Error("Expected Get to return the session")
	}
	if _, ok := reg.Get("unknown"); ok {
		t.Error("Expected unknown id to be missing")
	}

	if err := reg.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if len(reg.Sessions()) != 0 {
		t.Errorf("Expected no sessions after shutdown, got %d", len(reg.Sessions()))
	}
	c := mock.Counts()
	if c.Closes != 2 || c.Stops != 1 || c.Shutdowns != 1 {
		t.Errorf("Unexpected counts after shutdown: %+v", c)
	}
}

func TestRegistry_ListOptions(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	usage := reg.ListOptions()

	for _, want := range []string{"-mode", "-rate", "-pixelformat", "-buffers", "YUV411", "7.5", "mock"} {
		if !strings.Contains(usage, want) {
			t.Errorf("Expected usage to contain %q", want)
		}
	}
}

