package camera

import (
	"errors"
	"testing"

	"arvideo/internal/pixel"
)

func TestParseOptions(t *testing.T) {
	rate30, _ := RateOf(30)
	rate75, _ := RateOf(7.5)

	tests := []struct {
		name   string
		config string
		check  func(t *testing.T, o Options)
	}{
		{
			name:   "空文字列は既定値",
			config: "",
			check: func(t *testing.T, o Options) {
				if !o.Mode.IsZero() {
					t.Errorf("Expected zero mode, got %v", o.Mode)
				}
				if o.Rate != RateAuto {
					t.Errorf("Expected auto rate, got %v", o.Rate)
				}
				if o.Output != pixel.FormatRGB24 {
					t.Errorf("Expected RGB24 output, got %v", o.Output)
				}
				if o.Buffers != 0 || o.Card != -1 || o.Node != -1 {
					t.Errorf("Unexpected defaults: %+v", o)
				}
			},
		},
		{
			name:   "モードとレート",
			config: "-mode=640x480_YUV411 -rate=30",
			check: func(t *testing.T, o Options) {
				want := Mode{Width: 640, Height: 480, Format: pixel.FormatYUV411}
				if o.Mode != want {
					t.Errorf("Expected %v, got %v", want, o.Mode)
				}
				if o.Rate != rate30 {
					t.Errorf("Expected 30fps, got %v", o.Rate)
				}
			},
		},
		{
			name:   "幅と高さとフォーマット",
			config: "-width=320 -height=240 -format=YUV422 -rate=7.5",
			check: func(t *testing.T, o Options) {
				want := Mode{Width: 320, Height: 240, Format: pixel.FormatUYVY}
				if o.Mode != want {
					t.Errorf("Expected %v, got %v", want, o.Mode)
				}
				if o.Rate != rate75 {
					t.Errorf("Expected 7.5fps, got %v", o.Rate)
				}
			},
		},
		{
			name:   "カードとノード",
			config: "-card=0 -node=2",
			check: func(t *testing.T, o Options) {
				if o.Device != "0:2" {
					t.Errorf("Expected device 0:2, got %q", o.Device)
				}
			},
		},
		{
			name:   "出力フォーマットの別名",
			config: "-pixelformat=32 -buffers=3 -debug -fps",
			check: func(t *testing.T, o Options) {
				if o.Output != pixel.FormatARGB32 {
					t.Errorf("Expected ARGB32, got %v", o.Output)
				}
				if o.Buffers != 3 || !o.Debug || !o.FPS {
					t.Errorf("Unexpected options: %+v", o)
				}
			},
		},
		{
			name:   "調整項目",
			config: "-brightness=100 -gain=0",
			check: func(t *testing.T, o Options) {
				if len(o.Features) != 2 || o.Features[FeatureBrightness] != 100 || o.Features[FeatureGain] != 0 {
					t.Errorf("Unexpected features: %v", o.Features)
				}
			},
		},
		{
			name:   "余分な空白",
			config: "  -device=/dev/video1   -backend=v4l2 ",
			check: func(t *testing.T, o Options) {
				if o.Device != "/dev/video1" || o.Backend != "v4l2" {
					t.Errorf("Unexpected options: %+v", o)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := ParseOptions(tt.config)
			if err != nil {
				t.Fatalf("ParseOptions failed: %v", err)
			}
			if o.Raw != tt.config {
				t.Errorf("Expected raw config to be kept, got %q", o.Raw)
			}
			tt.check(t, o)
		})
	}
}

func TestParseOptions_Errors(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{"未知のフラグ", "-unknown"},
		{"位置引数", "-debug extra"},
		{"不正なモード", "-mode=640_480"},
		{"未知のフォーマット", "-mode=640x480_MJPG"},
		{"モードとサイズの併用", "-mode=640x480 -width=640"},
		{"高さのみ", "-height=480"},
		{"フォーマットの矛盾", "-mode=640x480_YUV411 -format=UYVY"},
		{"標準外のレート", "-rate=12"},
		{"数値でないレート", "-rate=fast"},
		{"YUV出力", "-pixelformat=YUV411"},
		{"ノードのみ", "-node=1"},
		{"不正なバッファ数", "-buffers=1"},
		{"ヘルプ", "-help"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOptions(tt.config)
			if !errors.Is(err, ErrConfig) {
				t.Errorf("Expected ErrConfig, got %v", err)
			}
		})
	}
}
