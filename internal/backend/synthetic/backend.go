package synthetic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"arvideo/internal/camera"
	"arvideo/internal/pixel"
)

// Name はバックエンド名
const Name = "synthetic"

// ringSize はデバイス側のバッファ数
const ringSize = 16

var sizes = [][2]int{{320, 240}, {640, 480}}

var formats = []pixel.Format{pixel.FormatYUV411, pixel.FormatUYVY, pixel.FormatYUYV, pixel.FormatRGB24}

// Backend はカラーバーを生成する合成カメラ
// 実機のないテストやデモで使う
type Backend struct {
	mu      sync.Mutex
	pollErr error
}

// New は新しい Backend を作成する
func New() *Backend {
	return &Backend{}
}

// Name はバックエンド名を返す
func (b *Backend) Name() string { return Name }

// ThreadSafe は常に true
func (b *Backend) ThreadSafe() bool { return true }

// Init は何もしない
func (b *Backend) Init() error { return nil }

// Shutdown は何もしない
func (b *Backend) Shutdown() error { return nil }

// SetPollError はすべてのデバイスの Poll を err で失敗させる（nil で解除）
func (b *Backend) SetPollError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pollErr = err
}

func (b *Backend) injected() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pollErr
}

// Capabilities は合成カメラの対応モードを返す
func Capabilities() camera.Capabilities {
	var caps camera.Capabilities
	for _, s := range sizes {
		for _, f := range formats {
			caps = append(caps, camera.ModeCaps{
				Mode:  camera.Mode{Width: s[0], Height: s[1], Format: f},
				Rates: camera.RatesUpTo(60),
			})
		}
	}
	return caps
}

// Probe はセレクタをそのままキーにする（空なら pattern0）
func (b *Backend) Probe(_ context.Context, opts camera.Options) (camera.DeviceInfo, error) {
	key := opts.Device
	if key == "" {
		key = "pattern0"
	}
	return camera.DeviceInfo{
		Key:          key,
		Name:         fmt.Sprintf("テストパターン %s", key),
		Capabilities: Capabilities(),
	}, nil
}

// Open はデバイスを作成する
func (b *Backend) Open(_ context.Context, info camera.DeviceInfo, neg camera.Negotiated) (camera.Device, error) {
	if _, ok := info.Capabilities.Lookup(neg.Mode); !ok {
		return nil, fmt.Errorf("%w: %s", camera.ErrModeUnsupported, neg.Mode)
	}
	interval := neg.Rate.FrameInterval()
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %s", camera.ErrRateUnsupported, neg.Rate)
	}

	d := &device{
		backend:  b,
		mode:     neg.Mode,
		interval: interval,
		features: make(map[camera.Feature]int),
	}
	for i := range d.ring {
		d.ring[i].data = make([]byte, neg.Mode.FrameSize())
	}
	return d, nil
}

type buffer struct {
	data []byte
	held bool
}

// device は合成カメラ1台分
// バッファは Release されるまで再利用しない
type device struct {
	backend  *Backend
	mode     camera.Mode
	interval time.Duration

	mu        sync.Mutex
	ring      [ringSize]buffer
	next      int
	seq       uint64
	due       time.Time
	streaming bool
	features  map[camera.Feature]int
}

func (d *device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.streaming {
		return fmt.Errorf("既にストリーミング中です")
	}
	d.streaming = true
	d.due = time.Now().Add(d.interval)
	return nil
}

func (d *device) Poll() (camera.RawFrame, bool, error) {
	if err := d.backend.injected(); err != nil {
		return camera.RawFrame{}, false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.streaming {
		return camera.RawFrame{}, false, nil
	}
	now := time.Now()
	if now.Before(d.due) {
		return camera.RawFrame{}, false, nil
	}

	buf := &d.ring[d.next]
	if buf.held {
		// キューが空になっている。返却されるまでフレームは完了しない
		return camera.RawFrame{}, false, nil
	}

	d.seq++
	Fill(buf.data, d.mode.Format, d.mode.Width, d.mode.Height, d.seq)
	buf.held = true
	idx := d.next
	d.next = (d.next + 1) % ringSize

	d.due = d.due.Add(d.interval)
	if d.due.Before(now.Add(-ringSize * d.interval)) {
		d.due = now
	}
	return camera.RawFrame{Data: buf.data, Index: uint32(idx), Timestamp: now}, true, nil
}

func (d *device) Release(raw camera.RawFrame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if int(raw.Index) >= ringSize || !d.ring[raw.Index].held {
		return fmt.Errorf("保持されていないバッファです: %d", raw.Index)
	}
	d.ring[raw.Index].held = false
	return nil
}

func (d *device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streaming = false
	return nil
}

func (d *device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streaming = false
	return nil
}

func (d *device) SetFeature(f camera.Feature, value int) error {
	if value < 0 || value > 4095 {
		return fmt.Errorf("%s の値が範囲外です: %d", f, value)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.features[f] = value
	return nil
}
