package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"arvideo/internal/pixel"
)

// MockCounts はモックバックエンドの呼び出し回数
type MockCounts struct {
	Inits     int
	Shutdowns int
	Probes    int
	Opens     int
	Closes    int
	Starts    int
	Stops     int
	Polls     int
	Releases  int
	Features  int

	// AfterClose はクローズ後のデバイスに届いた Poll と Release の回数
	AfterClose int
}

// MockBackend はテスト用のモックバックエンド実装
// フレームはレートの間隔で完了し、輝度にシーケンス番号を持つ
type MockBackend struct {
	mu sync.Mutex

	name       string
	threadSafe bool
	caps       Capabilities
	counts     MockCounts

	shouldFailInit  bool
	shouldFailProbe bool
	shouldFailOpen  bool
	shouldFailStart bool

	pollErr      error
	pollErrTimes int
	pollDelay    time.Duration

	devices []*MockDevice
}

// DefaultMockCapabilities はモックが報告する既定の対応モード
func DefaultMockCapabilities() Capabilities {
	return Capabilities{
		{Mode: Mode{Width: 640, Height: 480, Format: pixel.FormatYUV411}, Rates: RatesUpTo(30)},
		{Mode: Mode{Width: 320, Height: 240, Format: pixel.FormatUYVY}, Rates: RatesUpTo(60)},
		{Mode: Mode{Width: 640, Height: 480, Format: pixel.FormatRGB24}, Rates: RatesUpTo(15)},
		{Mode: Mode{Width: 640, Height: 480, Format: pixel.FormatYUYV}, Rates: RatesUpTo(30)},
	}
}

// NewMockBackend は新しいMockBackendを作成する
func NewMockBackend(name string) *MockBackend {
	return &MockBackend{
		name:       name,
		threadSafe: true,
		caps:       DefaultMockCapabilities(),
	}
}

// Name はバックエンド名を返す
func (m *MockBackend) Name() string { return m.name }

// ThreadSafe はスレッドセーフかどうかを返す
func (m *MockBackend) ThreadSafe() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threadSafe
}

// Init は初期化回数を数える
func (m *MockBackend) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldFailInit {
		return errors.New("モック: 初期化に失敗")
	}
	m.counts.Inits++
	return nil
}

// Shutdown は終了回数を数える
func (m *MockBackend) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts.Shutdowns++
	return nil
}

// Probe はデバイスセレクタをそのままキーとして返す（空なら mock0）
func (m *MockBackend) Probe(_ context.Context, opts Options) (DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts.Probes++
	if m.shouldFailProbe {
		return DeviceInfo{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, opts.Device)
	}
	key := opts.Device
	if key == "" {
		key = "mock0"
	}
	return DeviceInfo{
		Key:          key,
		Name:         fmt.Sprintf("モックカメラ %s", key),
		Capabilities: append(Capabilities(nil), m.caps...),
	}, nil
}

// Open はモックデバイスを作成する
func (m *MockBackend) Open(_ context.Context, info DeviceInfo, neg Negotiated) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldFailOpen {
		return nil, errors.New("モック: オープンに失敗")
	}
	m.counts.Opens++

	d := &MockDevice{
		backend:  m,
		key:      info.Key,
		mode:     neg.Mode,
		interval: neg.Rate.FrameInterval(),
		features: make(map[Feature]int),
		held:     make(map[uint32]bool),
	}
	for i := range d.ring {
		d.ring[i] = make([]byte, neg.Mode.FrameSize())
	}
	m.devices = append(m.devices, d)
	return d, nil
}

// Counts は呼び出し回数のスナップショットを返す
func (m *MockBackend) Counts() MockCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts
}

// Devices はオープンされたデバイスを返す
func (m *MockBackend) Devices() []*MockDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockDevice(nil), m.devices...)
}

// SetThreadSafe はスレッドセーフ性を設定する
func (m *MockBackend) SetThreadSafe(safe bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threadSafe = safe
}

// SetCapabilities は対応モードを差し替える
func (m *MockBackend) SetCapabilities(caps Capabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps = caps
}

// SetShouldFailInit は Init を失敗させる
func (m *MockBackend) SetShouldFailInit(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFailInit = fail
}

// SetShouldFailProbe は Probe を失敗させる
func (m *MockBackend) SetShouldFailProbe(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFailProbe = fail
}

// SetShouldFailOpen は Open を失敗させる
func (m *MockBackend) SetShouldFailOpen(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFailOpen = fail
}

// SetShouldFailStart は Device.Start を失敗させる
func (m *MockBackend) SetShouldFailStart(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFailStart = fail
}

// SetPollError は次の times 回の Poll を err で失敗させる（負なら無制限）
func (m *MockBackend) SetPollError(err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollErr = err
	m.pollErrTimes = times
}

// SetPollDelay は Poll の中で d だけブロックさせる
func (m *MockBackend) SetPollDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollDelay = d
}

func (m *MockBackend) count(fn func(c *MockCounts)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.counts)
}

// nextPollError は Poll に注入するエラーを取り出す
func (m *MockBackend) nextPollError() (error, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts.Polls++
	delay := m.pollDelay
	if m.pollErr == nil || m.pollErrTimes == 0 {
		return nil, delay
	}
	if m.pollErrTimes > 0 {
		m.pollErrTimes--
	}
	return m.pollErr, delay
}

// MockDevice はモックバックエンドが返すデバイス
// 4面のリングを持ち、返却されていないバッファは再利用しない
type MockDevice struct {
	backend  *MockBackend
	key      string
	mode     Mode
	interval time.Duration

	mu       sync.Mutex
	ring     [4][]byte
	held     map[uint32]bool
	next     uint32
	seq      uint64
	due      time.Time
	started  bool
	closed   bool
	features map[Feature]int
}

// Start は取得を開始する
func (d *MockDevice) Start() error {
	d.backend.mu.Lock()
	fail := d.backend.shouldFailStart
	d.backend.mu.Unlock()
	if fail {
		return errors.New("モック: 開始に失敗")
	}

	d.backend.count(func(c *MockCounts) { c.Starts++ })

	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	d.due = time.Now().Add(d.interval)
	return nil
}

// Poll は期限を過ぎていれば次のフレームを返す
func (d *MockDevice) Poll() (RawFrame, bool, error) {
	err, delay := d.backend.nextPollError()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return RawFrame{}, false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.backend.count(func(c *MockCounts) { c.AfterClose++ })
		return RawFrame{}, false, errors.New("モック: クローズ済みのデバイスです")
	}
	if !d.started {
		return RawFrame{}, false, nil
	}
	now := time.Now()
	if now.Before(d.due) {
		return RawFrame{}, false, nil
	}
	idx := d.next % uint32(len(d.ring))
	if d.held[idx] {
		// 返却待ち
		return RawFrame{}, false, nil
	}

	d.seq++
	fillMockFrame(d.ring[idx], d.mode.Format, byte(d.seq))
	d.held[idx] = true
	d.next++
	d.due = d.due.Add(d.interval)
	if d.due.Before(now.Add(-4 * d.interval)) {
		d.due = now
	}
	return RawFrame{Data: d.ring[idx], Index: idx, Timestamp: now}, true, nil
}

// Release はバッファを返却する
func (d *MockDevice) Release(raw RawFrame) error {
	d.backend.count(func(c *MockCounts) { c.Releases++ })

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.backend.count(func(c *MockCounts) { c.AfterClose++ })
		return errors.New("モック: クローズ済みのデバイスです")
	}
	if !d.held[raw.Index] {
		return fmt.Errorf("モック: 保持されていないバッファです: %d", raw.Index)
	}
	delete(d.held, raw.Index)
	return nil
}

// Stop は取得を停止する
func (d *MockDevice) Stop() error {
	d.backend.count(func(c *MockCounts) { c.Stops++ })

	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}

// Close はデバイスを閉じる
func (d *MockDevice) Close() error {
	d.backend.count(func(c *MockCounts) { c.Closes++ })

	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// SetFeature は値を記録する
func (d *MockDevice) SetFeature(f Feature, value int) error {
	d.backend.count(func(c *MockCounts) { c.Features++ })

	d.mu.Lock()
	defer d.mu.Unlock()
	if f == FeatureIris {
		return fmt.Errorf("モック: %s は未対応です", f)
	}
	d.features[f] = value
	return nil
}

// Outstanding は返却されていないバッファ数を返す
func (d *MockDevice) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

// Feature は設定された調整項目の値を返す
func (d *MockDevice) Feature(f Feature) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.features[f]
	return v, ok
}

// Closed はクローズ済みかを返す
func (d *MockDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// fillMockFrame は輝度 y の灰色フレームを書き込む
func fillMockFrame(buf []byte, f pixel.Format, y byte) {
	switch f {
	case pixel.FormatYUV411:
		for i := 0; i+6 <= len(buf); i += 6 {
			buf[i], buf[i+1], buf[i+2], buf[i+3], buf[i+4], buf[i+5] = 128, y, y, 128, y, y
		}
	case pixel.FormatUYVY:
		for i := 0; i+4 <= len(buf); i += 4 {
			buf[i], buf[i+1], buf[i+2], buf[i+3] = 128, y, 128, y
		}
	case pixel.FormatYUYV:
		for i := 0; i+4 <= len(buf); i += 4 {
			buf[i], buf[i+1], buf[i+2], buf[i+3] = y, 128, y, 128
		}
	default:
		for i := range buf {
			buf[i] = y
		}
	}
}
