//go:build linux

package v4l2

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blackjack/webcam"

	"arvideo/internal/camera"
)

// Name はバックエンド名
const Name = "v4l2"

// bufferCount はドライバに要求するバッファ数
const bufferCount = 16

// Backend は blackjack/webcam を使った V4L2 キャプチャ
// ドライバへの ioctl は直列化が必要なためスレッドセーフではない
type Backend struct {
	discovery *Discovery
}

// New は新しい Backend を作成する
func New() *Backend {
	return &Backend{discovery: NewDiscovery()}
}

// Name はバックエンド名を返す
func (b *Backend) Name() string { return Name }

// ThreadSafe は false を返す
func (b *Backend) ThreadSafe() bool { return false }

// Init は何もしない
func (b *Backend) Init() error { return nil }

// Shutdown は何もしない
func (b *Backend) Shutdown() error { return nil }

// Probe はデバイスを開いて対応フォーマットとサイズを列挙する
func (b *Backend) Probe(ctx context.Context, opts camera.Options) (camera.DeviceInfo, error) {
	path, err := b.discovery.Resolve(ctx, opts.Device)
	if err != nil {
		return camera.DeviceInfo{}, fmt.Errorf("%w: %w", camera.ErrDeviceNotFound, err)
	}
	if !b.discovery.IsDeviceAvailable(path) {
		return camera.DeviceInfo{}, fmt.Errorf("%w: %s", camera.ErrDeviceNotFound, path)
	}

	cam, err := webcam.Open(path)
	if err != nil {
		return camera.DeviceInfo{}, fmt.Errorf("%w: %s: %w", camera.ErrDeviceNotFound, path, err)
	}
	defer func() {
		_ = cam.Close()
	}()

	formats := make(map[uint32][]frameSize)
	for pf := range cam.GetSupportedFormats() {
		if _, ok := formatOf(uint32(pf)); !ok {
			continue
		}
		for _, s := range cam.GetSupportedFrameSizes(pf) {
			formats[uint32(pf)] = append(formats[uint32(pf)], frameSize{
				MinWidth: s.MinWidth, MaxWidth: s.MaxWidth, StepWidth: s.StepWidth,
				MinHeight: s.MinHeight, MaxHeight: s.MaxHeight, StepHeight: s.StepHeight,
			})
		}
	}

	caps := buildCapabilities(formats)
	if len(caps) == 0 {
		return camera.DeviceInfo{}, fmt.Errorf("%w: %s は対応フォーマット (YUYV, UYVY, RGB3) を持ちません", camera.ErrModeUnsupported, path)
	}

	return camera.DeviceInfo{
		Key:          path,
		Name:         b.discovery.DeviceName(ctx, path),
		Capabilities: caps,
	}, nil
}

// Open はネゴシエーション済みのフォーマットを設定する
func (b *Backend) Open(_ context.Context, info camera.DeviceInfo, neg camera.Negotiated) (camera.Device, error) {
	cc, ok := fourccOf(neg.Mode.Format)
	if !ok {
		return nil, fmt.Errorf("%w: %s", camera.ErrModeUnsupported, neg.Mode)
	}

	cam, err := webcam.Open(info.Key)
	if err != nil {
		return nil, fmt.Errorf("デバイスのオープンに失敗: %w", err)
	}

	got, w, h, err := cam.SetImageFormat(webcam.PixelFormat(cc), uint32(neg.Mode.Width), uint32(neg.Mode.Height))
	if err != nil {
		_ = cam.Close()
		return nil, fmt.Errorf("フォーマットの設定に失敗: %w", err)
	}
	// ドライバが別のサイズへ丸めた場合はフォールバックせず失敗させる
	if uint32(got) != cc || int(w) != neg.Mode.Width || int(h) != neg.Mode.Height {
		_ = cam.Close()
		return nil, fmt.Errorf("%w: 要求 %s に対して %dx%d_%s が設定されました",
			camera.ErrModeUnsupported, neg.Mode, w, h, fourccString(uint32(got)))
	}

	if err := cam.SetBufferCount(bufferCount); err != nil {
		_ = cam.Close()
		return nil, fmt.Errorf("バッファ数の設定に失敗: %w", err)
	}

	return &device{cam: cam, path: info.Key}, nil
}

type device struct {
	cam  *webcam.Webcam
	path string

	mu        sync.Mutex
	streaming bool
}

func (d *device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.cam.StartStreaming(); err != nil {
		return fmt.Errorf("ストリーミングの開始に失敗: %w", err)
	}
	d.streaming = true
	return nil
}

// Poll は待たずに完了済みバッファを1つ取り出す
func (d *device) Poll() (camera.RawFrame, bool, error) {
	err := d.cam.WaitForFrame(0)
	switch err.(type) {
	case nil:
	case *webcam.Timeout:
		return camera.RawFrame{}, false, nil
	default:
		return camera.RawFrame{}, false, fmt.Errorf("フレーム待ちに失敗: %w", err)
	}

	frame, index, err := d.cam.GetFrame()
	if err != nil {
		// EAGAIN などは次の周期で再試行する
		return camera.RawFrame{}, false, camera.Transient(fmt.Errorf("フレームの取得に失敗: %w", err))
	}
	if len(frame) == 0 {
		_ = d.cam.ReleaseFrame(index)
		return camera.RawFrame{}, false, nil
	}
	return camera.RawFrame{Data: frame, Index: index, Timestamp: time.Now()}, true, nil
}

func (d *device) Release(raw camera.RawFrame) error {
	if err := d.cam.ReleaseFrame(raw.Index); err != nil {
		return fmt.Errorf("バッファ %d の再投入に失敗: %w", raw.Index, err)
	}
	return nil
}

func (d *device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.streaming {
		return nil
	}
	d.streaming = false
	if err := d.cam.StopStreaming(); err != nil {
		return fmt.Errorf("ストリーミングの停止に失敗: %w", err)
	}
	return nil
}

func (d *device) Close() error {
	return d.cam.Close()
}

// SetFeature は名前の一致する V4L2 コントロールへ値を書き込む
func (d *device) SetFeature(f camera.Feature, value int) error {
	if f == camera.FeatureWhiteBalance {
		// 手動値を使うため自動ホワイトバランスを切る
		if err := d.cam.SetAutoWhiteBalance(false); err != nil {
			return fmt.Errorf("自動ホワイトバランスの解除に失敗: %w", err)
		}
	}

	controls := d.cam.GetControls()
	for _, want := range controlNames[f] {
		for id, c := range controls {
			if strings.EqualFold(c.Name, want) {
				return d.cam.SetControl(id, int32(value))
			}
		}
	}
	return errors.New(d.path + ": " + string(f) + " に対応するコントロールがありません")
}
