package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"arvideo/internal/camera"
)

// Name はバックエンド名
const Name = "ffmpeg"

// ringSize は読み込み済みフレームを保持するバッファ数
const ringSize = 4

// Backend は ffmpeg のサブプロセスから rawvideo を読み込む
// V4L2 デバイスと X11 画面を入力にできる
type Backend struct {
	binary string
}

// New は新しい Backend を作成する
func New() *Backend {
	return &Backend{binary: "ffmpeg"}
}

// Name はバックエンド名を返す
func (b *Backend) Name() string { return Name }

// ThreadSafe はデバイス毎に独立したプロセスのため true
func (b *Backend) ThreadSafe() bool { return true }

// Init は ffmpeg が実行できるかを確認する
func (b *Backend) Init() error {
	if _, err := exec.LookPath(b.binary); err != nil {
		return fmt.Errorf("ffmpeg が見つかりません: %w", err)
	}
	return nil
}

// Shutdown は何もしない
func (b *Backend) Shutdown() error { return nil }

// Probe は入力が利用可能かを確認する
func (b *Backend) Probe(ctx context.Context, opts camera.Options) (camera.DeviceInfo, error) {
	src, err := parseSelector(opts.Device)
	if err != nil {
		return camera.DeviceInfo{}, fmt.Errorf("%w: %w", camera.ErrDeviceNotFound, err)
	}

	name := src.path
	switch src.kind {
	case inputV4L2:
		if _, err := os.Stat(src.path); err != nil {
			return camera.DeviceInfo{}, fmt.Errorf("%w: %s", camera.ErrDeviceNotFound, src.path)
		}
	case inputX11:
		// xdpyinfoでX11ディスプレイの利用可能性をチェック
		if err := exec.CommandContext(ctx, "xdpyinfo", "-display", src.path).Run(); err != nil {
			return camera.DeviceInfo{}, fmt.Errorf("%w: X11ディスプレイ %s: %w", camera.ErrDeviceNotFound, src.path, err)
		}
		name = "画面キャプチャ " + src.path
	}

	return camera.DeviceInfo{
		Key:          src.key(),
		Name:         name,
		Capabilities: capabilities(),
	}, nil
}

// Open は引数を組み立てる。プロセスは Start で起動する
func (b *Backend) Open(_ context.Context, info camera.DeviceInfo, neg camera.Negotiated) (camera.Device, error) {
	src, err := parseSelector(info.Key)
	if err != nil {
		return nil, err
	}
	args, err := buildArgs(src, neg.Mode, neg.Rate)
	if err != nil {
		return nil, err
	}
	return newDevice(b.binary, args, neg.Mode.FrameSize()), nil
}

// device は ffmpeg プロセス1つ分
//
// 読み込みゴルーチンが空きバッファへ1フレームずつ読み込み、ready へ送る。
// Poll は ready から取り出すだけでブロックしない
type device struct {
	binary    string
	args      []string
	frameSize int

	mu     sync.Mutex
	ring   [ringSize][]byte
	free   chan uint32
	ready  chan uint32
	errc   chan error // 読み込みゴルーチンの終了理由（容量1）
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
	stderr *tailBuffer
}

func newDevice(binary string, args []string, frameSize int) *device {
	d := &device{
		binary:    binary,
		args:      args,
		frameSize: frameSize,
	}
	for i := range d.ring {
		d.ring[i] = make([]byte, frameSize)
	}
	return d
}

// Start は ffmpeg を起動して読み込みを始める
func (d *device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd != nil {
		return errors.New("ffmpeg は既に起動しています")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, d.binary, d.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	d.stderr = &tailBuffer{limit: 4096}
	cmd.Stderr = d.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	d.free = make(chan uint32, ringSize)
	d.ready = make(chan uint32, ringSize)
	d.errc = make(chan error, 1)
	for i := range d.ring {
		d.free <- uint32(i)
	}
	d.cmd = cmd
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.read(ctx, stdout, d.free, d.ready, d.errc, d.done)
	return nil
}

// read は1フレーム分ずつ標準出力を読み込む
func (d *device) read(ctx context.Context, stdout io.Reader, free <-chan uint32, ready chan<- uint32, errc chan<- error, done chan<- struct{}) {
	defer close(done)

	for {
		var idx uint32
		select {
		case <-ctx.Done():
			return
		case idx = <-free:
		}

		if _, err := io.ReadFull(stdout, d.ring[idx]); err != nil {
			if ctx.Err() == nil {
				errc <- fmt.Errorf("ffmpeg の出力が途切れました: %w (stderr: %s)", err, d.stderr.String())
			}
			return
		}
		ready <- idx
	}
}

func (d *device) Poll() (camera.RawFrame, bool, error) {
	d.mu.Lock()
	ready, errc := d.ready, d.errc
	d.mu.Unlock()

	if ready == nil {
		return camera.RawFrame{}, false, nil
	}
	// 読み込み済みのフレームを先に返す
	select {
	case idx := <-ready:
		return camera.RawFrame{Data: d.ring[idx], Index: idx, Timestamp: time.Now()}, true, nil
	default:
	}
	select {
	case err := <-errc:
		// エラーより前に読み込まれたフレームがあればそちらを返す
		select {
		case idx := <-ready:
			errc <- err
			return camera.RawFrame{Data: d.ring[idx], Index: idx, Timestamp: time.Now()}, true, nil
		default:
		}
		return camera.RawFrame{}, false, err
	default:
		return camera.RawFrame{}, false, nil
	}
}

func (d *device) Release(raw camera.RawFrame) error {
	d.mu.Lock()
	free := d.free
	d.mu.Unlock()

	if free == nil || int(raw.Index) >= ringSize {
		return fmt.Errorf("保持されていないバッファです: %d", raw.Index)
	}
	select {
	case free <- raw.Index:
		return nil
	default:
		return fmt.Errorf("バッファ %d は既に返却されています", raw.Index)
	}
}

// Stop はプロセスを終了させ、読み込みゴルーチンを待つ
func (d *device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil {
		return nil
	}
	d.cancel()
	<-d.done
	// キャンセルによる終了のため終了コードは無視する
	_ = d.cmd.Wait()

	d.cmd = nil
	d.free, d.ready, d.errc = nil, nil, nil
	return nil
}

func (d *device) Close() error {
	return d.Stop()
}

func (d *device) SetFeature(f camera.Feature, _ int) error {
	return fmt.Errorf("ffmpeg バックエンドは %s を設定できません", f)
}

// tailBuffer は stderr の末尾だけを保持する
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
