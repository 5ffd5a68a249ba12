package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"arvideo/internal/handoff"
	"arvideo/internal/pixel"
)

// maxDrain は1周期で読み捨てる完了済みバッファの上限
const maxDrain = 16

// sessionStats は取得ループとコンシューマが更新する統計
type sessionStats struct {
	captured atomic.Uint64
	dropped  atomic.Uint64
	errors   atomic.Uint64

	mu        sync.Mutex
	lastError string
}

func (s *sessionStats) recordError(err error) {
	s.errors.Add(1)
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

func (s *sessionStats) lastErr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// loopConfig は取得ループの動作設定
type loopConfig struct {
	interval  time.Duration // 周期待ちの長さ
	maxErrors int           // 連続エラーの上限
	overlay   bool          // フレーム番号を描画する
}

// acquisitionLoop はデバイスをポーリングしてハンドオフへ公開するゴルーチン
// scratch と seq はループ内だけで使う
type acquisitionLoop struct {
	dev     Device
	guard   backendGuard
	frames  *handoff.FrameBufferSet
	conv    *pixel.Converter
	mode    Mode
	output  pixel.Format
	scratch []byte
	seq     uint64

	cfg    loopConfig
	logger *slog.Logger
	stats  *sessionStats
	fatal  func(error)

	cancel context.CancelFunc
	done   chan struct{}
}

// newAcquisitionLoop はループを作成する（まだ開始しない）
func newAcquisitionLoop(dev Device, guard backendGuard, frames *handoff.FrameBufferSet, mode Mode, output pixel.Format, cfg loopConfig, stats *sessionStats, logger *slog.Logger, fatal func(error)) (*acquisitionLoop, error) {
	l := &acquisitionLoop{
		dev:    dev,
		guard:  guard,
		frames: frames,
		mode:   mode,
		output: output,
		cfg:    cfg,
		logger: logger,
		stats:  stats,
		fatal:  fatal,
		done:   make(chan struct{}),
	}

	outSize := output.FrameSize(mode.Width, mode.Height)
	if outSize != frames.FrameSize() {
		return nil, fmt.Errorf("バッファサイズが出力フォーマットと一致しません: %d != %d", frames.FrameSize(), outSize)
	}
	if mode.Format != output {
		conv, err := pixel.NewConverter(mode.Format, output, mode.Width, mode.Height)
		if err != nil {
			return nil, err
		}
		l.conv = conv
	}
	if l.conv != nil || cfg.overlay {
		l.scratch = make([]byte, outSize)
	}
	return l, nil
}

// start はループのゴルーチンを起動する
func (l *acquisitionLoop) start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.run(ctx)
}

// stop はキャンセルを要求し、ループの終了を最大 timeout だけ待つ
func (l *acquisitionLoop) stop(ctx context.Context, timeout time.Duration) error {
	l.cancel()
	return l.wait(ctx, timeout)
}

// wait はループの終了を待つ
func (l *acquisitionLoop) wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("取得ループが %v 以内に終了しませんでした", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *acquisitionLoop) run(ctx context.Context) {
	defer close(l.done)

	sl := newSleeper(ctx)
	consecutive := 0

	for {
		// デバイスへ触れる前の確認点
		if ctx.Err() != nil {
			return
		}

		if err := l.step(ctx); err != nil {
			l.stats.recordError(err)
			consecutive++
			if !IsTransient(err) || consecutive >= l.cfg.maxErrors {
				l.logger.Error("camera: 取得ループを終了します",
					"error", err,
					"consecutive_errors", consecutive)
				l.fatal(err)
				return
			}
			l.logger.Warn("camera: 取得エラー、次の周期で再試行します",
				"error", err,
				"consecutive_errors", consecutive)
		} else {
			consecutive = 0
		}

		if !sl.Sleep(l.cfg.interval) {
			return
		}
	}
}

// step は1周期分の poll → 変換 → 公開 → 再投入 を行う
func (l *acquisitionLoop) step(ctx context.Context) error {
	raw, ok, err := l.poll()
	if err != nil || !ok {
		return err
	}

	// 複数完了していれば最新のものだけを使う
	for i := 0; i < maxDrain && ctx.Err() == nil; i++ {
		next, more, err := l.poll()
		if err != nil {
			return errors.Join(err, l.release(raw))
		}
		if !more {
			break
		}
		if err := l.release(raw); err != nil {
			return errors.Join(err, l.release(next))
		}
		l.stats.dropped.Add(1)
		raw = next
	}

	err = l.deliver(raw)
	// 変換に失敗してもバッファは必ず返却してキューを空にしない
	if rerr := l.release(raw); rerr != nil {
		err = errors.Join(err, rerr)
	}
	return err
}

func (l *acquisitionLoop) poll() (RawFrame, bool, error) {
	var (
		raw RawFrame
		ok  bool
	)
	err := l.guard.do(func() error {
		var err error
		raw, ok, err = l.dev.Poll()
		return err
	})
	return raw, ok, err
}

func (l *acquisitionLoop) release(raw RawFrame) error {
	return l.guard.do(func() error {
		return l.dev.Release(raw)
	})
}

// deliver は変換してハンドオフへ公開する
// バックエンドのロックは保持していない
func (l *acquisitionLoop) deliver(raw RawFrame) error {
	size := l.mode.FrameSize()
	if len(raw.Data) < size {
		return Transient(fmt.Errorf("フレームが短すぎます: %d < %d", len(raw.Data), size))
	}

	src := raw.Data[:size]
	if l.conv != nil {
		if err := l.conv.Convert(l.scratch, src); err != nil {
			return fmt.Errorf("ピクセル変換に失敗: %w", err)
		}
		src = l.scratch
	} else if l.scratch != nil {
		copy(l.scratch, src)
		src = l.scratch
	}

	l.seq++
	if l.cfg.overlay {
		pixel.DrawCounter(src, l.output, l.mode.Width, l.mode.Height, l.seq)
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if err := l.frames.Publish(src, handoff.Meta{Seq: l.seq, Timestamp: ts}); err != nil {
		return err
	}
	l.stats.captured.Add(1)
	return nil
}
