package camera

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"arvideo/internal/handoff"
	"arvideo/internal/pixel"
)

// Session は1台のデバイスに対するキャプチャセッション
//
// 状態遷移: opened -> capturing -> stopped -> capturing | closed
// ライフサイクル操作は mu で直列化し、GetImage などコンシューマ側の操作は
// mu を取らずにハンドオフ経由でフレームを受け取る
type Session struct {
	id       string
	key      string
	backend  Backend
	info     DeviceInfo
	neg      Negotiated
	opts     Options
	output   pixel.Format
	guard    backendGuard
	cfg      Config
	openedAt time.Time

	registry *Registry
	logger   *slog.Logger

	// frames はオープン時に確保し、以後差し替えない
	frames *handoff.FrameBufferSet

	mu    sync.Mutex
	dev   Device
	loop  *acquisitionLoop
	state atomic.Value // State

	closed   atomic.Bool
	degraded atomic.Bool
	stats    sessionStats

	// コンシューマ側のバッファ（フレーム毎に交互に使う）
	imageMu  sync.Mutex
	images   [2][]byte
	next     int
	last     *Image
	acquired uint64
}

func newSession(id, key string, b Backend, info DeviceInfo, neg Negotiated, opts Options, guard backendGuard, dev Device, frames *handoff.FrameBufferSet, cfg Config, r *Registry, logger *slog.Logger) *Session {
	s := &Session{
		id:       id,
		key:      key,
		backend:  b,
		info:     info,
		neg:      neg,
		opts:     opts,
		output:   opts.Output,
		guard:    guard,
		cfg:      cfg,
		openedAt: time.Now(),
		registry: r,
		logger:   logger.With("session", id, "device", key),
		frames:   frames,
		dev:      dev,
	}
	s.state.Store(StateOpened)
	return s
}

// ID はセッションIDを返す
func (s *Session) ID() string { return s.id }

// Key はレジストリ上のデバイスキーを返す
func (s *Session) Key() string { return s.key }

// State は現在の状態を返す
func (s *Session) State() State { return s.state.Load().(State) }

// Health は健全性を返す
func (s *Session) Health() Health {
	if s.degraded.Load() {
		return HealthDegraded
	}
	return HealthHealthy
}

// Mode はネゴシエーション済みのモードを返す
func (s *Session) Mode() Mode { return s.neg.Mode }

// Rate はネゴシエーション済みのフレームレートを返す
func (s *Session) Rate() Rate { return s.neg.Rate }

// Output は GetImage が返すフレームのフォーマットを返す
func (s *Session) Output() pixel.Format { return s.output }

// Start はキャプチャを開始し、取得ループを起動する
func (s *Session) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateClosed:
		return opError("start", s.key, ErrPrecondition, "クローズ済みのセッションです")
	case StateCapturing:
		return opError("start", s.key, ErrAlreadyCapturing, "")
	}
	if s.loop != nil {
		// 前回の停止で終了を確認できなかったループ
		select {
		case <-s.loop.done:
			s.loop = nil
			if err := s.guard.do(s.dev.Stop); err != nil {
				s.logger.Warn("camera: デバイスの停止に失敗しました", "error", err)
			}
		default:
			return opError("start", s.key, ErrPrecondition, "前回の取得ループが終了していません")
		}
	}

	interval := pollInterval(s.neg.Rate.FrameInterval(), s.cfg.PollMin, s.cfg.PollMax)
	loop, err := newAcquisitionLoop(s.dev, s.guard, s.frames, s.neg.Mode, s.output, loopConfig{
		interval:  interval,
		maxErrors: s.cfg.MaxConsecutiveErrors,
		overlay:   s.opts.FPS,
	}, &s.stats, s.logger, s.markDegraded)
	if err != nil {
		return opError("start", s.key, ErrBackendStartFailed, "%v", err)
	}

	if err := s.guard.do(s.dev.Start); err != nil {
		return opError("start", s.key, ErrBackendStartFailed, "%v", err)
	}

	s.degraded.Store(false)
	s.loop = loop
	loop.start()
	s.state.Store(StateCapturing)

	s.logger.Info("camera: キャプチャを開始しました",
		"mode", s.neg.Mode.String(),
		"rate", s.neg.Rate.String(),
		"poll_interval", interval)
	return nil
}

// Stop は取得ループを停止してデバイスの取得を止める
// 停止済みのセッションに対しては何もしない
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateClosed:
		return opError("stop", s.key, ErrPrecondition, "クローズ済みのセッションです")
	case StateOpened:
		return opError("stop", s.key, ErrNotCapturing, "")
	case StateStopped:
		return nil
	}

	if err := s.loop.stop(ctx, s.cfg.StopTimeout); err != nil {
		// ループがまだデバイスを触っている可能性があるため、デバイスの停止は Close に任せる
		s.degraded.Store(true)
		s.state.Store(StateStopped)
		s.logger.Error("camera: 取得ループの停止待機に失敗しました", "error", err)
		return &Error{Op: "stop", Device: s.key, Err: err}
	}
	s.loop = nil

	err := s.guard.do(s.dev.Stop)
	s.state.Store(StateStopped)
	if err != nil {
		s.logger.Warn("camera: デバイスの停止に失敗しました", "error", err)
		return &Error{Op: "stop", Device: s.key, Err: err}
	}

	s.logger.Info("camera: キャプチャを停止しました", "frames", s.stats.captured.Load())
	return nil
}

// Close はデバイスを閉じてレジストリから外す
// キャプチャ中に呼ぶのは呼び出し側の誤りで、ErrPrecondition を返す
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()

	switch s.State() {
	case StateClosed:
		s.mu.Unlock()
		return opError("close", s.key, ErrPrecondition, "既にクローズされています")
	case StateCapturing:
		s.mu.Unlock()
		s.logger.Error("camera: キャプチャ中のセッションをクローズしようとしました")
		return opError("close", s.key, ErrPrecondition, "キャプチャ中のセッションはクローズできません。先に Stop を呼んでください")
	}

	if s.loop != nil {
		// ループがデバイスを触っている間はデバイスもキーも手放さない
		if err := s.loop.wait(ctx, s.cfg.StopTimeout); err != nil {
			s.mu.Unlock()
			s.logger.Error("camera: 取得ループが終了していないためクローズできません", "error", err)
			return opError("close", s.key, ErrPrecondition, "取得ループが終了していません: %v", err)
		}
		s.loop = nil
		// Stop がタイムアウトした場合はデバイスの停止がまだ
		if err := s.guard.do(s.dev.Stop); err != nil {
			s.logger.Warn("camera: デバイスの停止に失敗しました", "error", err)
		}
	}

	err := s.guard.do(s.dev.Close)
	s.dev = nil
	s.closed.Store(true)
	s.state.Store(StateClosed)
	s.mu.Unlock()

	s.imageMu.Lock()
	s.images = [2][]byte{}
	s.last = nil
	s.imageMu.Unlock()

	s.registry.release(s)
	s.logger.Info("camera: セッションをクローズしました")

	if err != nil {
		return &Error{Op: "close", Device: s.key, Err: err}
	}
	return nil
}

// GetImage は最新のフレームを返す。ブロックしない
//
// 前回以降に新しいフレームが公開されていれば Fresh=true で返し、
// なければ前回と同じフレームを Fresh=false で返す。
// フレームが一度も公開されていない場合と、取得ループが異常終了した場合は nil を返す。
// 返された Data は次の次の GetImage 呼び出しまで有効。
func (s *Session) GetImage() (*Image, error) {
	if s.closed.Load() {
		return nil, opError("getImage", s.key, ErrPrecondition, "クローズ済みのセッションです")
	}
	if s.degraded.Load() {
		return nil, nil
	}

	s.imageMu.Lock()
	defer s.imageMu.Unlock()

	// ready を落とすのはこのコンシューマだけなので、false なら取得しても前回と同じフレーム
	if !s.frames.Ready() {
		return s.stale(), nil
	}

	buf := s.images[s.next]
	if buf == nil {
		buf = make([]byte, s.frames.FrameSize())
		s.images[s.next] = buf
	}

	meta, n, fresh := s.frames.AcquireLatestInto(buf)
	if !fresh {
		return s.stale(), nil
	}

	s.next ^= 1
	s.acquired++
	img := &Image{
		Data:      buf[:n],
		Width:     s.neg.Mode.Width,
		Height:    s.neg.Mode.Height,
		Format:    s.output,
		Seq:       meta.Seq,
		Timestamp: meta.Timestamp,
		Fresh:     true,
	}
	s.last = img
	return img, nil
}

// stale は前回のフレームを Fresh=false で返す（imageMu 取得済み前提）
func (s *Session) stale() *Image {
	if s.last == nil {
		return nil
	}
	img := *s.last
	img.Fresh = false
	return &img
}

// Snapshot は最新フレームのコピーを返す
// ready フラグを消費しないため、描画ループと並行してプレビューから呼べる
func (s *Session) Snapshot() (*Image, error) {
	if s.closed.Load() {
		return nil, opError("snapshot", s.key, ErrPrecondition, "クローズ済みのセッションです")
	}
	if s.degraded.Load() {
		return nil, nil
	}

	buf := make([]byte, s.frames.FrameSize())
	meta, n, ok := s.frames.Peek(buf)
	if !ok {
		return nil, nil
	}
	return &Image{
		Data:      buf[:n],
		Width:     s.neg.Mode.Width,
		Height:    s.neg.Mode.Height,
		Format:    s.output,
		Seq:       meta.Seq,
		Timestamp: meta.Timestamp,
	}, nil
}

// InquireSize は画像サイズを返す
func (s *Session) InquireSize() (int, int, error) {
	if s.closed.Load() {
		return 0, 0, opError("inquireSize", s.key, ErrPrecondition, "クローズ済みのセッションです")
	}
	return s.neg.Mode.Width, s.neg.Mode.Height, nil
}

// Stats は統計情報を返す
func (s *Session) Stats() Stats {
	fs := s.frames.Stats()

	s.imageMu.Lock()
	acquired := s.acquired
	s.imageMu.Unlock()

	return Stats{
		FramesCaptured: s.stats.captured.Load(),
		FramesDropped:  s.stats.dropped.Load() + fs.Dropped,
		FramesAcquired: acquired,
		Errors:         s.stats.errors.Load(),
		LastError:      s.stats.lastErr(),
	}
}

// Info はセッションの状態をまとめて返す
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:       s.id,
		Backend:  s.backend.Name(),
		Device:   s.info.Key,
		Name:     s.info.Name,
		Mode:     s.neg.Mode.String(),
		Output:   s.output.String(),
		Rate:     s.neg.Rate.String(),
		Width:    s.neg.Mode.Width,
		Height:   s.neg.Mode.Height,
		Buffers:  s.frames.Slots(),
		State:    s.State(),
		Health:   s.Health(),
		OpenedAt: s.openedAt,
		Stats:    s.Stats(),
	}
}

// markDegraded は取得ループの異常終了時に呼ばれる
func (s *Session) markDegraded(err error) {
	s.degraded.Store(true)
	s.logger.Error("camera: セッションを劣化状態にしました", "error", err)
}
