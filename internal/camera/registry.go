package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"arvideo/internal/handoff"
	"arvideo/internal/pixel"
)

// Config はレジストリが作成するセッションの共通設定
type Config struct {
	PollMin              time.Duration // 周期待ちの下限
	PollMax              time.Duration // 周期待ちの上限
	StopTimeout          time.Duration // 停止時の取得ループ待ちの上限
	MaxConsecutiveErrors int           // 取得ループを終了させる連続エラー数
	Buffers              int           // -buffers 省略時のスロット数
}

// DefaultConfig は既定の設定を返す
func DefaultConfig() Config {
	return Config{
		PollMin:              20 * time.Millisecond,
		PollMax:              100 * time.Millisecond,
		StopTimeout:          3 * time.Second,
		MaxConsecutiveErrors: 10,
		Buffers:              2,
	}
}

// Registry はプロセス内のセッションを管理する
//
// デバイス毎にセッションは高々1つで、バックエンドの初期化と終了は
// 参照カウントで行う（最初のオープンで Init、最後のクローズで Shutdown）
type Registry struct {
	backends *BackendSet
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // デバイスキー -> セッション
	byID     map[string]*Session
	reserved map[string]struct{} // オープン処理中のデバイスキー
	refs     map[string]int      // バックエンド名 -> 参照数
	guards   map[string]*sync.Mutex
}

// RegistryOption はレジストリの設定関数
type RegistryOption func(*Registry)

// WithConfig はセッションの共通設定を指定する
func WithConfig(cfg Config) RegistryOption {
	return func(r *Registry) { r.cfg = cfg }
}

// WithLogger はロガーを指定する
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry は新しいレジストリを作成する
func NewRegistry(backends *BackendSet, opts ...RegistryOption) *Registry {
	r := &Registry{
		backends: backends,
		cfg:      DefaultConfig(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		sessions: make(map[string]*Session),
		byID:     make(map[string]*Session),
		reserved: make(map[string]struct{}),
		refs:     make(map[string]int),
		guards:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open は設定文字列を解析してデバイスを開く
// 失敗した場合は途中で確保したものをすべて解放する
func (r *Registry) Open(ctx context.Context, config string) (*Session, error) {
	opts, err := ParseOptions(config)
	if err != nil {
		r.logger.Error("camera: 設定文字列の解析に失敗しました", "config", config, "error", err)
		r.logger.Info("camera: 利用可能なオプション\n" + r.ListOptions())
		return nil, err
	}

	b, err := r.backends.Lookup(opts.Backend)
	if err != nil {
		return nil, opError("open", "", ErrConfig, "%v", err)
	}
	if opts.Buffers == 0 {
		opts.Buffers = r.cfg.Buffers
	}

	if err := r.acquireBackend(b); err != nil {
		return nil, &Error{Op: "open", Err: fmt.Errorf("バックエンド %s の初期化に失敗: %w", b.Name(), err)}
	}
	committed := false
	defer func() {
		if !committed {
			r.releaseBackend(b)
		}
	}()

	guard := r.guardFor(b)

	var info DeviceInfo
	err = guard.do(func() error {
		var err error
		info, err = b.Probe(ctx, opts)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrDeviceNotFound) {
			err = fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
		}
		return nil, &Error{Op: "open", Device: opts.Device, Err: err}
	}

	key := b.Name() + ":" + info.Key
	if err := r.reserve(key); err != nil {
		return nil, err
	}
	defer func() {
		if !committed {
			r.unreserve(key)
		}
	}()

	neg, err := negotiate(key, info, opts)
	if err != nil {
		return nil, err
	}

	// 変換可否とスロットはデバイスを開く前に確認する
	outSize := opts.Output.FrameSize(neg.Mode.Width, neg.Mode.Height)
	frames, err := handoff.New(outSize, opts.Buffers)
	if err != nil {
		return nil, opError("open", key, ErrModeUnsupported, "%v", err)
	}
	if neg.Mode.Format != opts.Output {
		if _, err := pixel.NewConverter(neg.Mode.Format, opts.Output, neg.Mode.Width, neg.Mode.Height); err != nil {
			return nil, opError("open", key, ErrModeUnsupported, "%s から %s へ変換できません: %v", neg.Mode, opts.Output, err)
		}
	}

	var dev Device
	err = guard.do(func() error {
		var err error
		dev, err = b.Open(ctx, info, neg)
		return err
	})
	if err != nil {
		return nil, &Error{Op: "open", Device: key, Err: err}
	}

	for f, v := range neg.Features {
		if err := guard.do(func() error { return dev.SetFeature(f, v) }); err != nil {
			r.logger.Warn("camera: 調整項目を設定できませんでした", "device", key, "feature", f, "value", v, "error", err)
		}
	}

	s := newSession(uuid.New().String(), key, b, info, neg, opts, guard, dev, frames, r.cfg, r, r.logger)

	r.mu.Lock()
	delete(r.reserved, key)
	r.sessions[key] = s
	r.byID[s.id] = s
	r.mu.Unlock()
	committed = true

	r.logger.Info("camera: デバイスを開きました",
		"session", s.id,
		"device", key,
		"name", info.Name,
		"mode", neg.Mode.String(),
		"rate", neg.Rate.String(),
		"output", opts.Output.String(),
		"buffers", opts.Buffers)
	return s, nil
}

// negotiate は要求モードとレートを能力と照合する
// 対応していなければフォールバックせずに失敗する
func negotiate(key string, info DeviceInfo, opts Options) (Negotiated, error) {
	mc, ok := info.Capabilities.Match(opts.Mode)
	if !ok {
		return Negotiated{}, opError("open", key, ErrModeUnsupported, "要求モード %s は対応モード [%s] にありません", describeMode(opts.Mode), describeCaps(info.Capabilities))
	}

	rate := opts.Rate
	if rate == RateAuto {
		if r, ok := RateOf(30); ok && mc.Rates.Has(r) {
			rate = r
		} else if r, ok := mc.Rates.Max(); ok {
			rate = r
		} else {
			return Negotiated{}, opError("open", key, ErrRateUnsupported, "モード %s に対応レートがありません", mc.Mode)
		}
	} else if !mc.Rates.Has(rate) {
		return Negotiated{}, opError("open", key, ErrRateUnsupported, "モード %s は %s fps に対応していません", mc.Mode, rate)
	}

	return Negotiated{
		Mode:     mc.Mode,
		Rate:     rate,
		Features: opts.Features,
		Debug:    opts.Debug,
	}, nil
}

func describeMode(m Mode) string {
	if m.IsZero() {
		return "(既定)"
	}
	w, h, f := "*", "*", "*"
	if m.Width != 0 {
		w, h = fmt.Sprint(m.Width), fmt.Sprint(m.Height)
	}
	if m.Format.BitsPerPixel() != 0 {
		f = m.Format.String()
	}
	return fmt.Sprintf("%sx%s_%s", w, h, f)
}

func describeCaps(c Capabilities) string {
	modes := make([]string, 0, len(c))
	for _, mc := range c {
		modes = append(modes, mc.Mode.String())
	}
	return strings.Join(modes, " ")
}

// acquireBackend は参照を1つ増やし、最初の参照で Init を呼ぶ
func (r *Registry) acquireBackend(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs[b.Name()] == 0 {
		if err := b.Init(); err != nil {
			return err
		}
		r.logger.Debug("camera: バックエンドを初期化しました", "backend", b.Name())
	}
	r.refs[b.Name()]++
	return nil
}

// releaseBackend は参照を1つ減らし、最後の参照で Shutdown を呼ぶ
func (r *Registry) releaseBackend(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refs[b.Name()]--
	if r.refs[b.Name()] > 0 {
		return
	}
	delete(r.refs, b.Name())
	if err := b.Shutdown(); err != nil {
		r.logger.Warn("camera: バックエンドの終了に失敗しました", "backend", b.Name(), "error", err)
		return
	}
	r.logger.Debug("camera: バックエンドを終了しました", "backend", b.Name())
}

// guardFor はバックエンド用のプロセス全体のロックを返す
func (r *Registry) guardFor(b Backend) backendGuard {
	if b.ThreadSafe() {
		return backendGuard{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.guards[b.Name()]
	if !ok {
		g = &sync.Mutex{}
		r.guards[b.Name()] = g
	}
	return backendGuard{mu: g}
}

// reserve はデバイスキーを予約する
func (r *Registry) reserve(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[key]; ok {
		return opError("open", key, ErrDeviceBusy, "既に別のセッションが開いています")
	}
	if _, ok := r.reserved[key]; ok {
		return opError("open", key, ErrDeviceBusy, "別のオープン処理が進行中です")
	}
	r.reserved[key] = struct{}{}
	return nil
}

func (r *Registry) unreserve(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, key)
}

// release はクローズされたセッションを取り除く
func (r *Registry) release(s *Session) {
	r.mu.Lock()
	if r.sessions[s.key] == s {
		delete(r.sessions, s.key)
	}
	delete(r.byID, s.id)
	r.mu.Unlock()

	r.releaseBackend(s.backend)
}

// Get はIDでセッションを取得する
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	return s, ok
}

// Sessions はオープン中のセッションをオープン順に返す
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].openedAt.Before(sessions[j].openedAt)
	})
	return sessions
}

// BackendRefs はバックエンドの参照数を返す
func (r *Registry) BackendRefs(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[name]
}

// Backends は利用可能なバックエンド名を返す
func (r *Registry) Backends() []string {
	return r.backends.Names()
}

// ListOptions は設定文字列のヘルプを返す
func (r *Registry) ListOptions() string {
	var b strings.Builder
	b.WriteString(Usage())
	fmt.Fprintf(&b, "\nバックエンド (既定: %s):\n  %s\n", r.backends.Default(), strings.Join(r.backends.Names(), ", "))
	return b.String()
}

// Shutdown はすべてのセッションを停止してクローズする
func (r *Registry) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	for _, s := range r.Sessions() {
		if s.State() == StateCapturing {
			if err := s.Stop(ctx); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := s.Close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
