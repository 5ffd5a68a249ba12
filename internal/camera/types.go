package camera

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"arvideo/internal/pixel"
)

// State はセッションのライフサイクル状態を表す
type State string

const (
	StateClosed    State = "closed"    // クローズ済み（終端）
	StateOpened    State = "opened"    // オープン済み、未開始
	StateCapturing State = "capturing" // キャプチャ中
	StateStopped   State = "stopped"   // 停止済み（再開可能）
)

// Health はセッションの健全性を表す
type Health string

const (
	HealthHealthy  Health = "healthy"  // 正常
	HealthDegraded Health = "degraded" // 取得ループが異常終了し、フレームを返さない
)

// Mode は解像度とデバイス側のピクセル配置の組
// デバイスとのネゴシエーション後はセッション中に変更されない
type Mode struct {
	Width  int
	Height int
	Format pixel.Format
}

// String は "640x480_YUV411" 形式の表記を返す
func (m Mode) String() string {
	return fmt.Sprintf("%dx%d_%s", m.Width, m.Height, m.Format)
}

// FrameSize はデバイス側1フレームのバイト数を返す
func (m Mode) FrameSize() int {
	return m.Format.FrameSize(m.Width, m.Height)
}

// IsZero はモードが未指定かどうかを返す
func (m Mode) IsZero() bool {
	return m.Width == 0 && m.Height == 0 && m.Format == pixel.FormatUnknown
}

// ParseMode は "WxH_FORMAT" 形式を解析する（FORMAT は省略可）
func ParseMode(s string) (Mode, error) {
	var m Mode
	size, format, hasFormat := strings.Cut(s, "_")
	ws, hs, ok := strings.Cut(strings.ToLower(size), "x")
	if !ok {
		return m, fmt.Errorf("モードの形式が不正です: %q", s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil || w <= 0 {
		return m, fmt.Errorf("モードの幅が不正です: %q", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h <= 0 {
		return m, fmt.Errorf("モードの高さが不正です: %q", s)
	}
	m.Width, m.Height = w, h
	if hasFormat {
		f, err := pixel.ParseFormat(format)
		if err != nil {
			return m, err
		}
		m.Format = f
	}
	return m, nil
}

// Rate は標準フレームレート表の添字
type Rate int

// RateAuto はデバイスの既定レートを使うことを表す
const RateAuto Rate = -1

// standardRates は設定文字列で指定できるフレームレート
var standardRates = []float64{1.875, 3.75, 5, 7.5, 10, 15, 20, 24, 25, 30, 50, 60}

// Rates はすべての標準フレームレートを返す
func Rates() []Rate {
	rates := make([]Rate, len(standardRates))
	for i := range standardRates {
		rates[i] = Rate(i)
	}
	return rates
}

// RateOf は fps に一致する標準レートを返す
func RateOf(fps float64) (Rate, bool) {
	for i, r := range standardRates {
		if math.Abs(r-fps) < 1e-6 {
			return Rate(i), true
		}
	}
	return RateAuto, false
}

// ParseRate は "30" や "7.5" を解析する
func ParseRate(s string) (Rate, error) {
	fps, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return RateAuto, fmt.Errorf("フレームレートが不正です: %q", s)
	}
	r, ok := RateOf(fps)
	if !ok {
		return RateAuto, fmt.Errorf("フレームレート %q は標準値ではありません", s)
	}
	return r, nil
}

// FPS は1秒あたりのフレーム数を返す
func (r Rate) FPS() float64 {
	if r < 0 || int(r) >= len(standardRates) {
		return 0
	}
	return standardRates[r]
}

// FrameInterval はフレーム間隔を返す
func (r Rate) FrameInterval() time.Duration {
	fps := r.FPS()
	if fps == 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}

// String は "7.5" のような表記を返す
func (r Rate) String() string {
	if r == RateAuto {
		return "auto"
	}
	return strconv.FormatFloat(r.FPS(), 'f', -1, 64)
}

// RateSet はデバイスが報告するフレームレートのビットマスク
// IIDC と同じく最上位ビットから順に標準レートへ対応させる
type RateSet uint32

func rateBit(r Rate) RateSet {
	return RateSet(1) << (31 - uint(r))
}

// NewRateSet は指定したレートを含むビットマスクを作成する
func NewRateSet(rates ...Rate) RateSet {
	var s RateSet
	for _, r := range rates {
		s |= rateBit(r)
	}
	return s
}

// RatesUpTo は fps 以下のすべての標準レートを含むビットマスクを返す
func RatesUpTo(fps float64) RateSet {
	var s RateSet
	for _, r := range Rates() {
		if r.FPS() <= fps+1e-6 {
			s |= rateBit(r)
		}
	}
	return s
}

// Has はレートが含まれるかを返す
func (s RateSet) Has(r Rate) bool {
	if r < 0 || int(r) >= len(standardRates) {
		return false
	}
	return s&rateBit(r) != 0
}

// Max はビットマスク内で最大のレートを返す
func (s RateSet) Max() (Rate, bool) {
	for i := len(standardRates) - 1; i >= 0; i-- {
		if s.Has(Rate(i)) {
			return Rate(i), true
		}
	}
	return RateAuto, false
}

// List はビットマスク内のレートを昇順で返す
func (s RateSet) List() []Rate {
	var out []Rate
	for _, r := range Rates() {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// ModeCaps はモード1つ分の能力
type ModeCaps struct {
	Mode  Mode
	Rates RateSet
}

// Capabilities はデバイスが報告する対応モード一覧
type Capabilities []ModeCaps

// Lookup は完全一致するモードの能力を返す
func (c Capabilities) Lookup(m Mode) (ModeCaps, bool) {
	for _, mc := range c {
		if mc.Mode == m {
			return mc, true
		}
	}
	return ModeCaps{}, false
}

// Match はフォーマット未指定のモードを補完する
// 幅・高さが未指定の場合は先頭のモードを既定とする
func (c Capabilities) Match(m Mode) (ModeCaps, bool) {
	for _, mc := range c {
		if m.Width != 0 && (mc.Mode.Width != m.Width || mc.Mode.Height != m.Height) {
			continue
		}
		if m.Format != pixel.FormatUnknown && mc.Mode.Format != m.Format {
			continue
		}
		return mc, true
	}
	return ModeCaps{}, false
}

// Feature はデバイスの調整項目
type Feature string

const (
	FeatureBrightness   Feature = "brightness"
	FeatureExposure     Feature = "exposure"
	FeatureIris         Feature = "iris"
	FeatureShutter      Feature = "shutter"
	FeatureGain         Feature = "gain"
	FeatureSaturation   Feature = "saturation"
	FeatureGamma        Feature = "gamma"
	FeatureSharpness    Feature = "sharpness"
	FeatureWhiteBalance Feature = "whitebalance"
)

// Features は設定文字列で指定できる調整項目
func Features() []Feature {
	return []Feature{
		FeatureBrightness, FeatureExposure, FeatureIris, FeatureShutter,
		FeatureGain, FeatureSaturation, FeatureGamma, FeatureSharpness,
		FeatureWhiteBalance,
	}
}

// RawFrame はバックエンドが保持しているデバイス側のバッファ
// Release で返却するまでデータは有効
type RawFrame struct {
	Data      []byte
	Index     uint32
	Timestamp time.Time
}

// DeviceInfo はプローブ結果
type DeviceInfo struct {
	Key          string       // 物理デバイスを一意に識別するキー
	Name         string       // 表示名
	Capabilities Capabilities // 対応モード
}

// Negotiated はネゴシエーション済みのデバイス設定
type Negotiated struct {
	Mode     Mode
	Rate     Rate
	Features map[Feature]int
	Debug    bool
}

// Backend はキャプチャAPIの実装を切り替えるための戦略インターフェース
type Backend interface {
	// Name はバックエンド名を返す（設定文字列の -backend で指定する）
	Name() string

	// ThreadSafe が false の場合、同じバックエンドへの呼び出しはプロセス全体で直列化される
	ThreadSafe() bool

	// Init は最初のセッションがオープンされる前に1度だけ呼ばれる
	Init() error

	// Shutdown は最後のセッションがクローズされた後に呼ばれる
	Shutdown() error

	// Probe はデバイスを特定し能力を報告する
	Probe(ctx context.Context, opts Options) (DeviceInfo, error)

	// Open はネゴシエーション済みの設定でデバイスを開く
	Open(ctx context.Context, info DeviceInfo, neg Negotiated) (Device, error)
}

// Device はオープン済みのデバイス
type Device interface {
	// Start は取得を開始し、非同期の取得要求をキューに積む
	Start() error

	// Poll はブロックせずに完了済みのバッファを1つ返す
	Poll() (RawFrame, bool, error)

	// Release はバッファを返却し、次の取得要求として再投入する
	Release(RawFrame) error

	// Stop は取得を停止する
	Stop() error

	// Close はデバイスを閉じる
	Close() error

	// SetFeature は調整項目を設定する
	SetFeature(f Feature, value int) error
}

// Image は GetImage が返すフレーム
type Image struct {
	Data      []byte
	Width     int
	Height    int
	Format    pixel.Format
	Seq       uint64
	Timestamp time.Time
	Fresh     bool // 前回の取得以降に公開された新しいフレームかどうか
}

// Stats はセッションの統計情報
type Stats struct {
	FramesCaptured uint64 `json:"frames_captured"` // 公開したフレーム数
	FramesDropped  uint64 `json:"frames_dropped"`  // 消費されずに破棄されたフレーム数
	FramesAcquired uint64 `json:"frames_acquired"` // GetImage で新しく受け取ったフレーム数
	Errors         uint64 `json:"errors"`          // 取得ループで発生したエラー数
	LastError      string `json:"last_error,omitempty"`
}

// SessionInfo はセッションの状態を表す
type SessionInfo struct {
	ID       string    `json:"id"`
	Backend  string    `json:"backend"`
	Device   string    `json:"device"`
	Name     string    `json:"name"`
	Mode     string    `json:"mode"`
	Output   string    `json:"output"`
	Rate     string    `json:"rate"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Buffers  int       `json:"buffers"`
	State    State     `json:"state"`
	Health   Health    `json:"health"`
	OpenedAt time.Time `json:"opened_at"`
	Stats    Stats     `json:"stats"`
}
