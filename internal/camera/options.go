package camera

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"arvideo/internal/pixel"
)

// Options は設定文字列を解析した結果
type Options struct {
	Backend  string          // バックエンド名（空なら既定）
	Device   string          // デバイスセレクタ
	Card     int             // カード番号 (-1: 自動)
	Node     int             // ノード番号 (-1: 自動)
	Mode     Mode            // 要求モード（ゼロ値はデバイス既定）
	Rate     Rate            // 要求レート
	Output   pixel.Format    // 出力フォーマット
	Buffers  int             // ハンドオフのスロット数 (2 or 3, 0 は既定)
	Features map[Feature]int // 調整項目
	Debug    bool
	FPS      bool // フレーム番号をオーバーレイ表示する
	Raw      string
}

// optionSet は解析用の FlagSet と値の格納先
type optionSet struct {
	fs *flag.FlagSet

	backend  *string
	device   *string
	card     *int
	node     *int
	mode     *string
	width    *int
	height   *int
	format   *string
	rate     *string
	output   *string
	buffers  *int
	debug    *bool
	fps      *bool
	features map[Feature]*int
}

func newOptionSet() *optionSet {
	fs := flag.NewFlagSet("arvideo", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	o := &optionSet{
		fs:       fs,
		backend:  fs.String("backend", "", "キャプチャバックエンド (synthetic, v4l2, ffmpeg, gstreamer)"),
		device:   fs.String("device", "", "デバイスセレクタ (例: /dev/video0, x11::0.0, 0)"),
		card:     fs.Int("card", -1, "カード番号 (-node と組で指定する。-1 で自動検出)"),
		node:     fs.Int("node", -1, "ノード番号 (-card と組で指定する。-1 で自動検出)"),
		mode:     fs.String("mode", "", "キャプチャモード WxH_FORMAT (例: 320x240_YUV422, 640x480_YUV411, 640x480_RGB)"),
		width:    fs.Int("width", 0, "画像幅 (-mode の代わりに指定する)"),
		height:   fs.Int("height", 0, "画像高さ (-mode の代わりに指定する)"),
		format:   fs.String("format", "", "デバイス側ピクセルフォーマット (YUV411, YUV422, YUYV, RGB ...)"),
		rate:     fs.String("rate", "", "フレームレート (1.875, 3.75, 5, 7.5, 10, 15, 20, 24, 25, 30, 50, 60)"),
		output:   fs.String("pixelformat", "RGB", "出力ピクセルフォーマット (RGB, BGR, RGBA, BGRA, ARGB, ABGR, 24, 24BG, 32)"),
		buffers:  fs.Int("buffers", 0, "ハンドオフのバッファ数 (2: ダブル, 3: トリプル, 0: 既定)"),
		debug:    fs.Bool("debug", false, "デバッグ出力を有効にする"),
		fps:      fs.Bool("fps", false, "フレーム番号を画像に重ねて表示する"),
		features: make(map[Feature]*int),
	}
	for _, f := range Features() {
		o.features[f] = fs.Int(string(f), -1, fmt.Sprintf("%s の値 (-1: デバイス既定)", f))
	}
	return o
}

// ParseOptions は空白区切りの "-key=value" / "-flag" 列を解析する
// 未知のトークンや不正な値は ErrConfig を返す
func ParseOptions(config string) (Options, error) {
	o := newOptionSet()
	opts := Options{Raw: config, Rate: RateAuto}

	if err := o.fs.Parse(strings.Fields(config)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return opts, opError("parse", "", ErrConfig, "ヘルプが要求されました")
		}
		return opts, opError("parse", "", ErrConfig, "%v", err)
	}
	if o.fs.NArg() > 0 {
		return opts, opError("parse", "", ErrConfig, "解釈できないトークン: %q", o.fs.Arg(0))
	}

	opts.Backend = *o.backend
	opts.Device = *o.device
	opts.Card = *o.card
	opts.Node = *o.node
	opts.Debug = *o.debug
	opts.FPS = *o.fps

	// カードとノードは両方自動か両方指定のどちらか
	if (opts.Card < 0) != (opts.Node < 0) {
		return opts, opError("parse", "", ErrConfig, "-card と -node は両方指定するか両方省略してください (card=%d, node=%d)", opts.Card, opts.Node)
	}
	if opts.Device == "" && opts.Card >= 0 {
		opts.Device = fmt.Sprintf("%d:%d", opts.Card, opts.Node)
	}

	if *o.mode != "" {
		if *o.width != 0 || *o.height != 0 {
			return opts, opError("parse", "", ErrConfig, "-mode と -width/-height は同時に指定できません")
		}
		m, err := ParseMode(*o.mode)
		if err != nil {
			return opts, opError("parse", "", ErrConfig, "%v", err)
		}
		opts.Mode = m
	} else if *o.width != 0 || *o.height != 0 {
		if *o.width <= 0 || *o.height <= 0 {
			return opts, opError("parse", "", ErrConfig, "-width と -height は正の値で両方指定してください")
		}
		opts.Mode.Width, opts.Mode.Height = *o.width, *o.height
	}
	if *o.format != "" {
		f, err := pixel.ParseFormat(*o.format)
		if err != nil {
			return opts, opError("parse", "", ErrConfig, "%v", err)
		}
		if opts.Mode.Format != pixel.FormatUnknown && opts.Mode.Format != f {
			return opts, opError("parse", "", ErrConfig, "-mode と -format のフォーマットが一致しません")
		}
		opts.Mode.Format = f
	}

	if *o.rate != "" {
		r, err := ParseRate(*o.rate)
		if err != nil {
			return opts, opError("parse", "", ErrConfig, "%v", err)
		}
		opts.Rate = r
	}

	out, err := pixel.ParseFormat(*o.output)
	if err != nil {
		return opts, opError("parse", "", ErrConfig, "%v", err)
	}
	if !out.IsRGB() {
		return opts, opError("parse", "", ErrConfig, "出力フォーマットはRGB系のみ指定できます: %s", out)
	}
	opts.Output = out

	if *o.buffers != 0 && *o.buffers != 2 && *o.buffers != 3 {
		return opts, opError("parse", "", ErrConfig, "-buffers は2または3です: %d", *o.buffers)
	}
	opts.Buffers = *o.buffers

	opts.Features = make(map[Feature]int)
	for f, v := range o.features {
		if *v >= 0 {
			opts.Features[f] = *v
		}
	}

	return opts, nil
}

// Usage は設定文字列のオプション一覧を返す
func Usage() string {
	o := newOptionSet()

	var buf bytes.Buffer
	buf.WriteString("設定文字列のオプション (空白区切りの -key=value / -flag):\n")
	o.fs.SetOutput(&buf)
	o.fs.PrintDefaults()

	buf.WriteString("\nピクセルフォーマット:\n")
	names := make([]string, 0, len(pixel.Formats()))
	for _, f := range pixel.Formats() {
		names = append(names, f.String())
	}
	sort.Strings(names)
	fmt.Fprintf(&buf, "  %s\n", strings.Join(names, ", "))

	buf.WriteString("\nフレームレート:\n")
	rates := make([]string, 0, len(standardRates))
	for _, r := range Rates() {
		rates = append(rates, r.String())
	}
	fmt.Fprintf(&buf, "  %s\n", strings.Join(rates, ", "))

	return buf.String()
}
