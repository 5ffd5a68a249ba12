package pixel

import (
	"fmt"
	"strings"
)

// Format はフレームのピクセル配置を表す
type Format int

// Format の定数定義
const (
	FormatUnknown Format = iota
	FormatYUV411         // U Y0 Y1 V Y2 Y3 (IIDC 1394)
	FormatUYVY           // U Y0 V Y1 (1394 YUV422, 2vuy)
	FormatYUYV           // Y0 U Y1 V (V4L2 YUYV, yuvs)
	FormatRGB24
	FormatBGR24
	FormatRGBA32
	FormatBGRA32
	FormatARGB32
	FormatABGR32
)

// layout はRGB系フォーマットのチャンネル位置
type layout struct {
	size       int // 1ピクセルあたりのバイト数
	r, g, b, a int // a < 0 はアルファなし
}

var layouts = map[Format]layout{
	FormatRGB24:  {size: 3, r: 0, g: 1, b: 2, a: -1},
	FormatBGR24:  {size: 3, r: 2, g: 1, b: 0, a: -1},
	FormatRGBA32: {size: 4, r: 0, g: 1, b: 2, a: 3},
	FormatBGRA32: {size: 4, r: 2, g: 1, b: 0, a: 3},
	FormatARGB32: {size: 4, r: 1, g: 2, b: 3, a: 0},
	FormatABGR32: {size: 4, r: 3, g: 2, b: 1, a: 0},
}

var formatNames = map[Format]string{
	FormatYUV411: "YUV411",
	FormatUYVY:   "UYVY",
	FormatYUYV:   "YUYV",
	FormatRGB24:  "RGB24",
	FormatBGR24:  "BGR24",
	FormatRGBA32: "RGBA32",
	FormatBGRA32: "BGRA32",
	FormatARGB32: "ARGB32",
	FormatABGR32: "ABGR32",
}

// formatAliases は設定文字列で受け付ける別名
// 1394系とQuickTime系の名前をそのまま使えるようにしている
var formatAliases = map[string]Format{
	"yuv411": FormatYUV411,
	"yuv422": FormatUYVY,
	"uyvy":   FormatUYVY,
	"2vuy":   FormatUYVY,
	"yuyv":   FormatYUYV,
	"yuy2":   FormatYUYV,
	"yuvs":   FormatYUYV,
	"rgb":    FormatRGB24,
	"rgb24":  FormatRGB24,
	"24":     FormatRGB24,
	"bgr":    FormatBGR24,
	"bgr24":  FormatBGR24,
	"24bg":   FormatBGR24,
	"rgba":   FormatRGBA32,
	"rgba32": FormatRGBA32,
	"bgra":   FormatBGRA32,
	"bgra32": FormatBGRA32,
	"argb":   FormatARGB32,
	"argb32": FormatARGB32,
	"32":     FormatARGB32,
	"abgr":   FormatABGR32,
	"abgr32": FormatABGR32,
}

// String はフォーマット名を返す
func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "unknown"
}

// ParseFormat はフォーマット名を解析する（大文字小文字は区別しない）
func ParseFormat(name string) (Format, error) {
	if f, ok := formatAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return f, nil
	}
	return FormatUnknown, fmt.Errorf("未知のピクセルフォーマット: %q", name)
}

// IsYUV は輝度・色差のパック形式かどうかを返す
func (f Format) IsYUV() bool {
	return f == FormatYUV411 || f == FormatUYVY || f == FormatYUYV
}

// IsRGB はRGB系フォーマットかどうかを返す
func (f Format) IsRGB() bool {
	_, ok := layouts[f]
	return ok
}

// BitsPerPixel は1ピクセルあたりのビット数を返す
func (f Format) BitsPerPixel() int {
	switch f {
	case FormatYUV411:
		return 12
	case FormatUYVY, FormatYUYV:
		return 16
	}
	if l, ok := layouts[f]; ok {
		return l.size * 8
	}
	return 0
}

// FrameSize は w x h の1フレームのバイト数を返す
func (f Format) FrameSize(w, h int) int {
	return w * h * f.BitsPerPixel() / 8
}

// GroupWidth は1つの色差を共有するピクセル数を返す
// 幅はこの値の倍数でなければならない
func (f Format) GroupWidth() int {
	switch f {
	case FormatYUV411:
		return 4
	case FormatUYVY, FormatYUYV:
		return 2
	}
	return 1
}

// Formats は定義済みのすべてのフォーマットを返す
func Formats() []Format {
	return []Format{
		FormatYUV411, FormatUYVY, FormatYUYV,
		FormatRGB24, FormatBGR24,
		FormatRGBA32, FormatBGRA32, FormatARGB32, FormatABGR32,
	}
}
