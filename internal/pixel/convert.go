package pixel

import (
	"fmt"
)

// 色差の係数
// R = Y + 1.402V, G = Y - 0.344U - 0.714V, B = Y + 1.772U を
// 整数演算向けに 2V' / U'+V' / 5U' の形へ置き換えたもの
const (
	uScale = 0.354
	vScale = 0.707
)

// uTable, vTable は (c-128)*scale を0方向に切り捨てた値
var uTable, vTable [256]int

func init() {
	for i := 0; i < 256; i++ {
		uTable[i] = int(float64(i-128) * uScale)
		vTable[i] = int(float64(i-128) * vScale)
	}
}

// clamp は0..255に飽和させる
func clamp(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// Converter は1フレーム単位のフォーマット変換を行う
// 状態を持たないため複数ゴルーチンから同時に使用できる
type Converter struct {
	src    Format
	dst    Format
	width  int
	height int
	out    layout
}

// NewConverter は src から dst への変換器を作成する
func NewConverter(src, dst Format, width, height int) (*Converter, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("無効なフレームサイズ: %dx%d", width, height)
	}
	if src.BitsPerPixel() == 0 {
		return nil, fmt.Errorf("未対応の入力フォーマット: %s", src)
	}
	out, ok := layouts[dst]
	if !ok {
		return nil, fmt.Errorf("未対応の出力フォーマット: %s", dst)
	}
	if width%src.GroupWidth() != 0 {
		return nil, fmt.Errorf("幅 %d は %s の画素グループ (%d) の倍数ではありません", width, src, src.GroupWidth())
	}

	return &Converter{src: src, dst: dst, width: width, height: height, out: out}, nil
}

// Source は入力フォーマットを返す
func (c *Converter) Source() Format { return c.src }

// Target は出力フォーマットを返す
func (c *Converter) Target() Format { return c.dst }

// SourceSize は入力フレームのバイト数を返す
func (c *Converter) SourceSize() int { return c.src.FrameSize(c.width, c.height) }

// TargetSize は出力フレームのバイト数を返す
func (c *Converter) TargetSize() int { return c.dst.FrameSize(c.width, c.height) }

// Convert は src の1フレームを dst へ変換する
func (c *Converter) Convert(dst, src []byte) error {
	if len(src) < c.SourceSize() {
		return fmt.Errorf("入力バッファが不足しています: %d < %d", len(src), c.SourceSize())
	}
	if len(dst) < c.TargetSize() {
		return fmt.Errorf("出力バッファが不足しています: %d < %d", len(dst), c.TargetSize())
	}

	pixels := c.width * c.height
	switch {
	case c.src == c.dst:
		copy(dst, src[:c.SourceSize()])
	case c.src == FormatYUV411:
		c.fromYUV411(dst, src, pixels)
	case c.src == FormatUYVY:
		c.from422(dst, src, pixels, 1, 3, 0, 2)
	case c.src == FormatYUYV:
		c.from422(dst, src, pixels, 0, 2, 1, 3)
	default:
		c.swizzle(dst, src, pixels)
	}
	return nil
}

// put は1ピクセルを出力レイアウトに書き込む
func (c *Converter) put(d []byte, y, up, vp int) {
	o := c.out
	d[o.r] = clamp(y + 2*vp)
	d[o.g] = clamp(y - up - vp)
	d[o.b] = clamp(y + 5*up)
	if o.a >= 0 {
		d[o.a] = 0xff
	}
}

// fromYUV411 は U Y0 Y1 V Y2 Y3 の6バイトから4ピクセルを生成する
func (c *Converter) fromYUV411(dst, src []byte, pixels int) {
	step := c.out.size
	si, di := 0, 0
	for n := pixels / 4; n > 0; n-- {
		up := uTable[src[si]]
		vp := vTable[src[si+3]]
		c.put(dst[di:], int(src[si+1]), up, vp)
		c.put(dst[di+step:], int(src[si+2]), up, vp)
		c.put(dst[di+2*step:], int(src[si+4]), up, vp)
		c.put(dst[di+3*step:], int(src[si+5]), up, vp)
		si += 6
		di += 4 * step
	}
}

// from422 は4バイトから2ピクセルを生成する
// y0, y1, u, v は4バイト内の各成分の位置
func (c *Converter) from422(dst, src []byte, pixels, y0, y1, u, v int) {
	step := c.out.size
	si, di := 0, 0
	for n := pixels / 2; n > 0; n-- {
		up := uTable[src[si+u]]
		vp := vTable[src[si+v]]
		c.put(dst[di:], int(src[si+y0]), up, vp)
		c.put(dst[di+step:], int(src[si+y1]), up, vp)
		si += 4
		di += 2 * step
	}
}

// swizzle はRGB系同士のチャンネル並べ替えを行う
func (c *Converter) swizzle(dst, src []byte, pixels int) {
	in := layouts[c.src]
	out := c.out
	si, di := 0, 0
	for n := pixels; n > 0; n-- {
		dst[di+out.r] = src[si+in.r]
		dst[di+out.g] = src[si+in.g]
		dst[di+out.b] = src[si+in.b]
		if out.a >= 0 {
			if in.a >= 0 {
				dst[di+out.a] = src[si+in.a]
			} else {
				dst[di+out.a] = 0xff
			}
		}
		si += in.size
		di += out.size
	}
}
