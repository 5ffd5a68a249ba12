package pixel

import "strconv"

// 3x5 の数字フォント（各行の下位3ビットを使用）
var digitGlyphs = [10][5]byte{
	{7, 5, 5, 5, 7},
	{2, 6, 2, 2, 7},
	{7, 1, 7, 4, 7},
	{7, 1, 7, 1, 7},
	{5, 5, 7, 1, 1},
	{7, 4, 7, 1, 7},
	{7, 4, 7, 5, 7},
	{7, 1, 1, 1, 1},
	{7, 5, 7, 5, 7},
	{7, 5, 7, 1, 7},
}

const (
	glyphScale = 2
	glyphWidth = 3*glyphScale + glyphScale
	glyphTop   = 2
	glyphLeft  = 2
)

// DrawCounter はRGB系フレームの左上にフレーム番号を白で描画する
// RGB系以外のフォーマットでは何もしない
func DrawCounter(frame []byte, f Format, width, height int, n uint64) {
	l, ok := layouts[f]
	if !ok || len(frame) < f.FrameSize(width, height) {
		return
	}

	x := glyphLeft
	for _, ch := range strconv.FormatUint(n, 10) {
		glyph := digitGlyphs[ch-'0']
		for row := 0; row < 5; row++ {
			for col := 0; col < 3; col++ {
				if glyph[row]&(1<<(2-col)) == 0 {
					continue
				}
				fillBlock(frame, l, width, height, x+col*glyphScale, glyphTop+row*glyphScale)
			}
		}
		x += glyphWidth
		if x+glyphWidth > width {
			return
		}
	}
}

func fillBlock(frame []byte, l layout, width, height, x0, y0 int) {
	for y := y0; y < y0+glyphScale && y < height; y++ {
		for x := x0; x < x0+glyphScale && x < width; x++ {
			p := (y*width + x) * l.size
			frame[p+l.r] = 0xff
			frame[p+l.g] = 0xff
			frame[p+l.b] = 0xff
		}
	}
}
