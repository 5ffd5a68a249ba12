package synthetic

import "arvideo/internal/pixel"

// bar はカラーバー1本分の色
type bar struct {
	y, u, v byte
	r, g, b byte
}

// bars は75%カラーバー（白、黄、シアン、緑、マゼンタ、赤、青、黒）
var bars = []bar{
	{y: 180, u: 128, v: 128, r: 191, g: 191, b: 191},
	{y: 162, u: 44, v: 142, r: 191, g: 191, b: 0},
	{y: 131, u: 156, v: 44, r: 0, g: 191, b: 191},
	{y: 112, u: 72, v: 58, r: 0, g: 191, b: 0},
	{y: 84, u: 184, v: 198, r: 191, g: 0, b: 191},
	{y: 65, u: 100, v: 212, r: 191, g: 0, b: 0},
	{y: 35, u: 212, v: 114, r: 0, g: 0, b: 191},
	{y: 16, u: 128, v: 128, r: 0, g: 0, b: 0},
}

// barAt は横位置 x のバーを返す。offset だけ左へ流れる
func barAt(x, width int, offset uint64) bar {
	pos := (uint64(x) + offset) % uint64(width)
	return bars[int(pos)*len(bars)/width]
}

// Fill は seq 番目のテストパターンを buf へ書き込む
// 対応していないフォーマットの場合は false を返す
func Fill(buf []byte, f pixel.Format, width, height int, seq uint64) bool {
	if len(buf) < f.FrameSize(width, height) {
		return false
	}
	offset := seq * 4

	// 1行分を作って全行へ複製する
	var row []byte
	switch f {
	case pixel.FormatYUV411:
		row = make([]byte, width*3/2)
		for x, o := 0, 0; x+4 <= width; x, o = x+4, o+6 {
			c := barAt(x, width, offset)
			row[o] = c.u
			row[o+1] = c.y
			row[o+2] = barAt(x+1, width, offset).y
			row[o+3] = c.v
			row[o+4] = barAt(x+2, width, offset).y
			row[o+5] = barAt(x+3, width, offset).y
		}
	case pixel.FormatUYVY, pixel.FormatYUYV:
		row = make([]byte, width*2)
		for x, o := 0, 0; x+2 <= width; x, o = x+2, o+4 {
			c0, c1 := barAt(x, width, offset), barAt(x+1, width, offset)
			if f == pixel.FormatUYVY {
				row[o], row[o+1], row[o+2], row[o+3] = c0.u, c0.y, c0.v, c1.y
			} else {
				row[o], row[o+1], row[o+2], row[o+3] = c0.y, c0.u, c1.y, c0.v
			}
		}
	case pixel.FormatRGB24:
		row = make([]byte, width*3)
		for x := 0; x < width; x++ {
			c := barAt(x, width, offset)
			row[3*x], row[3*x+1], row[3*x+2] = c.r, c.g, c.b
		}
	default:
		return false
	}

	for y := 0; y < height; y++ {
		copy(buf[y*len(row):], row)
	}
	return true
}
