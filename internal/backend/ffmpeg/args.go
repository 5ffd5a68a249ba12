package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"

	"arvideo/internal/camera"
	"arvideo/internal/pixel"
)

// inputKind は ffmpeg の入力デバイスの種類
type inputKind string

const (
	inputV4L2 inputKind = "v4l2"
	inputX11  inputKind = "x11grab"
)

// source は ffmpeg の入力
type source struct {
	kind inputKind
	path string // /dev/videoN または :0.0
}

// parseSelector はデバイスセレクタを入力へ変換する
//
//	""              /dev/video0
//	"/dev/videoN"   V4L2 デバイス
//	"x11:<display>" X11 画面（例: x11::0.0）
func parseSelector(selector string) (source, error) {
	switch {
	case selector == "":
		return source{kind: inputV4L2, path: "/dev/video0"}, nil
	case strings.HasPrefix(selector, "x11:"):
		display := strings.TrimPrefix(selector, "x11:")
		if display == "" {
			display = ":0.0"
		}
		return source{kind: inputX11, path: display}, nil
	case strings.HasPrefix(selector, "/dev/"):
		return source{kind: inputV4L2, path: selector}, nil
	}
	return source{}, fmt.Errorf("デバイスセレクタが不正です: %q", selector)
}

// key はレジストリ上のデバイスキー
func (s source) key() string {
	if s.kind == inputX11 {
		return "x11:" + s.path
	}
	return s.path
}

// pixFmts は rawvideo 出力のピクセルフォーマット名
var pixFmts = map[pixel.Format]string{
	pixel.FormatYUV411: "uyyvyy411",
	pixel.FormatUYVY:   "uyvy422",
	pixel.FormatYUYV:   "yuyv422",
	pixel.FormatRGB24:  "rgb24",
}

// buildArgs は rawvideo を標準出力へ書き出す ffmpeg の引数を作る
func buildArgs(src source, mode camera.Mode, rate camera.Rate) ([]string, error) {
	pixFmt, ok := pixFmts[mode.Format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", camera.ErrModeUnsupported, mode)
	}
	fps := strconv.FormatFloat(rate.FPS(), 'f', -1, 64)
	size := fmt.Sprintf("%dx%d", mode.Width, mode.Height)

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", string(src.kind),
		"-framerate", fps,
		"-video_size", size,
		"-i", src.path,
	}
	if src.kind == inputV4L2 {
		// デバイスが要求サイズを出せない場合に備えて縮小する
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", mode.Width, mode.Height))
	}
	args = append(args,
		"-r", fps,
		"-f", "rawvideo",
		"-pix_fmt", pixFmt,
		"-",
	)
	return args, nil
}

var sizes = [][2]int{{320, 240}, {640, 480}, {1280, 720}}

// capabilities は ffmpeg が変換して出せるモード
func capabilities() camera.Capabilities {
	var caps camera.Capabilities
	for _, s := range sizes {
		for _, f := range []pixel.Format{pixel.FormatUYVY, pixel.FormatYUYV, pixel.FormatYUV411, pixel.FormatRGB24} {
			caps = append(caps, camera.ModeCaps{
				Mode:  camera.Mode{Width: s[0], Height: s[1], Format: f},
				Rates: camera.RatesUpTo(30),
			})
		}
	}
	return caps
}
