package gstreamer

import (
	"fmt"
	"strings"

	"arvideo/internal/camera"
	"arvideo/internal/pixel"
)

// capsFormats は appsink へ渡す video/x-raw の format 名
// IYU1 は U Y Y V Y Y 並びのパック形式 4:1:1
var capsFormats = map[pixel.Format]string{
	pixel.FormatYUV411: "IYU1",
	pixel.FormatUYVY:   "UYVY",
	pixel.FormatYUYV:   "YUY2",
	pixel.FormatRGB24:  "RGB",
}

// sourceSpec はソース要素のファクトリ名とプロパティ
type sourceSpec struct {
	factory string
	props   map[string]any
}

// sourceElement はデバイスセレクタからソース要素を決める
//
//	"" / "test"     videotestsrc
//	"/dev/videoN"   v4l2src
//	"x11:<display>" ximagesrc
func sourceElement(selector string) (sourceSpec, error) {
	switch {
	case selector == "" || selector == "test":
		return sourceSpec{factory: "videotestsrc", props: map[string]any{"is-live": true}}, nil
	case strings.HasPrefix(selector, "/dev/"):
		return sourceSpec{factory: "v4l2src", props: map[string]any{"device": selector}}, nil
	case strings.HasPrefix(selector, "x11:"):
		display := strings.TrimPrefix(selector, "x11:")
		if display == "" {
			display = ":0"
		}
		return sourceSpec{factory: "ximagesrc", props: map[string]any{"display-name": display, "use-damage": false}}, nil
	}
	return sourceSpec{}, fmt.Errorf("デバイスセレクタが不正です: %q", selector)
}

// fraction はフレームレートを分数で返す（1.875 = 15/8）
func fraction(r camera.Rate) (int, int) {
	den := 8
	num := int(r.FPS()*float64(den) + 0.5)
	for den > 1 && num%2 == 0 {
		num /= 2
		den /= 2
	}
	return num, den
}

// capsString は capsfilter に渡す caps を作る
func capsString(mode camera.Mode, rate camera.Rate) (string, error) {
	format, ok := capsFormats[mode.Format]
	if !ok {
		return "", fmt.Errorf("%w: %s", camera.ErrModeUnsupported, mode)
	}
	num, den := fraction(rate)
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/%d",
		format, mode.Width, mode.Height, num, den), nil
}

var sizes = [][2]int{{320, 240}, {640, 480}, {1280, 720}}

// capabilities は videoconvert と videoscale で出せるモード
func capabilities() camera.Capabilities {
	var caps camera.Capabilities
	for _, s := range sizes {
		for _, f := range []pixel.Format{pixel.FormatYUV411, pixel.FormatUYVY, pixel.FormatYUYV, pixel.FormatRGB24} {
			caps = append(caps, camera.ModeCaps{
				Mode:  camera.Mode{Width: s[0], Height: s[1], Format: f},
				Rates: camera.RatesUpTo(30),
			})
		}
	}
	return caps
}
