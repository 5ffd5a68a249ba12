package v4l2

import (
	"arvideo/internal/camera"
	"arvideo/internal/pixel"
)

// V4L2 のピクセルフォーマット (fourcc)
const (
	fourccYUYV uint32 = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
	fourccUYVY uint32 = 'U' | 'Y'<<8 | 'V'<<16 | 'Y'<<24
	fourccRGB3 uint32 = 'R' | 'G'<<8 | 'B'<<16 | '3'<<24
)

var fourccFormats = map[uint32]pixel.Format{
	fourccYUYV: pixel.FormatYUYV,
	fourccUYVY: pixel.FormatUYVY,
	fourccRGB3: pixel.FormatRGB24,
}

// formatOf は fourcc に対応するピクセルフォーマットを返す
func formatOf(fourcc uint32) (pixel.Format, bool) {
	f, ok := fourccFormats[fourcc]
	return f, ok
}

// fourccOf はピクセルフォーマットに対応する fourcc を返す
func fourccOf(f pixel.Format) (uint32, bool) {
	for cc, pf := range fourccFormats {
		if pf == f {
			return cc, true
		}
	}
	return 0, false
}

// fourccString は fourcc を4文字で返す
func fourccString(cc uint32) string {
	return string([]byte{byte(cc), byte(cc >> 8), byte(cc >> 16), byte(cc >> 24)})
}

// frameSize はドライバが報告するフレームサイズ
// 連続・段階的なサイズは Step が 0 以外になる
type frameSize struct {
	MinWidth, MaxWidth, StepWidth    uint32
	MinHeight, MaxHeight, StepHeight uint32
}

// stepSizes は段階的なサイズ指定の場合に提示する解像度
var stepSizes = [][2]uint32{{320, 240}, {640, 480}, {800, 600}, {1280, 720}}

// buildCapabilities はドライバの報告からモード一覧を作る
// ドライバはレートを列挙できないため 30fps 以下をすべて対応とする
func buildCapabilities(formats map[uint32][]frameSize) camera.Capabilities {
	rates := camera.RatesUpTo(30)

	// map の順序に依存しないようにフォーマット順で並べる
	var caps camera.Capabilities
	for _, cc := range []uint32{fourccYUYV, fourccUYVY, fourccRGB3} {
		sizes, ok := formats[cc]
		if !ok {
			continue
		}
		f, _ := formatOf(cc)
		for _, s := range sizes {
			if s.StepWidth == 0 && s.StepHeight == 0 {
				caps = append(caps, camera.ModeCaps{
					Mode:  camera.Mode{Width: int(s.MaxWidth), Height: int(s.MaxHeight), Format: f},
					Rates: rates,
				})
				continue
			}
			for _, ss := range stepSizes {
				if ss[0] < s.MinWidth || ss[0] > s.MaxWidth || ss[1] < s.MinHeight || ss[1] > s.MaxHeight {
					continue
				}
				caps = append(caps, camera.ModeCaps{
					Mode:  camera.Mode{Width: int(ss[0]), Height: int(ss[1]), Format: f},
					Rates: rates,
				})
			}
		}
	}
	return caps
}

// controlNames は調整項目と V4L2 コントロール名の対応
var controlNames = map[camera.Feature][]string{
	camera.FeatureBrightness:   {"brightness"},
	camera.FeatureExposure:     {"exposure time, absolute", "exposure (absolute)", "exposure"},
	camera.FeatureIris:         {"iris, absolute", "iris"},
	camera.FeatureShutter:      {"exposure time, absolute", "shutter"},
	camera.FeatureGain:         {"gain"},
	camera.FeatureSaturation:   {"saturation"},
	camera.FeatureGamma:        {"gamma"},
	camera.FeatureSharpness:    {"sharpness"},
	camera.FeatureWhiteBalance: {"white balance temperature", "white balance"},
}
