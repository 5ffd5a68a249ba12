//go:build gstreamer

package backend

import (
	"arvideo/internal/backend/gstreamer"
	"arvideo/internal/camera"
)

func init() {
	platform = append(platform, func() camera.Backend { return gstreamer.New() })
}
