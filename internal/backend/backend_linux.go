//go:build linux

package backend

import (
	"arvideo/internal/backend/v4l2"
	"arvideo/internal/camera"
)

func init() {
	platform = append(platform, func() camera.Backend { return v4l2.New() })
}
