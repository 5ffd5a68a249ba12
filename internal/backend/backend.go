// Package backend はビルドに含まれるキャプチャバックエンドをまとめる
package backend

import (
	"fmt"

	"arvideo/internal/backend/ffmpeg"
	"arvideo/internal/backend/synthetic"
	"arvideo/internal/camera"
)

// platform はビルドタグで追加されるバックエンド
var platform []func() camera.Backend

// Default は利用可能なすべてのバックエンドを登録した BackendSet を返す
// 既定は実機のバックエンドがあればそれ、なければ synthetic
func Default() *camera.BackendSet {
	set := camera.NewBackendSet()
	for _, newBackend := range platform {
		set.Register(newBackend())
	}
	set.Register(ffmpeg.New())
	set.Register(synthetic.New())
	return set
}

// Select は Default の BackendSet を作り、name が空でなければ既定に設定する
func Select(name string) (*camera.BackendSet, error) {
	set := Default()
	if name == "" {
		return set, nil
	}
	if err := set.SetDefault(name); err != nil {
		return nil, fmt.Errorf("既定のバックエンドを設定できません: %w", err)
	}
	return set, nil
}
