// Package framecodec はキャプチャ済みフレームを外部へ渡すための符号化を提供します
//
// # 責務
//
//   - msgpack によるフレームとメタデータの符号化・復号
//   - 長さプレフィックス付きのストリーム書き込み・読み込み
//   - RGB系フレームのJPEG符号化
package framecodec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"arvideo/internal/camera"
	"arvideo/internal/pixel"
)

// MaxFrameBytes は ReadFrame が受け付けるメッセージの上限
const MaxFrameBytes = 64 << 20

// DefaultJPEGQuality は品質未指定時のJPEG品質
const DefaultJPEGQuality = 80

// envelope はフレームの msgpack 表現
type envelope struct {
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Format    string `msgpack:"format"`
	Seq       uint64 `msgpack:"seq"`
	Timestamp int64  `msgpack:"timestamp_ns"`
	Fresh     bool   `msgpack:"fresh"`
	Data      []byte `msgpack:"data"`
}

// EncodeMsgpack はフレームを msgpack に符号化する
func EncodeMsgpack(img *camera.Image) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("フレームがありません")
	}
	env := envelope{
		Width:  img.Width,
		Height: img.Height,
		Format: img.Format.String(),
		Seq:    img.Seq,
		Fresh:  img.Fresh,
		Data:   img.Data,
	}
	if !img.Timestamp.IsZero() {
		env.Timestamp = img.Timestamp.UnixNano()
	}

	data, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("msgpack への変換に失敗: %w", err)
	}
	return data, nil
}

// DecodeMsgpack は EncodeMsgpack で符号化したフレームを復号する
func DecodeMsgpack(data []byte) (*camera.Image, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("msgpack の解析に失敗: %w", err)
	}

	f, err := pixel.ParseFormat(env.Format)
	if err != nil {
		return nil, err
	}
	if want := f.FrameSize(env.Width, env.Height); want != len(env.Data) {
		return nil, fmt.Errorf("データ長がフレームサイズと一致しません: %d != %d", len(env.Data), want)
	}

	img := &camera.Image{
		Data:   env.Data,
		Width:  env.Width,
		Height: env.Height,
		Format: f,
		Seq:    env.Seq,
		Fresh:  env.Fresh,
	}
	if env.Timestamp != 0 {
		img.Timestamp = time.Unix(0, env.Timestamp)
	}
	return img, nil
}

// WriteFrame は 4バイトのビッグエンディアン長に続けて msgpack を書き込む
func WriteFrame(w io.Writer, img *camera.Image) error {
	data, err := EncodeMsgpack(img)
	if err != nil {
		return err
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("長さの書き込みに失敗: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("データの書き込みに失敗: %w", err)
	}
	return nil
}

// ReadFrame は WriteFrame で書き込まれた1フレームを読み込む
// ストリーム終端では io.EOF を返す
func ReadFrame(r *bufio.Reader) (*camera.Image, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameBytes {
		return nil, fmt.Errorf("メッセージが大きすぎます: %d バイト", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("データの読み込みに失敗: %w", err)
	}
	return DecodeMsgpack(data)
}

// ToRGBA はRGB系のフレームを image.RGBA に変換する
func ToRGBA(img *camera.Image) (*image.RGBA, error) {
	if img == nil {
		return nil, fmt.Errorf("フレームがありません")
	}
	if !img.Format.IsRGB() {
		return nil, fmt.Errorf("RGB系以外のフォーマットは変換できません: %s", img.Format)
	}

	conv, err := pixel.NewConverter(img.Format, pixel.FormatRGBA32, img.Width, img.Height)
	if err != nil {
		return nil, err
	}
	out := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	if err := conv.Convert(out.Pix, img.Data); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeJPEG はRGB系のフレームをJPEGとして w へ書き込む
// quality が範囲外なら DefaultJPEGQuality を使う
func EncodeJPEG(w io.Writer, img *camera.Image, quality int) error {
	rgba, err := ToRGBA(img)
	if err != nil {
		return err
	}
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	if err := jpeg.Encode(w, rgba, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("JPEG エンコードに失敗: %w", err)
	}
	return nil
}
