package framecodec

import (
	"bufio"
	"bytes"
	"errors"
	"image/jpeg"
	"io"
	"testing"
	"time"

	"arvideo/internal/camera"
	"arvideo/internal/pixel"
)

func testImage(f pixel.Format, w, h int, seq uint64) *camera.Image {
	data := make([]byte, f.FrameSize(w, h))
	for i := range data {
		data[i] = byte(i)
	}
	return &camera.Image{
		Data:      data,
		Width:     w,
		Height:    h,
		Format:    f,
		Seq:       seq,
		Timestamp: time.Unix(1700000000, 123456789),
		Fresh:     true,
	}
}

func TestMsgpackRoundTrip(t *testing.T) {
	src := testImage(pixel.FormatBGRA32, 8, 4, 42)

	data, err := EncodeMsgpack(src)
	if err != nil {
		t.Fatalf("EncodeMsgpack failed: %v", err)
	}
	got, err := DecodeMsgpack(data)
	if err != nil {
		t.Fatalf("DecodeMsgpack failed: %v", err)
	}

	if got.Width != 8 || got.Height != 4 {
		t.Errorf("size = %dx%d, want 8x4", got.Width, got.Height)
	}
	if got.Format != pixel.FormatBGRA32 {
		t.Errorf("format = %s, want %s", got.Format, pixel.FormatBGRA32)
	}
	if got.Seq != 42 || !got.Fresh {
		t.Errorf("seq = %d fresh = %v, want 42 true", got.Seq, got.Fresh)
	}
	if !got.Timestamp.Equal(src.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, src.Timestamp)
	}
	if !bytes.Equal(got.Data, src.Data) {
		t.Error("data mismatch")
	}
}

func TestDecodeErrors(t *testing.T) {
	short := testImage(pixel.FormatRGB24, 4, 4, 1)
	short.Data = short.Data[:10]
	shortData, err := EncodeMsgpack(short)
	if err != nil {
		t.Fatalf("EncodeMsgpack failed: %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"壊れたデータ", []byte{0xc1, 0x00}},
		{"データ長不一致", shortData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeMsgpack(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	for seq := uint64(1); seq <= 3; seq++ {
		if err := WriteFrame(&buf, testImage(pixel.FormatRGB24, 4, 2, seq)); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	r := bufio.NewReader(&buf)
	for seq := uint64(1); seq <= 3; seq++ {
		img, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if img.Seq != seq {
			t.Errorf("seq = %d, want %d", img.Seq, seq)
		}
	}
	if _, err := ReadFrame(r); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	if _, err := ReadFrame(r); err == nil {
		t.Error("expected error for oversized message")
	}
}

func TestToRGBA(t *testing.T) {
	img := &camera.Image{
		Data:   []byte{10, 20, 30, 40, 50, 60},
		Width:  2,
		Height: 1,
		Format: pixel.FormatBGR24,
	}

	rgba, err := ToRGBA(img)
	if err != nil {
		t.Fatalf("ToRGBA failed: %v", err)
	}
	want := []byte{30, 20, 10, 0xff, 60, 50, 40, 0xff}
	if !bytes.Equal(rgba.Pix, want) {
		t.Errorf("pix = %v, want %v", rgba.Pix, want)
	}
}

func TestEncodeJPEG(t *testing.T) {
	tests := []struct {
		name    string
		img     *camera.Image
		quality int
		wantErr bool
	}{
		{"RGB24", testImage(pixel.FormatRGB24, 16, 8, 1), 90, false},
		{"BGRA32 品質範囲外", testImage(pixel.FormatBGRA32, 16, 8, 1), 0, false},
		{"YUVは不可", testImage(pixel.FormatUYVY, 16, 8, 1), 80, true},
		{"nil", nil, 80, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeJPEG(&buf, tt.img, tt.quality)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("EncodeJPEG failed: %v", err)
			}

			cfg, err := jpeg.DecodeConfig(&buf)
			if err != nil {
				t.Fatalf("DecodeConfig failed: %v", err)
			}
			if cfg.Width != tt.img.Width || cfg.Height != tt.img.Height {
				t.Errorf("size = %dx%d, want %dx%d", cfg.Width, cfg.Height, tt.img.Width, tt.img.Height)
			}
		})
	}
}
