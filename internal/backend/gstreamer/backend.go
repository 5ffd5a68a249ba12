//go:build gstreamer

package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"arvideo/internal/camera"
)

// Name はバックエンド名
const Name = "gstreamer"

// ringSize は appsink から受け取ったフレームを保持するバッファ数
const ringSize = 4

var initOnce sync.Once

// Backend は GStreamer パイプラインを appsink で受けるキャプチャ
// source ! videoconvert ! videoscale ! videorate ! capsfilter ! appsink
type Backend struct{}

// New は新しい Backend を作成する
func New() *Backend {
	return &Backend{}
}

// Name はバックエンド名を返す
func (b *Backend) Name() string { return Name }

// ThreadSafe はパイプライン毎に独立しているため true
func (b *Backend) ThreadSafe() bool { return true }

// Init は GStreamer を初期化する。プロセス内で1度だけ行う
func (b *Backend) Init() error {
	initOnce.Do(func() { gst.Init(nil) })
	return nil
}

// Shutdown は何もしない（GStreamer は再初期化できない）
func (b *Backend) Shutdown() error { return nil }

// Probe はソース要素が作成できるかを確認する
func (b *Backend) Probe(_ context.Context, opts camera.Options) (camera.DeviceInfo, error) {
	spec, err := sourceElement(opts.Device)
	if err != nil {
		return camera.DeviceInfo{}, fmt.Errorf("%w: %w", camera.ErrDeviceNotFound, err)
	}
	elem, err := gst.NewElement(spec.factory)
	if err != nil {
		return camera.DeviceInfo{}, fmt.Errorf("%w: %s が作成できません: %w", camera.ErrDeviceNotFound, spec.factory, err)
	}
	_ = elem.SetState(gst.StateNull)

	key := opts.Device
	if key == "" {
		key = "test"
	}
	return camera.DeviceInfo{
		Key:          key,
		Name:         fmt.Sprintf("GStreamer %s", spec.factory),
		Capabilities: capabilities(),
	}, nil
}

// Open はパイプラインを組み立てる。再生は Start で始める
func (b *Backend) Open(_ context.Context, info camera.DeviceInfo, neg camera.Negotiated) (camera.Device, error) {
	spec, err := sourceElement(info.Key)
	if err != nil {
		return nil, err
	}
	capsStr, err := capsString(neg.Mode, neg.Rate)
	if err != nil {
		return nil, err
	}

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("パイプラインの作成に失敗: %w", err)
	}

	src, err := gst.NewElement(spec.factory)
	if err != nil {
		return nil, fmt.Errorf("%s の作成に失敗: %w", spec.factory, err)
	}
	for k, v := range spec.props {
		if err := src.SetProperty(k, v); err != nil {
			return nil, fmt.Errorf("%s.%s の設定に失敗: %w", spec.factory, k, err)
		}
	}

	var elems []*gst.Element
	elems = append(elems, src)
	for _, name := range []string{"videoconvert", "videoscale", "videorate"} {
		e, err := gst.NewElement(name)
		if err != nil {
			return nil, fmt.Errorf("%s の作成に失敗: %w", name, err)
		}
		elems = append(elems, e)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("capsfilter の作成に失敗: %w", err)
	}
	if err := capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr)); err != nil {
		return nil, fmt.Errorf("caps の設定に失敗: %w", err)
	}
	elems = append(elems, capsfilter)

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("appsink の作成に失敗: %w", err)
	}
	_ = sink.SetProperty("sync", false)
	_ = sink.SetProperty("max-buffers", 2)
	_ = sink.SetProperty("drop", true)
	elems = append(elems, sink.Element)

	if err := pipeline.AddMany(elems...); err != nil {
		return nil, fmt.Errorf("要素の追加に失敗: %w", err)
	}
	if err := gst.ElementLinkMany(elems...); err != nil {
		return nil, fmt.Errorf("要素の接続に失敗: %w", err)
	}

	d := &device{
		pipeline:  pipeline,
		frameSize: neg.Mode.FrameSize(),
		free:      make(chan uint32, ringSize),
		ready:     make(chan uint32, ringSize),
		errc:      make(chan error, 1),
	}
	for i := range d.ring {
		d.ring[i] = make([]byte, d.frameSize)
		d.free <- uint32(i)
	}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: d.onSample,
	})
	return d, nil
}

// device は GStreamer パイプライン1本分
// appsink のコールバックが空きバッファへコピーし、Poll は ready から取り出す
type device struct {
	pipeline  *gst.Pipeline
	frameSize int

	ring    [ringSize][]byte
	free    chan uint32
	ready   chan uint32
	errc    chan error
	dropped atomic.Uint64

	mu      sync.Mutex
	playing bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// onSample は appsink のストリーミングスレッドで呼ばれる
func (d *device) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	// 空きがなければ最も古い完了済みフレームを捨てる
	var idx uint32
	select {
	case idx = <-d.free:
	default:
		select {
		case idx = <-d.ready:
			d.dropped.Add(1)
		default:
			// すべてコンシューマ側が保持している
			d.dropped.Add(1)
			return gst.FlowOK
		}
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	n := copy(d.ring[idx], data)
	buffer.Unmap()

	if n < d.frameSize {
		d.free <- idx
		return gst.FlowOK
	}
	d.ready <- idx
	return gst.FlowOK
}

func (d *device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.playing {
		return errors.New("パイプラインは既に再生中です")
	}
	if err := d.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("パイプラインの再生に失敗: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	d.playing = true
	go d.watchBus(ctx)
	return nil
}

// watchBus はエラーと EOS を errc へ伝える
func (d *device) watchBus(ctx context.Context) {
	defer close(d.done)

	bus := d.pipeline.GetPipelineBus()
	for ctx.Err() == nil {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		var err error
		switch msg.Type() {
		case gst.MessageEOS:
			err = errors.New("パイプラインが終端に達しました")
		case gst.MessageError:
			gerr := msg.ParseError()
			err = fmt.Errorf("パイプラインエラー: %s (%s)", gerr.Error(), gerr.DebugString())
		default:
			continue
		}
		select {
		case d.errc <- err:
		default:
		}
		return
	}
}

func (d *device) Poll() (camera.RawFrame, bool, error) {
	select {
	case idx := <-d.ready:
		return camera.RawFrame{Data: d.ring[idx], Index: idx, Timestamp: time.Now()}, true, nil
	default:
	}
	select {
	case err := <-d.errc:
		return camera.RawFrame{}, false, err
	default:
		return camera.RawFrame{}, false, nil
	}
}

func (d *device) Release(raw camera.RawFrame) error {
	if int(raw.Index) >= ringSize {
		return fmt.Errorf("保持されていないバッファです: %d", raw.Index)
	}
	select {
	case d.free <- raw.Index:
		return nil
	default:
		return fmt.Errorf("バッファ %d は既に返却されています", raw.Index)
	}
}

func (d *device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.playing {
		return nil
	}
	d.playing = false
	d.cancel()
	<-d.done
	if err := d.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("パイプラインの停止に失敗: %w", err)
	}

	// 取り残されたフレームを空きへ戻す
	for {
		select {
		case idx := <-d.ready:
			d.free <- idx
		default:
			return nil
		}
	}
}

func (d *device) Close() error {
	if err := d.Stop(); err != nil {
		return err
	}
	return d.pipeline.SetState(gst.StateNull)
}

func (d *device) SetFeature(f camera.Feature, _ int) error {
	return fmt.Errorf("gstreamer バックエンドは %s を設定できません", f)
}
