package handoff

import (
	"fmt"
	"sync"
	"time"
)

// Meta はスロットに書き込まれたフレームの付帯情報
type Meta struct {
	Seq       uint64    // 公開順の通し番号（1始まり）
	Timestamp time.Time // 取得時刻
}

// Stats はハンドオフの統計情報
type Stats struct {
	Published uint64 // Publish の回数
	Acquired  uint64 // 新しいフレームを受け取った回数
	Dropped   uint64 // 消費される前に上書きされたフレーム数
}

type slot struct {
	data []byte
	meta Meta
}

// FrameBufferSet はプロデューサとコンシューマの間でフレームを受け渡す
// 深さ1の最新値優先メールボックス
//
// すべての共有状態（スロット、ready、パリティ）は mu で保護する
// コンシューマ側の操作はロック取得以外でブロックしない
type FrameBufferSet struct {
	mu sync.Mutex

	slots     []slot
	frameSize int

	write  int  // 次に書き込むスロット
	latest int  // 直近に公開されたスロット (-1: 未公開)
	held   int  // 直近にコンシューマへ渡したスロット (-1: なし)
	ready  bool // 公開後まだ消費されていないフレームがある
	parity uint8

	stats Stats
}

// New は frameSize バイトのスロットを slots 個（2 または 3）持つ FrameBufferSet を作成する
func New(frameSize, slots int) (*FrameBufferSet, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("無効なフレームサイズ: %d", frameSize)
	}
	if slots != 2 && slots != 3 {
		return nil, fmt.Errorf("スロット数は2または3でなければなりません: %d", slots)
	}

	b := &FrameBufferSet{
		slots:     make([]slot, slots),
		frameSize: frameSize,
		write:     1,
		latest:    -1,
		held:      -1,
	}
	for i := range b.slots {
		b.slots[i].data = make([]byte, frameSize)
	}
	return b, nil
}

// FrameSize はスロット1つのバイト数を返す
func (b *FrameBufferSet) FrameSize() int {
	return b.frameSize
}

// Slots はスロット数を返す
func (b *FrameBufferSet) Slots() int {
	return len(b.slots)
}

// Publish はプロデューサ専用
// 非アクティブなスロットへ frame をコピーし、パリティを反転して ready を立てる
func (b *FrameBufferSet) Publish(frame []byte, meta Meta) error {
	if len(frame) != b.frameSize {
		return fmt.Errorf("フレームサイズが一致しません: got %d, want %d", len(frame), b.frameSize)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ready {
		b.stats.Dropped++
	}

	s := &b.slots[b.write]
	copy(s.data, frame)
	s.meta = meta

	b.latest = b.write
	b.ready = true
	b.parity ^= 1
	b.stats.Published++
	b.write = b.nextWrite()

	return nil
}

// nextWrite は次の書き込み先を選ぶ（ロック済み前提）
// 2面では直近に公開したスロットの反対側、3面では公開済みでも
// コンシューマ保持中でもないスロット
func (b *FrameBufferSet) nextWrite() int {
	if len(b.slots) == 2 {
		return 1 - b.latest
	}
	for i := range b.slots {
		if i != b.latest && i != b.held {
			return i
		}
	}
	return 1 - b.latest
}

// AcquireLatestInto はコンシューマ専用で、ブロックしない
// 新しいフレームがあればロック中に dst へコピーし fresh=true とする
// なければ前回渡したフレームを fresh=false でコピーする
// コピーしたバイト数を返す（一度も公開がなければ0）
func (b *FrameBufferSet) AcquireLatestInto(dst []byte) (Meta, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fresh := b.consume()
	if b.held < 0 {
		return Meta{}, 0, false
	}
	s := &b.slots[b.held]
	n := copy(dst, s.data)
	return s.meta, n, fresh
}

// consume は ready なフレームを保持スロットへ移す（ロック済み前提）
func (b *FrameBufferSet) consume() bool {
	if !b.ready {
		return false
	}
	b.held = b.latest
	b.ready = false
	b.stats.Acquired++
	return true
}

// Peek は ready を消費せずに直近のフレームを dst へコピーする
// プレビューなど、描画ループとは別の観測者向け
func (b *FrameBufferSet) Peek(dst []byte) (Meta, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.latest < 0 {
		return Meta{}, 0, false
	}
	s := &b.slots[b.latest]
	return s.meta, copy(dst, s.data), true
}

// Parity は現在のパリティビットを返す
func (b *FrameBufferSet) Parity() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parity
}

// Ready は未消費のフレームがあるかを返す
func (b *FrameBufferSet) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Stats は統計情報のスナップショットを返す
func (b *FrameBufferSet) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
