package camera

import (
	"context"
	"time"
)

// sleeper はキャンセル可能な時間待ち
// 取得ループの周期待ちにだけ使う
type sleeper struct {
	ctx   context.Context
	timer *time.Timer
}

func newSleeper(ctx context.Context) *sleeper {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &sleeper{ctx: ctx, timer: t}
}

// Sleep は d だけ待つ。キャンセルされた場合は false を返す
func (s *sleeper) Sleep(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	s.timer.Reset(d)
	select {
	case <-s.ctx.Done():
		s.timer.Stop()
		return false
	case <-s.timer.C:
		return true
	}
}

// pollInterval はフレーム間隔の半分を [lo, hi] に収めた値を返す
func pollInterval(frame, lo, hi time.Duration) time.Duration {
	return min(max(frame/2, lo), hi)
}
