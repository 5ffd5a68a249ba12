package camera

import "sync"

// backendGuard はスレッドセーフでないバックエンドへの呼び出しを直列化する
// ハンドオフのロックを保持したまま取得してはならない
type backendGuard struct {
	mu *sync.Mutex // nil ならスレッドセーフ
}

func (g backendGuard) do(fn func() error) error {
	if g.mu != nil {
		g.mu.Lock()
		defer g.mu.Unlock()
	}
	return fn()
}
