package camera

import (
	"testing"
	"time"
)

// testConfig はテスト用に周期を短くした設定
func testConfig() Config {
	return Config{
		PollMin:              time.Millisecond,
		PollMax:              10 * time.Millisecond,
		StopTimeout:          time.Second,
		MaxConsecutiveErrors: 5,
		Buffers:              2,
	}
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *MockBackend) {
	t.Helper()
	mock := NewMockBackend("mock")
	return NewRegistry(NewBackendSet(mock), WithConfig(cfg)), mock
}

// waitFor は cond が真になるまで待つ
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
