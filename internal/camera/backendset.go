package camera

import (
	"fmt"
	"sort"
	"sync"
)

// BackendSet はバックエンド名から実装を引くレジストリ
type BackendSet struct {
	mu       sync.RWMutex
	backends map[string]Backend
	fallback string
}

// NewBackendSet は空の BackendSet を作成する
// 最初に登録されたバックエンドが既定になる
func NewBackendSet(backends ...Backend) *BackendSet {
	set := &BackendSet{
		backends: make(map[string]Backend),
	}
	for _, b := range backends {
		set.Register(b)
	}
	return set
}

// Register はバックエンドを登録する（同名は上書き）
func (s *BackendSet) Register(b Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fallback == "" {
		s.fallback = b.Name()
	}
	s.backends[b.Name()] = b
}

// SetDefault は -backend 省略時に使うバックエンドを設定する
func (s *BackendSet) SetDefault(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.backends[name]; !ok {
		return fmt.Errorf("サポートされていないバックエンド: %s", name)
	}
	s.fallback = name
	return nil
}

// Default は既定のバックエンド名を返す
func (s *BackendSet) Default() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fallback
}

// Lookup は名前でバックエンドを引く（空文字は既定）
func (s *BackendSet) Lookup(name string) (Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if name == "" {
		name = s.fallback
	}
	b, ok := s.backends[name]
	if !ok {
		return nil, fmt.Errorf("サポートされていないバックエンド: %q", name)
	}
	return b, nil
}

// Names は登録済みのバックエンド名を返す
func (s *BackendSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.backends))
	for name := range s.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
