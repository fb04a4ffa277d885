package ratelimit

import (
	"sync"
	"time"
)

// Store 按身份维度的固定窗口限流状态
//
// 状态不做成包级全局，而是由持有者显式创建并按引用传递，
// 过期条目由 Store 自己的定时器清理，不依赖请求触发
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	window  time.Duration
	limit   int
	stopCh  chan struct{}
}

type entry struct {
	count     int
	expiresAt time.Time
}

func NewStore(window time.Duration, limit int) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		window:  window,
		limit:   limit,
		stopCh:  make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Allow 记一次访问并判断是否放行
func (s *Store) Allow(key string) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || now.After(e.expiresAt) {
		s.entries[key] = &entry{count: 1, expiresAt: now.Add(s.window)}
		return true
	}

	e.count++
	return e.count <= s.limit
}

// Remaining 当前窗口剩余额度（监控/调试用）
func (s *Store) Remaining(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return s.limit
	}
	remaining := s.limit - e.count
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *Store) Close() {
	close(s.stopCh)
}

func (s *Store) janitor() {
	ticker := time.NewTicker(s.window)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Store) evictExpired() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}
