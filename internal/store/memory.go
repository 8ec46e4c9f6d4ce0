package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store with the same semantics as the Redis adapter.
// It backs single-node development setups and the test suites; it is not safe
// across processes.
type Memory struct {
	mu     sync.Mutex
	lists  map[string][]string
	zsets  map[string]map[string]float64
	sets   map[string]map[string]struct{}
	values map[string]memValue
	hashes map[string]map[string]int64
}

type memValue struct {
	data      string
	expiresAt time.Time // zero means no expiration
}

func NewMemory() *Memory {
	return &Memory{
		lists:  make(map[string][]string),
		zsets:  make(map[string]map[string]float64),
		sets:   make(map[string]map[string]struct{}),
		values: make(map[string]memValue),
		hashes: make(map[string]map[string]int64),
	}
}

func (m *Memory) RPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *Memory) LPop(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	if len(l) == 0 {
		return "", false, nil
	}
	v := l[0]
	m.lists[key] = l[1:]
	return v, true, nil
}

func (m *Memory) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	n := int64(len(l))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (m *Memory) ZAdd(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[key]
	if z == nil {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *Memory) ZAddNX(_ context.Context, key, member string, score float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[key]
	if z == nil {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	if _, exists := z[member]; exists {
		return false, nil
	}
	z[member] = score
	return true, nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type entry struct {
		member string
		score  float64
	}
	var due []entry
	for member, score := range m.zsets[key] {
		if score >= min && score <= max {
			due = append(due, entry{member, score})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].score != due[j].score {
			return due[i].score < due[j].score
		}
		return due[i].member < due[j].member
	})
	if limit > 0 && int64(len(due)) > limit {
		due = due[:limit]
	}
	out := make([]string, len(due))
	for i, e := range due {
		out[i] = e.member
	}
	return out, nil
}

func (m *Memory) ZRem(_ context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[key]
	var removed int64
	for _, member := range members {
		if _, ok := z[member]; ok {
			delete(z, member)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) ZScore(_ context.Context, key, member string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	score, ok := m.zsets[key][member]
	return score, ok, nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := memValue{data: value}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	m.values[key] = v
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", false, nil
	}
	if !v.expiresAt.IsZero() && time.Now().After(v.expiresAt) {
		delete(m.values, key)
		return "", false, nil
	}
	return v.data, true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.values, key)
		delete(m.lists, key)
		delete(m.zsets, key)
		delete(m.sets, key)
		delete(m.hashes, key)
	}
	return nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[key]
	if s == nil {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range members {
		delete(m.sets[key], member)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashes[key]
	if h == nil {
		h = make(map[string]int64)
		m.hashes[key] = h
	}
	h[field] += delta
	return nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for field, v := range m.hashes[key] {
		out[field] = strconv.FormatInt(v, 10)
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
