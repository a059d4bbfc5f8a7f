package voyworker

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// statsCollector aggregates the responses the worker answered itself, split
// by where the body came from.
type statsCollector struct {
	fromCache   atomic.Uint64
	fromNetwork atomic.Uint64
	bytes       atomic.Uint64
	minBytes    atomic.Uint64
	maxBytes    atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(fromCache bool, size int) {
	if size < 0 {
		size = 0
	}
	n := uint64(size)
	if fromCache {
		s.fromCache.Add(1)
	} else {
		s.fromNetwork.Add(1)
	}
	s.bytes.Add(n)
	storeMin(&s.minBytes, n)
	storeMax(&s.maxBytes, n)
}

func storeMin(v *atomic.Uint64, n uint64) {
	for cur := v.Load(); n < cur; cur = v.Load() {
		if v.CompareAndSwap(cur, n) {
			return
		}
	}
}

func storeMax(v *atomic.Uint64, n uint64) {
	for cur := v.Load(); n > cur; cur = v.Load() {
		if v.CompareAndSwap(cur, n) {
			return
		}
	}
}

type statsSnapshot struct {
	FromCache   uint64
	FromNetwork uint64
	Bytes       uint64
	MinBytes    uint64
	MaxBytes    uint64
	AvgBytes    uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		FromCache:   s.fromCache.Load(),
		FromNetwork: s.fromNetwork.Load(),
		Bytes:       s.bytes.Load(),
		MinBytes:    s.minBytes.Load(),
		MaxBytes:    s.maxBytes.Load(),
	}
	total := out.FromCache + out.FromNetwork
	if total == 0 {
		return statsSnapshot{}
	}
	out.AvgBytes = out.Bytes / total
	return out
}

// HitRatio is the share of responses served from a store.
func (ss statsSnapshot) HitRatio() float64 {
	total := ss.FromCache + ss.FromNetwork
	if total == 0 {
		return 0
	}
	return float64(ss.FromCache) / float64(total)
}

func (ss statsSnapshot) fields() []zap.Field {
	return []zap.Field{
		zap.Uint64("fromCache", ss.FromCache),
		zap.Uint64("fromNetwork", ss.FromNetwork),
		zap.String("hitRatio", fmt.Sprintf("%.2f", ss.HitRatio())),
		zap.String("respMin", formatBytes(ss.MinBytes)),
		zap.String("respAvg", formatBytes(ss.AvgBytes)),
		zap.String("respMax", formatBytes(ss.MaxBytes)),
	}
}

// formatBytes renders b with the largest binary unit that keeps it >= 1,
// using at most one decimal.
func formatBytes(b uint64) string {
	units := []string{"kb", "mb", "gb"}
	if b < 1024 {
		return fmt.Sprintf("%db", b)
	}
	v := float64(b) / 1024
	unit := units[0]
	for _, u := range units[1:] {
		if v < 1024 {
			break
		}
		v /= 1024
		unit = u
	}
	return strings.TrimSuffix(fmt.Sprintf("%.1f", v), ".0") + unit
}

// processMemory is a best-effort reading of the worker's resident memory.
type processMemory struct {
	RSS    uint64
	Rollup map[string]uint64
}

func (m processMemory) fields() []zap.Field {
	out := []zap.Field{zap.String("rss", formatBytes(m.RSS))}
	keys := make([]string, 0, len(m.Rollup))
	for k := range m.Rollup {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, zap.String("mem"+k, formatBytes(m.Rollup[k])))
	}
	return out
}
