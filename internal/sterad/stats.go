package sterad

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
	captured       atomic.Uint64
	rejected       atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe records the size of one served body.
func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
	Captured       uint64
	Rejected       uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Captured: s.captured.Load(),
		Rejected: s.rejected.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}
