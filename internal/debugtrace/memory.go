package debugtrace

import "runtime"

// MemorySnapshot holds process memory counters in bytes
type MemorySnapshot struct {
	RSS       uint64 `json:"rss"`
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
	External  uint64 `json:"external"`
}

// MemoryDelta is the signed per-counter difference of two snapshots
type MemoryDelta struct {
	RSS       int64 `json:"rss"`
	HeapUsed  int64 `json:"heapUsed"`
	HeapTotal int64 `json:"heapTotal"`
	External  int64 `json:"external"`
}

// ReadMemorySnapshot samples the Go runtime. RSS is approximated by the
// memory obtained from the OS; External is everything outside the heap
// (stacks, runtime metadata).
func ReadMemorySnapshot() MemorySnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemorySnapshot{
		RSS:       ms.Sys,
		HeapUsed:  ms.HeapAlloc,
		HeapTotal: ms.HeapSys,
		External:  ms.Sys - ms.HeapSys,
	}
}

// Sub returns s minus start
func (s MemorySnapshot) Sub(start MemorySnapshot) MemoryDelta {
	return MemoryDelta{
		RSS:       int64(s.RSS) - int64(start.RSS),
		HeapUsed:  int64(s.HeapUsed) - int64(start.HeapUsed),
		HeapTotal: int64(s.HeapTotal) - int64(start.HeapTotal),
		External:  int64(s.External) - int64(start.External),
	}
}
