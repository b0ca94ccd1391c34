// Package diag samples process memory, flags sustained heap growth and writes
// heap profiles on demand.
package diag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LeakSamples is how many consecutive growing samples count as a suspected leak.
const LeakSamples = 5

// Stats is one memory sample.
type Stats struct {
	Time        time.Time `json:"time"`
	HeapAlloc   uint64    `json:"heapAlloc"`
	HeapInuse   uint64    `json:"heapInuse"`
	HeapObjects uint64    `json:"heapObjects"`
	Sys         uint64    `json:"sys"`
	NumGC       uint32    `json:"numGC"`
	Goroutines  int       `json:"goroutines"`
}

// Diff compares two samples.
type Diff struct {
	Before Stats  `json:"before"`
	After  Stats  `json:"after"`
	Change Change `json:"change"`
}

// Change is After minus Before.
type Change struct {
	HeapAlloc   int64 `json:"heapAlloc"`
	HeapObjects int64 `json:"heapObjects"`
	Goroutines  int   `json:"goroutines"`
}

// Collector periodically samples runtime memory statistics.
type Collector struct {
	interval    time.Duration
	snapshotDir string
	log         logrus.FieldLogger
	read        func() Stats

	mu       sync.Mutex
	baseline Stats
	last     Stats
	growth   int
	subs     map[chan Stats]struct{}
}

// NewCollector returns a collector sampling every interval and writing heap
// profiles into snapshotDir.
func NewCollector(interval time.Duration, snapshotDir string, log logrus.FieldLogger) *Collector {
	c := &Collector{
		interval:    interval,
		snapshotDir: snapshotDir,
		log:         log.WithField("component", "diag"),
		read:        readRuntime,
		subs:        make(map[chan Stats]struct{}),
	}
	c.baseline = c.read()
	c.last = c.baseline
	return c
}

// Run samples until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sample()
		}
	}
}

// Sample takes one reading, logs it and fans it out to subscribers.
func (c *Collector) Sample() Stats {
	s := c.read()

	c.mu.Lock()
	if s.HeapAlloc > c.last.HeapAlloc {
		c.growth++
	} else {
		c.growth = 0
	}
	leak := c.growth >= LeakSamples
	if leak {
		c.growth = 0
	}
	c.last = s
	for ch := range c.subs {
		select {
		case ch <- s:
		default:
		}
	}
	c.mu.Unlock()

	log := c.log.WithFields(logrus.Fields{
		"heap_alloc":   s.HeapAlloc,
		"heap_objects": s.HeapObjects,
		"sys":          s.Sys,
		"num_gc":       s.NumGC,
		"goroutines":   s.Goroutines,
	})
	log.Info("memory stats")
	if leak {
		log.WithField("samples", LeakSamples).Warn("memory leak suspected: heap grew on consecutive samples")
	}
	return s
}

// Latest returns the most recent sample.
func (c *Collector) Latest() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// HeapDiff compares the current heap with the previous call's and starts a
// new baseline.
func (c *Collector) HeapDiff() Diff {
	now := c.read()

	c.mu.Lock()
	before := c.baseline
	c.baseline = now
	c.mu.Unlock()

	return Diff{
		Before: before,
		After:  now,
		Change: Change{
			HeapAlloc:   int64(now.HeapAlloc) - int64(before.HeapAlloc),
			HeapObjects: int64(now.HeapObjects) - int64(before.HeapObjects),
			Goroutines:  now.Goroutines - before.Goroutines,
		},
	}
}

// WriteHeapSnapshot writes a heap profile named after the current time and
// returns its path.
func (c *Collector) WriteHeapSnapshot() (string, error) {
	if err := os.MkdirAll(c.snapshotDir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	path := filepath.Join(c.snapshotDir, fmt.Sprintf("%d.heapprofile", time.Now().UnixMilli()))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create snapshot: %w", err)
	}
	defer f.Close()

	runtime.GC()
	if err := pprof.Lookup("heap").WriteTo(f, 0); err != nil {
		return "", fmt.Errorf("write heap profile: %w", err)
	}

	c.log.WithField("file", path).Info("heap snapshot written")
	return path, nil
}

// Subscribe registers for future samples. Slow readers miss samples rather
// than stalling the collector. The returned func unsubscribes.
func (c *Collector) Subscribe() (<-chan Stats, func()) {
	ch := make(chan Stats, 1)

	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ch)
			c.mu.Unlock()
		})
	}
}

func readRuntime() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Stats{
		Time:        time.Now(),
		HeapAlloc:   m.HeapAlloc,
		HeapInuse:   m.HeapInuse,
		HeapObjects: m.HeapObjects,
		Sys:         m.Sys,
		NumGC:       m.NumGC,
		Goroutines:  runtime.NumGoroutine(),
	}
}
