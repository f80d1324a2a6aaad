package util

import (
	"sync"

	"github.com/influxdata/influxdb-client-go/api/write"
)

// MockWriteAPI satisfies the influxdb WriteAPI interface without a server.
// It records written points so tests can assert on emitted metrics; it is
// also the default sink when no InfluxDB endpoint is configured.
type MockWriteAPI struct {
	mu     sync.Mutex
	points []*write.Point
}

func (m *MockWriteAPI) WriteRecord(line string) {}

func (m *MockWriteAPI) WritePoint(point *write.Point) {
	m.mu.Lock()
	m.points = append(m.points, point)
	m.mu.Unlock()
}

// Points returns the points written so far.
func (m *MockWriteAPI) Points() []*write.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*write.Point, len(m.points))
	copy(out, m.points)
	return out
}

// Flush forces all pending writes from the buffer to be sent
func (m *MockWriteAPI) Flush() {}

// Flushes all pending writes and stop async processes. After this the Write client cannot be used
func (m *MockWriteAPI) Close() {}

// Errors returns a channel for reading errors which occurs during async writes.
// Must be called before performing any writes for errors to be collected.
// The chan is unbuffered and must be drained or the writer will block.
func (m *MockWriteAPI) Errors() <-chan error { return nil }
