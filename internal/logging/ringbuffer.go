package logging

import (
	"fmt"
	"io"
	"sync"
	"time"

	"grimm.is/ipclient/internal/clock"
)

// Record counts for the per-interface diagnostic logs.
const (
	StateLogRecords  = 500
	PacketLogRecords = 100
)

// LogEntry is one timestamped line of a LocalLog.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// String renders the entry the way dumps print it.
func (e LogEntry) String() string {
	return e.Timestamp.Format("2006-01-02T15:04:05.000") + " - " + e.Message
}

// LocalLog is a thread-safe circular buffer of log lines.
type LocalLog struct {
	entries []LogEntry
	size    int
	head    int
	count   int
	clock   clock.Clock
	mu      sync.RWMutex
}

// NewLocalLog creates a ring log holding at most size lines.
func NewLocalLog(size int) *LocalLog {
	return NewLocalLogWithClock(size, nil)
}

// NewLocalLogWithClock creates a ring log stamping entries with c.
func NewLocalLogWithClock(size int, c clock.Clock) *LocalLog {
	if size <= 0 {
		size = 1
	}
	return &LocalLog{
		entries: make([]LogEntry, size),
		size:    size,
		clock:   clock.Or(c),
	}
}

// Log formats and appends a line.
func (l *LocalLog) Log(format string, args ...any) {
	l.Add(fmt.Sprintf(format, args...))
}

// Add appends a line, evicting the oldest when full.
func (l *LocalLog) Add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.head] = LogEntry{Timestamp: l.clock.Now(), Message: msg}
	l.head = (l.head + 1) % l.size
	if l.count < l.size {
		l.count++
	}
}

// Entries returns all lines in chronological order.
func (l *LocalLog) Entries() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastLocked(l.count)
}

// Last returns the last n lines in chronological order.
func (l *LocalLog) Last(n int) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastLocked(n)
}

func (l *LocalLog) lastLocked(n int) []LogEntry {
	if n > l.count {
		n = l.count
	}
	if n <= 0 {
		return []LogEntry{}
	}
	result := make([]LogEntry, n)
	start := (l.head - n + l.size) % l.size
	for i := 0; i < n; i++ {
		result[i] = l.entries[(start+i)%l.size]
	}
	return result
}

// Count returns the number of stored lines.
func (l *LocalLog) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Capacity returns the maximum number of stored lines.
func (l *LocalLog) Capacity() int {
	return l.size
}

// Clear removes all lines.
func (l *LocalLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = 0
	l.count = 0
}

// Dump writes every line, oldest first, each prefixed with indent.
func (l *LocalLog) Dump(w io.Writer, indent string) {
	for _, e := range l.Entries() {
		fmt.Fprintf(w, "%s%s\n", indent, e)
	}
}

// Per-interface logs live for the lifetime of the process so that a
// restarted engine on the same interface keeps its history. Each log is
// bounded by its ring size.
var (
	registryMu sync.Mutex
	stateLogs  = make(map[string]*LocalLog)
	packetLogs = make(map[string]*LocalLog)
)

// StateLog returns the process-wide state transition log for iface.
func StateLog(iface string) *LocalLog {
	return lookup(stateLogs, iface, StateLogRecords)
}

// PacketLog returns the process-wide connectivity packet log for iface.
func PacketLog(iface string) *LocalLog {
	return lookup(packetLogs, iface, PacketLogRecords)
}

func lookup(m map[string]*LocalLog, iface string, size int) *LocalLog {
	registryMu.Lock()
	defer registryMu.Unlock()
	if l, ok := m[iface]; ok {
		return l
	}
	l := NewLocalLog(size)
	m[iface] = l
	return l
}
