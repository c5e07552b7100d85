// Package id provides centralized ID generation for the IPC core.
//
// IDs are prefixed ULIDs: lexicographically sortable, unique without
// coordination, and readable in logs (proc_*, portal_*, task_*). Numeric
// identities that cross the wire (PIDs, handles, sequence numbers) stay
// plain integers; ULIDs are for bookkeeping and observability only.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ProcessID identifies a launched process instance.
type ProcessID string

// PortalID identifies a portal connection.
type PortalID string

// TaskID identifies a cooperative task.
type TaskID string

const (
	ProcessPrefix = "proc"
	PortalPrefix  = "portal"
	TaskPrefix    = "task"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewProcessID generates a new process instance ID.
func NewProcessID() ProcessID {
	return ProcessID(Default().GenerateWithPrefix(ProcessPrefix))
}

// NewPortalID generates a new portal ID.
func NewPortalID() PortalID {
	return PortalID(Default().GenerateWithPrefix(PortalPrefix))
}

// NewTaskID generates a new task ID.
func NewTaskID() TaskID {
	return TaskID(Default().GenerateWithPrefix(TaskPrefix))
}

func (id ProcessID) String() string { return string(id) }
func (id PortalID) String() string  { return string(id) }
func (id TaskID) String() string    { return string(id) }
