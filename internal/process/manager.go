package process

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/helios-os/helios/internal/events"
	"github.com/helios-os/helios/internal/portal"
	"github.com/helios-os/helios/internal/shared/id"
	"github.com/helios-os/helios/internal/stream"
	"github.com/helios-os/helios/internal/syncbridge"
	"github.com/helios-os/helios/internal/task"
)

var ErrNoSuchProcess = errors.New("no such process")

// PID identifies a process. PID 0 is the kernel and is never allocated.
type PID uint32

// Process is one live process record.
type Process struct {
	PID      PID          `json:"pid"`
	Instance id.ProcessID `json:"instance"`
	Name     string       `json:"name"`
	Started  time.Time    `json:"started"`

	// Standard stream: the process reads Stdin and writes Stdout; the
	// kernel holds the opposite halves.
	Stdin       stream.Handle `json:"stdin"`
	StdinFeed   stream.Handle `json:"stdin_feed"`
	Stdout      stream.Handle `json:"stdout"`
	StdoutDrain stream.Handle `json:"stdout_drain"`

	mu      sync.Mutex
	portals []*portal.Portal
}

// Portals lists the process's live portals.
func (p *Process) Portals() []*portal.Portal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*portal.Portal, len(p.portals))
	copy(out, p.portals)
	return out
}

func (p *Process) attach(pt *portal.Portal) {
	p.mu.Lock()
	p.portals = append(p.portals, pt)
	p.mu.Unlock()
}

// Manager allocates PIDs and tracks every live process.
type Manager struct {
	streams *stream.Registry
	bridge  *syncbridge.Bridge
	exec    *task.Executor
	bus     *events.Bus
	log     *zap.Logger
	obs     portal.Observer

	nextPID atomic.Uint32

	mu    sync.RWMutex
	procs map[PID]*Process
}

// NewManager creates a process manager over the shared stream registry and
// task executor. The bus and observer may be nil.
func NewManager(streams *stream.Registry, bridge *syncbridge.Bridge, exec *task.Executor, bus *events.Bus, log *zap.Logger, obs portal.Observer) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		streams: streams,
		bridge:  bridge,
		exec:    exec,
		bus:     bus,
		log:     log,
		obs:     obs,
		procs:   make(map[PID]*Process),
	}
}

// Launch registers a new process and equips it with its standard stream.
// Both streams are created kernel-side; the process's halves are then
// adopted over to it.
func (m *Manager) Launch(name string) (*Process, error) {
	pid := PID(m.nextPID.Add(1))
	owner := stream.Owner(pid)

	// stdin: kernel produces, process consumes.
	stdinFeed, stdinKernel := m.streams.Create(stream.KernelOwner)
	stdin, err := m.streams.Adopt(stdinKernel, owner)
	if err != nil {
		return nil, fmt.Errorf("adopting stdin: %w", err)
	}

	// stdout: process produces, kernel consumes. Created under the process
	// so the producer half lands with it directly.
	stdout, stdoutCons := m.streams.Create(owner)
	stdoutDrain, err := m.streams.Adopt(stdoutCons, stream.KernelOwner)
	if err != nil {
		m.streams.CloseOwned(owner)
		_ = m.streams.Close(stdinFeed)
		return nil, fmt.Errorf("adopting stdout: %w", err)
	}

	p := &Process{
		PID:         pid,
		Instance:    id.NewProcessID(),
		Name:        name,
		Started:     time.Now(),
		Stdin:       stdin,
		StdinFeed:   stdinFeed,
		Stdout:      stdout,
		StdoutDrain: stdoutDrain,
	}

	m.mu.Lock()
	m.procs[pid] = p
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish("process_launched", map[string]any{
			"pid":  uint32(pid),
			"name": name,
		})
	}
	m.log.Info("process launched",
		zap.Uint32("pid", uint32(pid)),
		zap.String("name", name),
		zap.String("instance", string(p.Instance)))
	return p, nil
}

// Get finds a live process.
func (m *Manager) Get(pid PID) (*Process, error) {
	m.mu.RLock()
	p, ok := m.procs[pid]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
	}
	return p, nil
}

// Connect opens a portal pair between two processes: crossed streams, one
// portal per side, each attached to its owner. Negotiation is left to the
// callers' tasks.
func (m *Manager) Connect(client, server *Process, clientSchema, serverSchema *portal.Schema) (*portal.Portal, *portal.Portal, error) {
	// client -> server direction.
	csProd, csKernel := m.streams.Create(stream.Owner(client.PID))
	csCons, err := m.streams.Adopt(csKernel, stream.Owner(server.PID))
	if err != nil {
		return nil, nil, fmt.Errorf("adopting forward stream: %w", err)
	}
	// server -> client direction.
	scProd, scKernel := m.streams.Create(stream.Owner(server.PID))
	scCons, err := m.streams.Adopt(scKernel, stream.Owner(client.PID))
	if err != nil {
		_ = m.streams.Close(csProd)
		_ = m.streams.Close(csCons)
		return nil, nil, fmt.Errorf("adopting reverse stream: %w", err)
	}

	clientPortal, err := portal.New(clientSchema, scCons, csProd, m.bridge, m.exec, m.log, m.obs)
	if err != nil {
		return nil, nil, err
	}
	serverPortal, err := portal.New(serverSchema, csCons, scProd, m.bridge, m.exec, m.log, m.obs)
	if err != nil {
		_ = clientPortal.Close()
		return nil, nil, err
	}

	client.attach(clientPortal)
	server.attach(serverPortal)

	if m.bus != nil {
		m.bus.Publish("portal_opened", map[string]any{
			"client": uint32(client.PID),
			"server": uint32(server.PID),
		})
	}
	return clientPortal, serverPortal, nil
}

// Terminate tears a process down: its portals close (failing their
// outstanding calls), and every stream handle it owns is revoked so peers
// observe the death.
func (m *Manager) Terminate(pid PID) error {
	m.mu.Lock()
	p, ok := m.procs[pid]
	if ok {
		delete(m.procs, pid)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
	}

	for _, pt := range p.Portals() {
		_ = pt.Close()
	}
	closed := m.streams.CloseOwned(stream.Owner(pid))

	if m.bus != nil {
		m.bus.Publish("process_terminated", map[string]any{
			"pid":     uint32(pid),
			"name":    p.Name,
			"handles": closed,
		})
	}
	m.log.Info("process terminated",
		zap.Uint32("pid", uint32(pid)),
		zap.String("name", p.Name),
		zap.Int("handles_closed", closed))
	return nil
}

// List returns all live processes.
func (m *Manager) List() []*Process {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Process, 0, len(m.procs))
	for _, p := range m.procs {
		out = append(out, p)
	}
	return out
}

// PortalSnapshots collects introspection info for every live portal.
func (m *Manager) PortalSnapshots() []portal.PortalInfo {
	var infos []portal.PortalInfo
	for _, p := range m.List() {
		for _, pt := range p.Portals() {
			infos = append(infos, pt.Snapshot())
		}
	}
	return infos
}
