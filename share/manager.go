package share

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"picsend/models"
	"picsend/storage"
)

// DefaultSyncInterval is the peer reconciliation period. It is a tunable, not
// a protocol constant.
const DefaultSyncInterval = 2 * time.Second

// ErrManagerStopped is returned when a command is submitted after the
// background worker has exited.
var ErrManagerStopped = errors.New("share manager is stopped")

// Peer is one reachable device as seen by the peer directory.
type Peer struct {
	Addr   string
	Device models.DeviceInfo
}

// Transport is the network capability the manager drives: discovery
// announcement/listening, a live-peer snapshot, and one-shot file pushes.
// Concurrency safety across LivePeers and SendFile is the transport's own
// responsibility.
type Transport interface {
	Start() error
	Stop()
	LivePeers() map[string]Peer
	SendFile(ctx context.Context, fingerprint, filePath string) error
}

// Options configures a Manager.
type Options struct {
	Transport Transport

	// SyncInterval is the peer reconciliation period. Zero means
	// DefaultSyncInterval.
	SyncInterval time.Duration

	// Store, when set, journals transfer outcomes. Journal writes are best
	// effort and never affect command processing.
	Store *storage.Store
}

// Manager coordinates LAN peer discovery and file transfers on a single
// background worker, exposing a non-blocking interface to a foreground
// caller.
//
// The foreground submits commands through SendFile/Shutdown and observes
// results by polling PollEvents; it never blocks on network I/O.
type Manager struct {
	options Options

	commands *queue[command]
	events   *queue[Event]

	directory *directory

	done chan struct{}
}

// New validates options, spawns the background worker, and returns without
// waiting for network startup. Startup failures surface later as an
// EventError event, not as a constructor error.
func New(options Options) (*Manager, error) {
	if options.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if options.SyncInterval <= 0 {
		options.SyncInterval = DefaultSyncInterval
	}

	m := &Manager{
		options:   options,
		commands:  newQueue[command](),
		events:    newQueue[Event](),
		directory: newDirectory(),
		done:      make(chan struct{}),
	}

	go m.run()

	return m, nil
}

// SendFile queues a one-shot push of filePath to the peer with the given
// fingerprint. The outcome arrives asynchronously as transfer events.
func (m *Manager) SendFile(fingerprint, filePath string) error {
	if strings.TrimSpace(fingerprint) == "" {
		return errors.New("peer fingerprint is required")
	}
	if strings.TrimSpace(filePath) == "" {
		return errors.New("file path is required")
	}

	if !m.commands.push(command{kind: cmdSendFile, fingerprint: fingerprint, filePath: filePath}) {
		return ErrManagerStopped
	}
	return nil
}

// Peers returns a point-in-time copy of the peer directory. It reflects the
// most recently completed reconciliation cycle and never blocks on network
// I/O.
func (m *Manager) Peers() map[string]Peer {
	return m.directory.snapshot()
}

// PollEvents drains all currently queued events without blocking. It returns
// nil when none are pending and is safe to call every UI frame.
func (m *Manager) PollEvents() []Event {
	return m.events.drain()
}

// Shutdown asks the background worker to stop. It is idempotent: calling it
// repeatedly, or after the worker has already exited, is a no-op.
func (m *Manager) Shutdown() {
	m.commands.push(command{kind: cmdShutdown})
}

// Done is closed once the background worker has fully stopped.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// directory is the peer directory: written only by the worker's sync loop,
// read by the foreground as cloned snapshots.
type directory struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

func newDirectory() *directory {
	return &directory{peers: make(map[string]Peer)}
}

func (d *directory) snapshot() map[string]Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]Peer, len(d.peers))
	for fingerprint, peer := range d.peers {
		out[fingerprint] = peer
	}
	return out
}

func (d *directory) lookup(fingerprint string) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peer, ok := d.peers[fingerprint]
	return peer, ok
}
