package share

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"picsend/storage"
)

// run is the background worker. It owns the transport lifecycle, the sync
// loop, and command processing; nothing in here ever unwinds into the
// foreground's call stack.
func (m *Manager) run() {
	defer close(m.done)
	defer m.commands.close()

	if err := m.options.Transport.Start(); err != nil {
		m.events.push(Event{
			Type:    EventError,
			Message: fmt.Sprintf("network startup failed: %v", err),
		})
		return
	}
	defer m.options.Transport.Stop()

	syncCtx, cancelSync := context.WithCancel(context.Background())
	syncDone := make(chan struct{})
	go m.syncLoop(syncCtx, syncDone)

	m.commandLoop()

	// Draining: stop reconciliation, let the transport tear down. Any
	// in-flight transfer already reached a terminal event inside commandLoop.
	cancelSync()
	<-syncDone
}

func (m *Manager) commandLoop() {
	for {
		cmd, ok := m.commands.pop()
		if !ok {
			<-m.commands.ready()
			continue
		}

		switch cmd.kind {
		case cmdShutdown:
			return
		case cmdSendFile:
			m.dispatch(cmd)
		}
	}
}

// syncLoop reconciles the transport's live peer set against the peer
// directory once per interval. It is the directory's only writer.
func (m *Manager) syncLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.options.SyncInterval)
	defer ticker.Stop()

	// Prime the directory immediately rather than waiting a full interval.
	m.reconcile()

	for {
		select {
		case <-ticker.C:
			m.reconcile()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) reconcile() {
	live := m.options.Transport.LivePeers()
	for _, event := range m.directory.reconcile(live) {
		m.events.push(event)
	}
}

// dispatch performs one queued send. Transfers run strictly one at a time in
// submission order; a failure is reported once and never retried.
func (m *Manager) dispatch(cmd command) {
	m.events.push(Event{
		Type:        EventTransferStarted,
		Fingerprint: cmd.fingerprint,
		FilePath:    cmd.filePath,
	})

	transferID := uuid.NewString()
	m.journalStart(transferID, cmd)

	err := m.options.Transport.SendFile(context.Background(), cmd.fingerprint, cmd.filePath)
	if err != nil {
		m.events.push(Event{
			Type:        EventTransferFailed,
			Fingerprint: cmd.fingerprint,
			FilePath:    cmd.filePath,
			Message:     err.Error(),
		})
		m.journalFinish(transferID, storage.StatusFailed, err.Error())
		return
	}

	m.events.push(Event{
		Type:        EventTransferComplete,
		Fingerprint: cmd.fingerprint,
		FilePath:    cmd.filePath,
	})
	m.journalFinish(transferID, storage.StatusComplete, "")
}

func (m *Manager) journalStart(transferID string, cmd command) {
	if m.options.Store == nil {
		return
	}

	alias := ""
	if peer, ok := m.directory.lookup(cmd.fingerprint); ok {
		alias = peer.Device.Alias
	}

	_ = m.options.Store.RecordTransfer(storage.Transfer{
		TransferID:      transferID,
		PeerFingerprint: cmd.fingerprint,
		PeerAlias:       alias,
		Direction:       storage.DirectionSend,
		Filename:        filepath.Base(cmd.filePath),
	})
}

func (m *Manager) journalFinish(transferID, status, cause string) {
	if m.options.Store == nil {
		return
	}
	_ = m.options.Store.FinishTransfer(transferID, status, cause)
}

// reconcile applies a live peer snapshot: new fingerprints are inserted,
// known ones refreshed in place, vanished ones removed. Returned events list
// all discoveries before all losses; order within each group follows map
// iteration and is deliberately unspecified.
func (d *directory) reconcile(live map[string]Peer) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	var events []Event
	for fingerprint, peer := range live {
		if _, exists := d.peers[fingerprint]; !exists {
			events = append(events, Event{
				Type:        EventPeerDiscovered,
				Fingerprint: fingerprint,
				Device:      peer.Device,
				Addr:        peer.Addr,
			})
		}
		d.peers[fingerprint] = peer
	}

	for fingerprint := range d.peers {
		if _, exists := live[fingerprint]; !exists {
			delete(d.peers, fingerprint)
			events = append(events, Event{
				Type:        EventPeerLost,
				Fingerprint: fingerprint,
			})
		}
	}

	return events
}
