package nearby

import (
	"github.com/nearbymesh/nearbycore/core/config"
	"github.com/nearbymesh/nearbycore/medium"
	"github.com/nearbymesh/nearbycore/payload"
	"github.com/nearbymesh/nearbycore/transfer"
)

// routedListener wraps a client-supplied StatusListener so the façade
// can forget the payload-id registration the moment a terminal status
// is delivered (spec §4.6 "Payload status routing"). Updates that
// arrive once the registration is gone (for example the writer's own
// Canceled after Cancel already delivered one) are dropped, so the
// client sees exactly one terminal update.
type routedListener struct {
	m         *Manager
	payloadID int64
	user      payload.StatusListener
}

func (r *routedListener) OnPayloadTransferUpdate(u payload.Update) {
	r.m.mu.Lock()
	_, registered := r.m.payloadListeners[r.payloadID]
	if registered && u.Status.Terminal() {
		delete(r.m.payloadListeners, r.payloadID)
		delete(r.m.payloadEndpoint, r.payloadID)
	}
	r.m.mu.Unlock()
	if registered {
		r.user.OnPayloadTransferUpdate(u)
	}
}

// Send implements spec §4.6 "Payload send": a file payload under a
// high-quality transport type routes through the endpoint's
// TransferManager gate; everything else sends immediately.
func (m *Manager) Send(endpointID string, p *payload.Payload, listener payload.StatusListener, transportType config.TransportType) error {
	m.mu.Lock()
	if _, connected := m.connections[endpointID]; !connected {
		m.mu.Unlock()
		return statusErr(StatusNotConnectedToEndpoint, nil)
	}
	m.payloadListeners[p.ID] = listener
	m.payloadEndpoint[p.ID] = endpointID
	m.mu.Unlock()

	routed := &routedListener{m: m, payloadID: p.ID, user: listener}

	highQuality := transportType == config.TransportHighQuality || transportType == config.TransportHighQualityNonDisruptive
	if highQuality && p.Kind == payload.KindFile {
		tm := m.transferManagerFor(endpointID)
		tm.Send(func() { _ = m.payloads.Send(endpointID, p, routed) })
		tm.StartTransfer()
		return nil
	}
	return m.payloads.Send(endpointID, p, routed)
}

// OnMediumQualityChanged notifies endpointID's TransferManager (if
// any deferred file sends are queued) that a BWU upgrade landed on
// kind, flushing the queue immediately when kind is high quality
// (spec §4.4).
func (m *Manager) OnMediumQualityChanged(endpointID string, kind medium.Kind) {
	m.mu.Lock()
	tm, ok := m.transferManagers[endpointID]
	m.mu.Unlock()
	if !ok {
		return
	}
	tm.OnMediumQualityChanged(kind)
}

func (m *Manager) sendBytes(endpointID string, payloadID int64, data []byte) error {
	return m.payloads.Send(endpointID, &payload.Payload{ID: payloadID, Kind: payload.KindBytes, Bytes: data}, &discardListener{})
}

type discardListener struct{}

func (discardListener) OnPayloadTransferUpdate(payload.Update) {}

func (m *Manager) transferManagerFor(endpointID string) *transfer.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tm, ok := m.transferManagers[endpointID]; ok {
		return tm
	}
	tm := transfer.NewManager(endpointID)
	m.transferManagers[endpointID] = tm
	return tm
}

// Cancel implements spec §4.6: removes the listener (after delivering
// a synthetic Canceled update if present) and asks PayloadManager to
// cancel. Idempotent per spec §8's round-trip law.
func (m *Manager) Cancel(payloadID int64) {
	m.mu.Lock()
	listener, hasListener := m.payloadListeners[payloadID]
	endpointID, hasEndpoint := m.payloadEndpoint[payloadID]
	delete(m.payloadListeners, payloadID)
	delete(m.payloadEndpoint, payloadID)
	m.mu.Unlock()

	if hasListener {
		listener.OnPayloadTransferUpdate(payload.Update{PayloadID: payloadID, Status: payload.StatusCanceled})
	}
	if hasEndpoint {
		m.payloads.CancelOutgoing(payloadID, endpointID)
	}
}

// handleUnclaimedPayload implements spec §4.6's routing for a DATA
// frame with no registered listener: an incoming bytes payload is
// delivered straight into the matching NearbyConnection's read queue.
// Any other payload is accepted only when unexpected-payload cleanup is
// enabled and a store is configured; PayloadManager then finishes
// writing it and its path is queued for deletion once complete.
// Otherwise it is declined.
func (m *Manager) handleUnclaimedPayload(payloadID int64, kind payload.Kind, totalSize int64, fromEndpoint string) (payload.StatusListener, string, bool) {
	if kind == payload.KindBytes {
		m.mu.Lock()
		conn, ok := m.connections[fromEndpoint]
		m.mu.Unlock()
		if !ok {
			return nil, "", false
		}
		return &bytesDeliveryListener{m: m, payloadID: payloadID, conn: conn}, "", true
	}

	if !m.unexpectedCleanup || m.store == nil {
		return nil, "", false
	}
	return &unexpectedFileListener{m: m, payloadID: payloadID}, m.cfg.CustomSavePath, true
}

// bytesDeliveryListener buffers an unclaimed incoming bytes payload
// and, on success, hands the fully assembled blob to the
// NearbyConnection's read queue (spec §4.6).
type bytesDeliveryListener struct {
	m         *Manager
	payloadID int64
	conn      *NearbyConnection
}

func (b *bytesDeliveryListener) OnPayloadTransferUpdate(u payload.Update) {
	if u.Status != payload.StatusSuccess {
		return
	}
	blob := b.m.payloads.IncomingBytes(b.payloadID)
	b.conn.deliver(blob)
}

// unexpectedFileListener implements spec §4.6's "unexpected incoming
// file cleanup": once the file finishes, its materialized path is
// added to the store's unknown-paths set for the external cleanup
// collaborator to consume via GetAndClearUnknownFilePathsToDelete.
type unexpectedFileListener struct {
	m         *Manager
	payloadID int64
}

func (u *unexpectedFileListener) OnPayloadTransferUpdate(upd payload.Update) {
	if upd.Status != payload.StatusSuccess {
		return
	}
	u.m.store.AddUnknownPath(payload.FilePath(u.m.cfg.CustomSavePath, u.payloadID))
}
