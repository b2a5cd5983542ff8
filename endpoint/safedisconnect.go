package endpoint

import (
	"time"

	"github.com/nearbymesh/nearbycore/channel"
	"github.com/nearbymesh/nearbycore/wire/commands"
)

// disconnectAckTimeout bounds how long a local LOCAL_DISCONNECTION
// waits for the remote's Disconnection{req=1,ack=1} before giving up
// and tearing down unsafely (spec §4.1's AwaitingAck timer).
const disconnectAckTimeout = 10 * time.Second

// BeginSafeDisconnect drives the local-close half of the safe-disconnect
// table in spec.md §4.1. For endpoints that never negotiated the
// capability it falls back to a plain UnregisterEndpoint.
func (m *Manager) BeginSafeDisconnect(client Client, endpointID string) {
	st := m.Get(endpointID)
	if st == nil || !st.SafeDisconnectCapable {
		m.UnregisterEndpoint(client, endpointID)
		return
	}

	ch := m.channels.GetChannelForEndpoint(endpointID)
	if ch == nil {
		m.UnregisterEndpoint(client, endpointID)
		return
	}

	st.mu.Lock()
	st.dstate = stateAwaitingAck
	st.mu.Unlock()

	ch.Resume()
	_ = ch.Write(&commands.Disconnection{Req: true, Ack: false})

	st.mu.Lock()
	st.ackTimer = time.AfterFunc(disconnectAckTimeout, func() {
		m.exec.Post(func() {
			st.mu.Lock()
			stillWaiting := st.dstate == stateAwaitingAck
			st.mu.Unlock()
			if stillWaiting {
				log.Warn("safe-disconnect ack timed out, unsafe teardown", "endpoint", endpointID)
				m.removeEndpointStateLocked(client, endpointID, channel.ReasonLocalDisconnection, true)
			}
		})
	})
	st.mu.Unlock()
}

// handleDisconnectionFrame implements the remaining transitions of
// spec.md §4.1's safe-disconnect table, invoked from the reader loop's
// dispatch path when no FrameProcessor claims TypeDisconnection.
func (m *Manager) handleDisconnectionFrame(st *State, frame *commands.Disconnection) {
	st.mu.Lock()
	current := st.dstate
	st.mu.Unlock()

	switch {
	case current == stateConnected && frame.Req && !frame.Ack:
		// Remote-initiated close: ack, schedule removal, then block this
		// reader-loop goroutine on the channel registry's stop-wait
		// condition until RemoveChannel actually retires the endpoint's
		// channel (spec §4.1's "mark endpoint stop-wait").
		st.mu.Lock()
		st.dstate = stateDisconnected
		st.mu.Unlock()

		ch := m.channels.GetChannelForEndpoint(st.EndpointID)
		if ch != nil {
			ch.Resume()
			_ = ch.Write(&commands.Disconnection{Req: true, Ack: true})
		}
		m.DiscardEndpoint(st.Client, st.EndpointID, channel.ReasonRemoteDisconnection)
		m.channels.WaitForStopWait(st.EndpointID)

	case current == stateAwaitingAck && frame.Req && frame.Ack:
		st.mu.Lock()
		if st.ackTimer != nil {
			st.ackTimer.Stop()
		}
		st.dstate = stateDisconnected
		st.mu.Unlock()
		m.DiscardEndpoint(st.Client, st.EndpointID, channel.ReasonLocalDisconnection)

	default:
		log.Debug("disconnection frame in unexpected state", "endpoint", st.EndpointID, "state", current)
	}
}
