package endpoint

import (
	"errors"
	"time"

	"github.com/nearbymesh/nearbycore/channel"
	"github.com/nearbymesh/nearbycore/medium"
	"github.com/nearbymesh/nearbycore/wire"
	"github.com/nearbymesh/nearbycore/wire/commands"
)

// readerLoop implements spec.md §4.1's reader-loop algorithm. The
// encryption-race retry (spec §4.1) lives in channel.Channel.Read
// itself, since only it holds the raw bytes needed to retry through
// TryDecryptFrame.
func (m *Manager) readerLoop(st *State) {
	for {
		select {
		case <-st.HaltCh():
			return
		default:
		}

		ch := m.channels.GetChannelForEndpoint(st.EndpointID)
		if ch == nil {
			m.DiscardEndpoint(st.Client, st.EndpointID, channel.ReasonIOError)
			return
		}

		cmd, meta, err := ch.Read()
		if err == nil {
			st.clearFailedMedium()
			m.dispatch(st, cmd, ch.Medium, meta)
			continue
		}

		switch {
		case errors.Is(err, wire.ErrInterrupted):
			return

		case errors.Is(err, wire.ErrInvalidProtocolBuffer):
			prev, had := st.setLastFailedMedium(ch.Medium)
			if had && prev == ch.Medium {
				// Two successive invalid frames on the same medium
				// terminates the loop (spec §8 boundary behavior).
				m.DiscardEndpoint(st.Client, st.EndpointID, channel.ReasonIOError)
				return
			}
			continue

		case errors.Is(err, wire.ErrIO):
			prev, had := st.setLastFailedMedium(ch.Medium)
			next := m.channels.GetChannelForEndpoint(st.EndpointID)
			if next == nil {
				m.DiscardEndpoint(st.Client, st.EndpointID, channel.ReasonIOError)
				return
			}
			if had && prev == ch.Medium && next.Medium == ch.Medium {
				m.DiscardEndpoint(st.Client, st.EndpointID, channel.ReasonIOError)
				return
			}
			continue

		default:
			m.DiscardEndpoint(st.Client, st.EndpointID, channel.ReasonIOError)
			return
		}
	}
}

func (m *Manager) dispatch(st *State, cmd commands.Command, md medium.Kind, meta wire.PacketMetadata) {
	ft := cmd.FrameType()
	proc := m.processorFor(ft)

	if proc != nil {
		proc.OnIncomingFrame(cmd, st.EndpointID, st.Client, md, meta)
		return
	}

	switch ft {
	case commands.TypeDisconnection:
		m.handleDisconnectionFrame(st, cmd.(*commands.Disconnection))
	case commands.TypeKeepAlive:
		// Receipt alone already reset last-read-time in Channel.Read.
	default:
		log.Debug("no processor for frame", "type", ft, "endpoint", st.EndpointID)
	}
}

// keepAliveLoop implements spec.md §4.1's keep-alive algorithm.
func (m *Manager) keepAliveLoop(st *State) {
	for {
		ch := m.channels.GetChannelForEndpoint(st.EndpointID)
		if ch == nil {
			return
		}

		now := time.Now()
		if now.Sub(ch.LastReadTime()) >= st.KeepAliveTimeout {
			m.DiscardEndpoint(st.Client, st.EndpointID, channel.ReasonIOError)
			return
		}
		if now.Sub(ch.LastWriteTime()) >= st.KeepAliveInterval {
			_ = ch.Write(&commands.KeepAlive{})
		}

		timeToTimeout := st.KeepAliveTimeout - now.Sub(ch.LastReadTime())
		timeToWrite := st.KeepAliveInterval - now.Sub(ch.LastWriteTime())
		wait := timeToTimeout
		if timeToWrite < wait {
			wait = timeToWrite
		}
		if wait <= 0 {
			wait = time.Millisecond
		}

		select {
		case <-st.HaltCh():
			return
		case <-time.After(wait):
		}
	}
}
