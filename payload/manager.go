package payload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/nearbymesh/nearbycore/channel"
	"github.com/nearbymesh/nearbycore/core/worker"
	"github.com/nearbymesh/nearbycore/core/xlog"
	"github.com/nearbymesh/nearbycore/endpoint"
	"github.com/nearbymesh/nearbycore/medium"
	"github.com/nearbymesh/nearbycore/wire"
	"github.com/nearbymesh/nearbycore/wire/commands"
)

var log = xlog.New("payload")

// FilePath computes the on-disk location of an incoming file payload
// under savePath, the spec §6 "custom save path" configuration.
func FilePath(savePath string, payloadID int64) string {
	return filepath.Join(savePath, fmt.Sprintf("payload-%d", payloadID))
}

// defaultChunkSize is used when the target endpoint's channel can't be
// resolved (e.g. mid-BWU-swap); the channel's real MaxPacketSize is
// preferred whenever available.
const defaultChunkSize = 16 * 1024

// FrameSender is the narrow slice of endpoint.Manager PayloadManager
// needs: encode-and-write a chunk/control frame to a set of endpoints.
type FrameSender interface {
	SendPayloadChunk(targets []string, cmd *commands.PayloadTransfer) []string
	SendControlMessage(targets []string, payloadID int64, ctrl commands.ControlType) []string
}

// UnclaimedHandler lets the façade (component K) decide what to do
// with a DATA frame for a payload id PayloadManager has never seen
// registered — spec §4.6's "no listener registered" routing.
type UnclaimedHandler interface {
	OnUnclaimedPayload(payloadID int64, kind Kind, totalSize int64, fromEndpoint string) (listener StatusListener, savePath string, accept bool)
}

type sendTask struct {
	endpointID string
	p          *Payload
	listener   StatusListener
}

// Manager is the PayloadManager (spec.md §4 component F).
type Manager struct {
	worker.Worker

	sender   FrameSender
	channels *channel.Manager

	// queues[k] is the writer worker for payload kind k, matching
	// spec §4.4's "three writer workers (one per payload kind)".
	queues [3]chan sendTask

	mu       sync.Mutex
	outgoing map[int64]*outgoingState
	incoming map[int64]*incomingState

	unclaimedMu sync.Mutex
	unclaimed   UnclaimedHandler

	savePath string
}

type outgoingState struct {
	tracked *trackedPayload
	cancel  chan struct{}
	once    sync.Once
}

type incomingState struct {
	tracked  *trackedPayload
	kind     Kind
	tracker  *rangeTracker
	buf      []byte
	file     *os.File
	streamW  io.Writer
	canceled bool
}

// NewManager constructs a PayloadManager that writes frames via sender
// and resolves per-endpoint max packet size via channels.
func NewManager(sender FrameSender, channels *channel.Manager, savePath string) *Manager {
	m := &Manager{
		sender:   sender,
		channels: channels,
		outgoing: make(map[int64]*outgoingState),
		incoming: make(map[int64]*incomingState),
		savePath: savePath,
	}
	for i := range m.queues {
		m.queues[i] = make(chan sendTask, 32)
	}
	for i := range m.queues {
		q := m.queues[i]
		m.Go(func() { m.writerLoop(q) })
	}
	return m
}

// SetUnclaimedHandler installs the façade callback for DATA frames
// whose payload id was never registered locally.
func (m *Manager) SetUnclaimedHandler(h UnclaimedHandler) {
	m.unclaimedMu.Lock()
	m.unclaimed = h
	m.unclaimedMu.Unlock()
}

// Send enqueues p for chunked delivery to endpointID. listener
// receives progress and the single terminal update.
func (m *Manager) Send(endpointID string, p *Payload, listener StatusListener) error {
	total := p.TotalSize
	if p.Kind == KindBytes {
		total = int64(len(p.Bytes))
	}
	tp := &trackedPayload{listener: listener, totalBytes: total}

	st := &outgoingState{tracked: tp, cancel: make(chan struct{})}
	m.mu.Lock()
	m.outgoing[p.ID] = st
	m.mu.Unlock()

	select {
	case m.queues[p.Kind] <- sendTask{endpointID: endpointID, p: p, listener: listener}:
		return nil
	case <-m.HaltCh():
		return fmt.Errorf("payload: manager shutting down")
	}
}

func (m *Manager) writerLoop(q chan sendTask) {
	for {
		select {
		case task := <-q:
			m.sendOne(task)
		case <-m.HaltCh():
			return
		}
	}
}

func (m *Manager) sendOne(task sendTask) {
	m.mu.Lock()
	st, ok := m.outgoing[task.p.ID]
	m.mu.Unlock()
	if !ok {
		return
	}

	chunkSize := defaultChunkSize
	if ch := m.channels.GetChannelForEndpoint(task.endpointID); ch != nil {
		if sz := ch.MaxPacketSize(); sz > 0 {
			chunkSize = sz
		}
	}

	reader, total, closer, err := openPayloadReader(task.p)
	if err != nil {
		st.tracked.emit(task.p.ID, StatusFailure, 0)
		m.finishOutgoing(task.p.ID)
		return
	}
	if closer != nil {
		defer closer.Close()
	}

	var sent int64
	buf := make([]byte, chunkSize)
	for {
		select {
		case <-st.cancel:
			st.tracked.emit(task.p.ID, StatusCanceled, 0)
			m.finishOutgoing(task.p.ID)
			return
		default:
		}

		n, rerr := reader.Read(buf)
		if n > 0 {
			last := rerr == io.EOF || (total >= 0 && sent+int64(n) >= total)
			flags := commands.FlagNone
			if last {
				flags = commands.FlagLastChunk
			}
			cmd := &commands.PayloadTransfer{
				Variant:   commands.PayloadData,
				PayloadID: task.p.ID,
				Kind:      toWireKind(task.p.Kind),
				Offset:    sent,
				TotalSize: total,
				Data:      append([]byte(nil), buf[:n]...),
				Flags:     flags,
			}
			failed := m.sender.SendPayloadChunk([]string{task.endpointID}, cmd)
			if len(failed) > 0 {
				st.tracked.emit(task.p.ID, StatusFailure, sent)
				m.finishOutgoing(task.p.ID)
				return
			}
			sent += int64(n)
			st.tracked.emit(task.p.ID, StatusInProgress, sent)
		}
		if rerr == io.EOF {
			st.tracked.emit(task.p.ID, StatusSuccess, sent)
			m.finishOutgoing(task.p.ID)
			return
		}
		if rerr != nil {
			st.tracked.emit(task.p.ID, StatusFailure, sent)
			m.finishOutgoing(task.p.ID)
			return
		}
	}
}

func openPayloadReader(p *Payload) (io.Reader, int64, io.Closer, error) {
	switch p.Kind {
	case KindBytes:
		return &byteReader{data: p.Bytes}, int64(len(p.Bytes)), nil, nil
	case KindFile:
		f, err := os.Open(p.FilePath)
		if err != nil {
			return nil, 0, nil, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, nil, err
		}
		return f, info.Size(), f, nil
	case KindStream:
		return p.StreamIn, -1, nil, nil
	default:
		return nil, 0, nil, fmt.Errorf("payload: unknown kind %d", p.Kind)
	}
}

// byteReader adapts an in-memory byte payload to io.Reader.
type byteReader struct {
	data []byte
	pos  int
}

func (b *byteReader) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	if b.pos >= len(b.data) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Manager) finishOutgoing(id int64) {
	m.mu.Lock()
	delete(m.outgoing, id)
	m.mu.Unlock()
}

// CancelOutgoing stops an in-flight send after its current chunk and
// emits a single terminal Canceled update (spec §8 scenario 2).
func (m *Manager) CancelOutgoing(payloadID int64, toEndpoint string) {
	m.mu.Lock()
	st, ok := m.outgoing[payloadID]
	m.mu.Unlock()
	if !ok {
		return
	}
	st.once.Do(func() { close(st.cancel) })
	m.sender.SendControlMessage([]string{toEndpoint}, payloadID, commands.ControlCancel)
}

// RegisterIncoming prepares an assembler for an expected incoming
// payload, called by the façade once it has decided to accept it.
// streamOut is used only when kind is KindStream.
func (m *Manager) RegisterIncoming(payloadID int64, kind Kind, totalSize int64, listener StatusListener, streamOut io.Writer) error {
	st := &incomingState{
		tracked: &trackedPayload{listener: listener, totalBytes: totalSize},
		kind:    kind,
		tracker: newRangeTracker(),
		streamW: streamOut,
	}
	if kind == KindFile {
		path := FilePath(m.savePath, payloadID)
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("payload: create %s: %w", path, err)
		}
		st.file = f
	}
	m.mu.Lock()
	m.incoming[payloadID] = st
	m.mu.Unlock()
	return nil
}

// IncomingBytes returns the buffered bytes of a completed KindBytes
// incoming payload, or nil if not yet complete/found.
func (m *Manager) IncomingBytes(payloadID int64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.incoming[payloadID]
	if !ok {
		return nil
	}
	return st.buf
}

// OnIncomingFrame implements endpoint.FrameProcessor for
// TypePayloadTransfer.
func (m *Manager) OnIncomingFrame(cmd commands.Command, endpointID string, client endpoint.Client, md medium.Kind, meta wire.PacketMetadata) {
	pt, ok := cmd.(*commands.PayloadTransfer)
	if !ok {
		return
	}
	switch pt.Variant {
	case commands.PayloadData:
		m.handleData(pt, endpointID)
	case commands.PayloadControl:
		m.handleControl(pt)
	}
}

// OnEndpointDisconnect implements endpoint.FrameProcessor; PayloadManager
// does not track per-endpoint payload sets today, so terminal failure
// for in-flight transfers is driven by SendPayloadChunk/SendControlMessage
// failures observed during the disconnect rather than here.
func (m *Manager) OnEndpointDisconnect(client endpoint.Client, serviceID, endpointID string, barrier *sync.WaitGroup, reason channel.DisconnectReason) {
}

func (m *Manager) handleData(pt *commands.PayloadTransfer, fromEndpoint string) {
	m.mu.Lock()
	st, ok := m.incoming[pt.PayloadID]
	m.mu.Unlock()

	if !ok {
		if !m.offerUnclaimed(pt, fromEndpoint) {
			m.sender.SendControlMessage([]string{fromEndpoint}, pt.PayloadID, commands.ControlCancel)
			return
		}
		m.mu.Lock()
		st, ok = m.incoming[pt.PayloadID]
		m.mu.Unlock()
		if !ok {
			return
		}
	}

	if !st.tracker.Add(pt.Offset, pt.Offset+int64(len(pt.Data))) {
		return // duplicate/overlapping chunk, already counted
	}

	switch st.kind {
	case KindFile:
		if st.file != nil {
			if _, err := st.file.WriteAt(pt.Data, pt.Offset); err != nil {
				st.tracked.emit(pt.PayloadID, StatusFailure, st.tracker.Covered())
				return
			}
		}
	case KindStream:
		if st.streamW != nil {
			_, _ = st.streamW.Write(pt.Data)
		}
	default: // KindBytes
		st.buf = append(st.buf, pt.Data...)
	}

	covered := st.tracker.Covered()
	if pt.Flags&commands.FlagLastChunk != 0 {
		st.tracked.emit(pt.PayloadID, StatusSuccess, covered)
		m.finishIncoming(pt.PayloadID)
		return
	}
	st.tracked.emit(pt.PayloadID, StatusInProgress, covered)
}

func (m *Manager) handleControl(pt *commands.PayloadTransfer) {
	m.mu.Lock()
	st, ok := m.incoming[pt.PayloadID]
	m.mu.Unlock()
	if !ok {
		return
	}
	switch pt.Control {
	case commands.ControlCancel:
		st.tracked.emit(pt.PayloadID, StatusCanceled, 0)
	case commands.ControlPayloadError:
		st.tracked.emit(pt.PayloadID, StatusFailure, st.tracker.Covered())
	}
	m.finishIncoming(pt.PayloadID)
}

func (m *Manager) offerUnclaimed(pt *commands.PayloadTransfer, fromEndpoint string) bool {
	m.unclaimedMu.Lock()
	h := m.unclaimed
	m.unclaimedMu.Unlock()
	if h == nil {
		return false
	}
	kind := fromWireKind(pt.Kind)
	listener, savePath, ok := h.OnUnclaimedPayload(pt.PayloadID, kind, pt.TotalSize, fromEndpoint)
	if !ok {
		return false
	}
	_ = savePath // materialization path is fixed to m.savePath; callers only vote accept/reject.
	if err := m.RegisterIncoming(pt.PayloadID, kind, pt.TotalSize, listener, nil); err != nil {
		log.Error("register unclaimed payload", "id", pt.PayloadID, "err", err)
		return false
	}
	return true
}

func toWireKind(k Kind) commands.PayloadKind {
	switch k {
	case KindFile:
		return commands.PayloadKindFile
	case KindStream:
		return commands.PayloadKindStream
	default:
		return commands.PayloadKindBytes
	}
}

func fromWireKind(k commands.PayloadKind) Kind {
	switch k {
	case commands.PayloadKindFile:
		return KindFile
	case commands.PayloadKindStream:
		return KindStream
	default:
		return KindBytes
	}
}

func (m *Manager) finishIncoming(id int64) {
	m.mu.Lock()
	st, ok := m.incoming[id]
	if ok {
		delete(m.incoming, id)
	}
	m.mu.Unlock()
	if ok && st.file != nil {
		st.file.Close()
	}
}
