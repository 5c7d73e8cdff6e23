// Package orchestrator drives each PBX call through its tap lifecycle: snoop
// channels to capture both audio directions, external-media channels that
// stream the captured audio to the RTP server, mixing bridges to join them,
// and optionally a speech-to-text connector once audio is flowing. It
// consumes the ARI event stream and owns the per-call registry.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arivox/arivox/internal/ari"
	"github.com/arivox/arivox/internal/connector"
	"github.com/arivox/arivox/internal/observe"
	"github.com/arivox/arivox/pkg/rtp"
)

// defaultBindWait is how long to wait after stream creation for the first
// RTP datagrams, so that port reconciliation sees a bound remote.
const defaultBindWait = 100 * time.Millisecond

const (
	dirIn  = "in"
	dirOut = "out"
)

// ARIClient is the subset of the ARI surface the orchestrator drives.
// *ari.Client satisfies it.
type ARIClient interface {
	CreateSnoop(ctx context.Context, channelID, direction, snoopID string) (*ari.Channel, error)
	CreateExternalMedia(ctx context.Context, externalHost, format, channelID string) (*ari.Channel, error)
	CreateBridge(ctx context.Context, bridgeID string) (*ari.Bridge, error)
	AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error
	DeleteBridge(ctx context.Context, bridgeID string) error
	DeleteChannel(ctx context.Context, channelID string) error
	ContinueChannel(ctx context.Context, channelID string) error
	GetChannelVariable(ctx context.Context, channelID, name string) (string, error)
}

// AudioStream is one direction of received call audio. *rtp.Stream satisfies
// it.
type AudioStream interface {
	RemoteAddr() (netip.AddrPort, bool)
	Buffer() *rtp.RingBuffer
}

// StreamRegistry allocates and releases port-keyed audio streams.
type StreamRegistry interface {
	CreateStream(port int) AudioStream
	EndStream(port int)
}

// Transcriber is the per-call speech-to-text connector as the orchestrator
// sees it.
type Transcriber interface {
	Start(ctx context.Context) error
	Close() error
}

// TranscriberFactory builds a Transcriber for one call from its reconciled
// speaker identity and the two directional audio sources.
type TranscriberFactory func(cfg connector.Config, in, out connector.AudioSource) Transcriber

// Config carries the advertised RTP endpoint and tuning knobs.
type Config struct {
	// RTPHost and RTPPort are advertised to the PBX as the external-media
	// destination.
	RTPHost string
	RTPPort int

	// BindWait is the pause between stream creation and port
	// reconciliation. Defaults to 100 ms; tests set it to zero.
	BindWait time.Duration
}

// tap is one direction of a call's audio capture pipeline.
type tap struct {
	snoopChannelID    string
	extMediaChannelID string
	rtpSourcePort     int
	bridgeID          string
	stream            AudioStream
}

// call accumulates per-call state; its lifecycle states are implicit in
// which fields are populated.
type call struct {
	id       string
	language string

	callerName      string
	callerNumber    string
	connectedName   string
	connectedNumber string

	linkedID       string
	callStartEpoch int64

	transcriptionRequested bool
	connectorStarted       bool
	callElapsedAtStart     float64
	elapsedKnown           bool

	taps map[string]*tap

	// Speaker identity after port reconciliation; valid once audioReady.
	audioReady       bool
	speakerNameIn    string
	speakerNumberIn  string
	speakerNameOut   string
	speakerNumberOut string

	transcriber Transcriber
}

// Manager is the call orchestrator. Register HandleEvent as the ARI event
// handler; StartTranscription and StopTranscription may be called from any
// goroutine.
type Manager struct {
	cfg            Config
	client         ARIClient
	streams        StreamRegistry
	newTranscriber TranscriberFactory
	metrics        *observe.Metrics

	mu           sync.Mutex
	calls        map[string]*call
	pending      map[string]bool
	shuttingDown bool
}

// New creates a Manager.
func New(cfg Config, client ARIClient, streams StreamRegistry, factory TranscriberFactory) *Manager {
	if cfg.BindWait == 0 {
		cfg.BindWait = defaultBindWait
	}
	return &Manager{
		cfg:            cfg,
		client:         client,
		streams:        streams,
		newTranscriber: factory,
		metrics:        observe.DefaultMetrics(),
		calls:          make(map[string]*call),
		pending:        make(map[string]bool),
	}
}

// HandleEvent dispatches one ARI event. Events arrive sequentially from the
// ARI read loop.
func (m *Manager) HandleEvent(ev ari.Event) {
	switch ev.Type {
	case ari.EventStasisStart:
		m.handleStasisStart(ev)
	case ari.EventChannelHangup, ari.EventChannelHangupRequest:
		m.handleHangup(ev)
	case ari.EventStasisEnd:
		m.handleStasisEnd(ev)
	case ari.EventChannelLeftBridge:
		m.handleChannelLeftBridge(ev)
	}
}

func (m *Manager) handleStasisStart(ev ari.Event) {
	if ev.Channel == nil {
		return
	}
	ch := ev.Channel
	ctx := context.Background()

	m.mu.Lock()
	_, known := m.calls[ch.ID]
	m.mu.Unlock()
	if known {
		// Re-entry of a channel we already manage; just send it back.
		if err := m.client.ContinueChannel(ctx, ch.ID); err != nil {
			slog.Warn("failed to continue known channel", "channel", ch.ID, "err", err)
		}
		return
	}

	switch {
	case strings.HasPrefix(ch.ID, "snoop-"):
		m.handleSnoopStart(ctx, ch)
	case strings.HasPrefix(ch.ID, "ext-media-"):
		m.handleExtMediaStart(ctx, ch)
	default:
		m.handleCallStart(ctx, ch)
	}
}

// handleCallStart registers a new call and creates its two snoop channels.
func (m *Manager) handleCallStart(ctx context.Context, ch *ari.Channel) {
	c := &call{
		id:              ch.ID,
		language:        ch.Language,
		callerName:      ch.Caller.Name,
		callerNumber:    ch.Caller.Number,
		connectedName:   ch.Connected.Name,
		connectedNumber: ch.Connected.Number,
		taps: map[string]*tap{
			dirIn:  {},
			dirOut: {},
		},
	}
	if c.language == "" {
		c.language = "en"
	}
	if c.callerName == "" {
		c.callerName = "caller"
	}
	if c.connectedName == "" {
		c.connectedName = "connected"
	}
	if c.callerNumber == "" || c.connectedNumber == "" {
		// Internal calls often carry identity only in dialplan variables.
		if num, err := m.client.GetChannelVariable(ctx, ch.ID, "CALLERID(num)"); err == nil && num != "" {
			if c.callerNumber == "" {
				c.callerNumber = num
			}
		}
	}
	if c.callerNumber == "" {
		c.callerNumber = "unknown"
	}
	if c.connectedNumber == "" {
		c.connectedNumber = "unknown"
	}

	c.linkedID = ch.ID
	if linked, err := m.client.GetChannelVariable(ctx, ch.ID, "CHANNEL(linkedid)"); err == nil && linked != "" {
		c.linkedID = linked
	}
	c.callStartEpoch = parseStartEpoch(c.linkedID)

	m.mu.Lock()
	if m.pending[c.id] || m.pending[c.linkedID] {
		c.transcriptionRequested = true
		delete(m.pending, c.id)
		delete(m.pending, c.linkedID)
	}
	m.calls[c.id] = c
	m.mu.Unlock()
	m.metrics.ActiveCalls.Add(ctx, 1)

	slog.Info("call entered stasis", "channel", c.id, "linkedid", c.linkedID,
		"caller", c.callerNumber, "connected", c.connectedNumber,
		"transcription_requested", c.transcriptionRequested)

	for _, dir := range []string{dirIn, dirOut} {
		snoop, err := m.client.CreateSnoop(ctx, c.id, dir, auxID("snoop", dir, c.id))
		if err != nil {
			slog.Error("failed to create snoop channel", "channel", c.id, "direction", dir, "err", err)
			m.closeCall(c.id)
			return
		}
		m.mu.Lock()
		c.taps[dir].snoopChannelID = snoop.ID
		m.mu.Unlock()
	}
}

// handleSnoopStart creates the external-media channel for one direction once
// its snoop channel is up.
func (m *Manager) handleSnoopStart(ctx context.Context, ch *ari.Channel) {
	dir, callID, ok := parseAuxID(ch.ID, "snoop")
	if !ok {
		slog.Warn("snoop channel with unparseable id", "channel", ch.ID)
		return
	}
	m.mu.Lock()
	c, known := m.calls[callID]
	m.mu.Unlock()
	if !known {
		slog.Warn("snoop channel for unknown call", "channel", ch.ID, "call", callID)
		return
	}

	extHost := fmt.Sprintf("%s:%d", m.cfg.RTPHost, m.cfg.RTPPort)
	em, err := m.client.CreateExternalMedia(ctx, extHost, "slin16", auxID("ext-media", dir, callID))
	if err != nil {
		slog.Error("failed to create external media channel", "call", callID, "direction", dir, "err", err)
		m.closeCall(callID)
		return
	}

	port, err := strconv.Atoi(em.Var("UNICASTRTP_LOCAL_PORT"))
	if err != nil {
		slog.Error("external media channel without usable rtp port", "call", callID,
			"direction", dir, "value", em.Var("UNICASTRTP_LOCAL_PORT"))
		m.closeCall(callID)
		return
	}

	m.mu.Lock()
	c.taps[dir].extMediaChannelID = em.ID
	c.taps[dir].rtpSourcePort = port
	m.mu.Unlock()
	slog.Debug("external media channel created", "call", callID, "direction", dir, "rtp_port", port)
}

// handleExtMediaStart bridges one direction's snoop and external-media
// channels; when both directions are bridged the call becomes audio-ready.
func (m *Manager) handleExtMediaStart(ctx context.Context, ch *ari.Channel) {
	dir, callID, ok := parseAuxID(ch.ID, "ext-media")
	if !ok {
		slog.Warn("external media channel with unparseable id", "channel", ch.ID)
		return
	}
	m.mu.Lock()
	c, known := m.calls[callID]
	var snoopID string
	if known {
		snoopID = c.taps[dir].snoopChannelID
	}
	m.mu.Unlock()
	if !known {
		slog.Warn("external media channel for unknown call", "channel", ch.ID, "call", callID)
		return
	}

	bridge, err := m.client.CreateBridge(ctx, auxID("bridge", dir, callID))
	if err != nil {
		slog.Error("failed to create bridge", "call", callID, "direction", dir, "err", err)
		m.closeCall(callID)
		return
	}
	for _, member := range []string{snoopID, ch.ID} {
		if err := m.client.AddChannelToBridge(ctx, bridge.ID, member); err != nil {
			slog.Error("failed to add channel to bridge", "bridge", bridge.ID, "channel", member, "err", err)
			m.closeCall(callID)
			return
		}
	}

	m.mu.Lock()
	c.taps[dir].bridgeID = bridge.ID
	bothBridged := c.taps[dirIn].bridgeID != "" && c.taps[dirOut].bridgeID != ""
	m.mu.Unlock()

	if !bothBridged {
		return
	}

	m.becomeAudioReady(c)

	if err := m.client.ContinueChannel(ctx, callID); err != nil {
		slog.Warn("failed to return channel to dialplan", "channel", callID, "err", err)
	} else {
		slog.Info("channel returned to dialplan", "channel", callID)
	}
}

// becomeAudioReady allocates both RTP streams, reconciles speaker identity
// against the bound remote port, and starts the transcriber when requested.
func (m *Manager) becomeAudioReady(c *call) {
	m.mu.Lock()
	portIn := c.taps[dirIn].rtpSourcePort
	portOut := c.taps[dirOut].rtpSourcePort
	m.mu.Unlock()

	streamIn := m.streams.CreateStream(portIn)
	streamOut := m.streams.CreateStream(portOut)

	// Give the PBX a moment to send the first datagrams so the streams bind.
	time.Sleep(m.cfg.BindWait)

	m.mu.Lock()
	c.taps[dirIn].stream = streamIn
	c.taps[dirOut].stream = streamOut

	c.speakerNameIn, c.speakerNumberIn = c.callerName, c.callerNumber
	c.speakerNameOut, c.speakerNumberOut = c.connectedName, c.connectedNumber

	// The PBX may hand out the two media ports in either order. If the "in"
	// stream is fed from the port advertised for "out", the directions are
	// swapped and speaker identity must follow.
	if addr, bound := streamIn.RemoteAddr(); bound && int(addr.Port()) == portOut {
		c.speakerNameIn, c.speakerNameOut = c.speakerNameOut, c.speakerNameIn
		c.speakerNumberIn, c.speakerNumberOut = c.speakerNumberOut, c.speakerNumberIn
		slog.Info("rtp ports arrived swapped, speaker identity reconciled", "call", c.id)
	}

	c.audioReady = true
	requested := c.transcriptionRequested
	m.mu.Unlock()

	slog.Info("call audio ready", "call", c.id, "port_in", portIn, "port_out", portOut)

	if requested {
		go m.startTranscriber(c.id)
	}
}

// startTranscriber builds and starts the connector for an audio-ready call.
// Runs off the event loop so a slow provider handshake never blocks events.
func (m *Manager) startTranscriber(callID string) {
	m.mu.Lock()
	c, known := m.calls[callID]
	if !known || !c.audioReady || c.connectorStarted || !c.transcriptionRequested {
		m.mu.Unlock()
		return
	}
	cfg := connector.Config{
		UniqueID:           c.id,
		Language:           c.language,
		SpeakerNameIn:      c.speakerNameIn,
		SpeakerNumberIn:    c.speakerNumberIn,
		SpeakerNameOut:     c.speakerNameOut,
		SpeakerNumberOut:   c.speakerNumberOut,
		CallElapsedAtStart: c.callElapsedAtStart,
		ElapsedKnown:       c.elapsedKnown,
	}
	tr := m.newTranscriber(cfg, c.taps[dirIn].stream.Buffer(), c.taps[dirOut].stream.Buffer())
	c.transcriber = tr
	c.connectorStarted = true
	m.mu.Unlock()

	if err := tr.Start(context.Background()); err != nil {
		slog.Error("failed to start transcriber", "call", callID, "err", err)
		m.closeCall(callID)
	}
}

// StartTranscription requests live transcription for a call referenced by
// channel id or linkedid. Unknown ids are queued and applied on the next
// matching StasisStart.
func (m *Manager) StartTranscription(callID string) {
	m.mu.Lock()
	matches := m.matchCallsLocked(callID)
	if len(matches) == 0 {
		m.pending[callID] = true
		m.mu.Unlock()
		slog.Info("transcription request queued for future call", "call", callID)
		return
	}
	for _, c := range matches {
		c.transcriptionRequested = true
	}
	m.mu.Unlock()

	for _, c := range matches {
		// Best-effort: when the PBX reports how long the call has been
		// answered, downstream consumers can align this session's timestamps
		// with earlier ones.
		if v, err := m.client.GetChannelVariable(context.Background(), c.id, "CHANNEL(answeredtime)"); err == nil && v != "" {
			if secs, perr := strconv.ParseFloat(v, 64); perr == nil {
				m.mu.Lock()
				c.callElapsedAtStart = secs
				c.elapsedKnown = true
				m.mu.Unlock()
			}
		}

		m.mu.Lock()
		ready := c.audioReady && !c.connectorStarted
		m.mu.Unlock()
		if ready {
			go m.startTranscriber(c.id)
		}
		slog.Info("transcription requested", "call", c.id)
	}
}

// StopTranscription stops live transcription without tearing the call down.
func (m *Manager) StopTranscription(callID string) {
	m.mu.Lock()
	delete(m.pending, callID)
	matches := m.matchCallsLocked(callID)
	var toClose []Transcriber
	for _, c := range matches {
		c.transcriptionRequested = false
		if c.transcriber != nil {
			toClose = append(toClose, c.transcriber)
			c.transcriber = nil
			c.connectorStarted = false
		}
	}
	m.mu.Unlock()

	for _, tr := range toClose {
		if err := tr.Close(); err != nil {
			slog.Warn("failed to close transcriber", "call", callID, "err", err)
		}
	}
	slog.Info("transcription stopped", "call", callID, "active_sessions_closed", len(toClose))
}

// matchCallsLocked returns calls whose channel id or linkedid equals callID.
func (m *Manager) matchCallsLocked(callID string) []*call {
	var out []*call
	for _, c := range m.calls {
		if c.id == callID || c.linkedID == callID {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) handleHangup(ev ari.Event) {
	if ev.Channel == nil {
		return
	}
	id := ev.Channel.ID

	m.mu.Lock()
	_, known := m.calls[id]
	m.mu.Unlock()
	if known {
		slog.Info("channel hangup", "channel", id)
		m.closeCall(id)
		return
	}
	if owner := m.findCallByAux(id); owner != "" {
		slog.Debug("auxiliary channel hangup", "channel", id, "call", owner)
		m.closeCall(owner)
	}
}

func (m *Manager) handleStasisEnd(ev ari.Event) {
	if ev.Channel == nil {
		return
	}
	id := ev.Channel.ID

	m.mu.Lock()
	_, known := m.calls[id]
	m.mu.Unlock()
	if known {
		// The primary channel leaves stasis the moment it continues to the
		// dialplan; the taps keep running.
		slog.Debug("primary channel left stasis", "channel", id)
		return
	}
	if owner := m.findCallByAux(id); owner != "" {
		slog.Debug("auxiliary channel left stasis", "channel", id, "call", owner)
		m.closeCall(owner)
	}
}

func (m *Manager) handleChannelLeftBridge(ev ari.Event) {
	if ev.Channel == nil {
		return
	}
	if owner := m.findCallByAux(ev.Channel.ID); owner != "" {
		slog.Debug("channel left bridge", "channel", ev.Channel.ID, "call", owner)
		m.closeCall(owner)
	}
}

// findCallByAux returns the id of the call owning the given snoop or
// external-media channel, or "".
func (m *Manager) findCallByAux(channelID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.calls {
		for _, t := range c.taps {
			if t.snoopChannelID == channelID || t.extMediaChannelID == channelID {
				return id
			}
		}
	}
	return ""
}

// closeCall tears one call down: connector, bridges, external-media
// channels, snoop channels, RTP streams, registry entry. Every step is
// best-effort; a failed delete never blocks the rest.
func (m *Manager) closeCall(callID string) {
	m.mu.Lock()
	c, known := m.calls[callID]
	if !known {
		m.mu.Unlock()
		return
	}
	delete(m.calls, callID)
	delete(m.pending, callID)
	delete(m.pending, c.linkedID)
	m.mu.Unlock()

	ctx := context.Background()

	if c.transcriber != nil {
		if err := c.transcriber.Close(); err != nil {
			slog.Debug("failed to close transcriber", "call", callID, "err", err)
		}
	}
	for _, dir := range []string{dirIn, dirOut} {
		if id := c.taps[dir].bridgeID; id != "" {
			if err := m.client.DeleteBridge(ctx, id); err != nil {
				slog.Debug("failed to delete bridge", "bridge", id, "err", err)
			}
		}
	}
	for _, dir := range []string{dirIn, dirOut} {
		if id := c.taps[dir].extMediaChannelID; id != "" {
			if err := m.client.DeleteChannel(ctx, id); err != nil {
				slog.Debug("failed to delete external media channel", "channel", id, "err", err)
			}
		}
	}
	for _, dir := range []string{dirIn, dirOut} {
		if id := c.taps[dir].snoopChannelID; id != "" {
			if err := m.client.DeleteChannel(ctx, id); err != nil {
				slog.Debug("failed to delete snoop channel", "channel", id, "err", err)
			}
		}
	}
	for _, dir := range []string{dirIn, dirOut} {
		if port := c.taps[dir].rtpSourcePort; port != 0 {
			m.streams.EndStream(port)
		}
	}
	m.metrics.ActiveCalls.Add(ctx, -1)
	slog.Info("call closed", "call", callID)
}

// Shutdown closes every in-flight call.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.closeCall(id)
	}
	slog.Info("call orchestrator shut down", "calls_closed", len(ids))
}

// ActiveCalls returns the number of calls currently tracked.
func (m *Manager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// auxID builds an auxiliary channel or bridge id: "<kind>-<direction>-<call>".
func auxID(kind, direction, callID string) string {
	return kind + "-" + direction + "-" + callID
}

// parseAuxID splits an auxiliary id back into direction and call id. Only the
// leading "<kind>-in-"/"<kind>-out-" prefix is inspected, so call ids that
// themselves contain "in" or "out" parse correctly.
func parseAuxID(id, kind string) (direction, callID string, ok bool) {
	for _, dir := range []string{dirIn, dirOut} {
		prefix := kind + "-" + dir + "-"
		if strings.HasPrefix(id, prefix) {
			return dir, strings.TrimPrefix(id, prefix), true
		}
	}
	return "", "", false
}

// parseStartEpoch extracts the unix-seconds prefix of a linkedid
// ("<epoch>.<seq>"). Returns 0 when the prefix is not numeric.
func parseStartEpoch(linkedID string) int64 {
	head, _, found := strings.Cut(linkedID, ".")
	if !found {
		return 0
	}
	epoch, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0
	}
	return epoch
}
