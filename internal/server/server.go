// Package server implements the source-side replication engine: it accepts
// peer sessions, tracks files under the shared root, answers LIST and
// STREAM requests, feeds catch-up downloads, and fans out appended bytes
// to followers.
package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/rstream/rstream/internal/logging"
	"github.com/rstream/rstream/internal/metrics"
	"github.com/rstream/rstream/internal/scanner"
	"github.com/rstream/rstream/internal/session"
	"github.com/rstream/rstream/internal/tracker"
	"github.com/rstream/rstream/internal/wire"
)

const (
	// BufferSize bounds each per-session direction.
	BufferSize = 4 * 1024 * 1024

	// tickInterval drives the engine loop.
	tickInterval = 100 * time.Millisecond

	// blockHeadroom is framing slack required beyond the payload itself.
	blockHeadroom = 256
)

// Config holds server engine settings.
type Config struct {
	Addr      string
	Root      string
	Include   *regexp.Regexp
	Exclude   *regexp.Regexp
	Gzip      bool
	Checksums bool
}

// download is a one-shot catch-up transfer; at EOF the session is promoted
// to follower of the file.
type download struct {
	session int
	rel     string
	cursor  int64
}

// Engine is the server event loop. All state is owned by the Run goroutine.
type Engine struct {
	cfg       Config
	ln        net.Listener
	track     *tracker.Tracker
	sessions  map[int]*session.Conn
	downloads []*download
	nextID    int
	notify    chan session.Event
	accepts   chan net.Conn

	// one-entry frame cache so fan-out compresses each block once
	frameRel    string
	frameOff    int64
	frameData   []byte
	frameCached []byte
}

// New binds the listen socket and prepares the engine.
func New(cfg Config) (*Engine, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return &Engine{
		cfg:      cfg,
		ln:       ln,
		track:    tracker.New(scanner.New(cfg.Root, cfg.Include, cfg.Exclude), cfg.Checksums),
		sessions: make(map[int]*session.Conn),
		notify:   make(chan session.Event, 256),
		accepts:  make(chan net.Conn),
	}, nil
}

// Addr returns the bound listen address.
func (e *Engine) Addr() net.Addr {
	return e.ln.Addr()
}

// Run drives the engine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	go e.acceptLoop(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	defer e.shutdown()

	if err := e.track.Refresh(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case conn := <-e.accepts:
			e.addSession(conn)
		case ev := <-e.notify:
			if ev.Err != nil {
				e.closeSession(ev.ID, ev.Err)
			} else {
				e.serveSession(ev.ID)
			}
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) acceptLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		e.ln.Close()
	}()
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			return
		}
		select {
		case e.accepts <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func (e *Engine) shutdown() {
	e.ln.Close()
	for _, s := range e.sessions {
		s.Close()
	}
	e.track.Close()
}

func (e *Engine) addSession(conn net.Conn) {
	e.nextID++
	s := session.New(e.nextID, conn, BufferSize, e.notify)
	e.sessions[s.ID()] = s
	s.Start()
	metrics.SetSessionsActive(len(e.sessions))
	logging.Info("session connected",
		zap.Int("session", s.ID()),
		zap.String("peer", conn.RemoteAddr().String()))
}

func (e *Engine) closeSession(id int, err error) {
	s, ok := e.sessions[id]
	if !ok {
		return
	}
	s.Close()
	delete(e.sessions, id)
	e.track.Unsubscribe(id)

	kept := e.downloads[:0]
	for _, d := range e.downloads {
		if d.session != id {
			kept = append(kept, d)
		}
	}
	e.downloads = kept

	metrics.SetSessionsActive(len(e.sessions))
	logging.Info("session closed", zap.Int("session", id), zap.Error(err))
}

func (e *Engine) tick() {
	now := time.Now()
	if err := e.track.Refresh(); err != nil {
		logging.Error("refresh failed", zap.Error(err))
	}
	e.track.ProcessStatQueue()
	e.track.ScanNewData(now, e)
	e.feedDownloads()
	e.pushDirtyList()
	for id := range e.sessions {
		e.serveSession(id)
	}
}

// serveSession parses and answers buffered requests from one session.
func (e *Engine) serveSession(id int) {
	s, ok := e.sessions[id]
	if !ok {
		return
	}
	for {
		msg, err := s.NextMessage()
		if err != nil {
			logging.Error("request parse failed", zap.Int("session", id), zap.Error(err))
			e.replyError(s, "unparseable request")
			s.DropPending()
			return
		}
		if msg == nil {
			return
		}
		e.handleRequest(s, msg)
	}
}

func (e *Engine) handleRequest(s *session.Conn, msg *wire.Message) {
	switch msg.Header.Cmd {
	case wire.CmdList:
		e.handleList(s)
	case wire.CmdStream:
		e.handleStream(s, msg)
	case wire.CmdBlock:
		// Reserved: fail consistently (see PROTOCOL.md).
		e.replyStatus(s, msg.Header.Path, wire.StatusFail)
	default:
		logging.Error("unknown request",
			zap.Int("session", s.ID()), zap.String("cmd", msg.Header.Cmd))
		e.replyError(s, "unknown command")
	}
}

func (e *Engine) handleList(s *session.Conn) {
	payload := wire.EncodeList(e.track.GenerateList(false))
	h := wire.NewHeader()
	h.Packet = wire.PacketList
	h.Status = wire.StatusOK
	if !s.Enqueue(wire.EncodeMessage(h, payload)) {
		logging.Error("list response dropped: write buffer full", zap.Int("session", s.ID()))
		return
	}
	metrics.RecordListUpdate("l")
}

func (e *Engine) handleStream(s *session.Conn, msg *wire.Message) {
	rel := msg.Header.Path
	if rel == "" {
		logging.Error("STREAM without file", zap.Int("session", s.ID()))
		e.replyStatus(s, "", wire.StatusFail)
		return
	}
	if e.track.Lookup(rel) == nil {
		logging.Info("STREAM for untracked file",
			zap.Int("session", s.ID()), zap.String("path", rel))
		e.replyStatus(s, rel, wire.StatusFail)
		return
	}
	cursor := msg.Header.Offset
	if cursor < 0 {
		cursor = 0
	}
	e.downloads = append(e.downloads, &download{session: s.ID(), rel: rel, cursor: cursor})
	e.replyStatus(s, rel, wire.StatusInProgress)
	logging.Info("download started",
		zap.Int("session", s.ID()), zap.String("path", rel), zap.Int64("offset", cursor))
}

func (e *Engine) replyStatus(s *session.Conn, rel string, status int) {
	h := wire.NewHeader()
	h.Packet = wire.PacketStatus
	h.Path = rel
	h.Status = status
	s.Enqueue(wire.EncodeMessage(h, nil))
}

func (e *Engine) replyError(s *session.Conn, text string) {
	h := wire.NewHeader()
	h.Status = wire.StatusError
	s.Enqueue(wire.EncodeMessage(h, []byte(text)))
}

// feedDownloads advances every active download whose session has room for
// a block, promoting sessions to followers at EOF.
func (e *Engine) feedDownloads() {
	kept := e.downloads[:0]
	for _, d := range e.downloads {
		if e.feedOne(d) {
			kept = append(kept, d)
		}
	}
	e.downloads = kept
}

// feedOne reports whether the download is still active.
func (e *Engine) feedOne(d *download) bool {
	s, ok := e.sessions[d.session]
	if !ok {
		return false
	}
	wf := e.track.Lookup(d.rel)
	if wf == nil {
		e.replyStatus(s, d.rel, wire.StatusFail)
		return false
	}
	if s.WriteSpace() < 2*tracker.BlockSize {
		return true
	}

	data, err := wf.ReadBlockAt(d.cursor)
	if err != nil {
		logging.Error("download read failed",
			zap.String("path", d.rel), zap.Int64("offset", d.cursor), zap.Error(err))
		e.replyStatus(s, d.rel, wire.StatusFail)
		return false
	}
	if len(data) == 0 {
		e.replyStatus(s, d.rel, wire.StatusComplete)
		e.track.Promote(d.rel, d.session, d.cursor)
		logging.Info("download complete",
			zap.Int("session", d.session), zap.String("path", d.rel), zap.Int64("size", d.cursor))
		return false
	}

	if !s.Enqueue(e.frameBlock(d.rel, d.cursor, data)) {
		return true // retry next round
	}
	metrics.RecordBlockSent(len(data))
	d.cursor += int64(len(data))
	return true
}

// frameBlock builds (and caches) the framed b-packet for one block so that
// fan-out to many subscribers compresses the payload only once.
func (e *Engine) frameBlock(rel string, off int64, data []byte) []byte {
	if e.frameCached != nil && e.frameRel == rel && e.frameOff == off &&
		bytes.Equal(e.frameData, data) {
		return e.frameCached
	}

	h := wire.NewHeader()
	h.Packet = wire.PacketBlock
	h.Path = rel
	h.Offset = off

	payload := data
	if e.cfg.Gzip {
		z, err := wire.Compress(data)
		if err != nil {
			// Fall back to the raw bytes rather than leave a gap.
			logging.Error("compression failed", zap.String("path", rel), zap.Error(err))
		} else {
			payload = z
			h.Gzip = true
		}
	}

	e.frameRel = rel
	e.frameOff = off
	e.frameData = data
	e.frameCached = wire.EncodeMessage(h, payload)
	return e.frameCached
}

// BlockSpace implements tracker.Sink.
func (e *Engine) BlockSpace(id int, n int) bool {
	s, ok := e.sessions[id]
	if !ok {
		return false
	}
	return s.WriteSpace() >= n+blockHeadroom
}

// SendBlock implements tracker.Sink.
func (e *Engine) SendBlock(id int, rel string, off int64, data []byte) bool {
	s, ok := e.sessions[id]
	if !ok {
		return false
	}
	if !s.Enqueue(e.frameBlock(rel, off, data)) {
		return false
	}
	metrics.RecordBlockSent(len(data))
	return true
}

// pushDirtyList emits a partial list to every session when any visible
// attribute changed since the last outbound list.
func (e *Engine) pushDirtyList() {
	if !e.track.ListDirty() {
		return
	}
	payload := wire.EncodeList(e.track.GenerateList(true))
	h := wire.NewHeader()
	h.Packet = wire.PacketListPartial
	frame := wire.EncodeMessage(h, payload)
	for id, s := range e.sessions {
		if !s.Enqueue(frame) {
			logging.Debug("partial list dropped: write buffer full", zap.Int("session", id))
		}
	}
	if len(e.sessions) > 0 {
		metrics.RecordListUpdate("lp")
	}
}
