// Package client implements the target-side replication engine: it keeps a
// session per configured source, reconciles list updates against the local
// mirror, schedules catch-up downloads, and applies appended blocks.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/rstream/rstream/internal/logging"
	"github.com/rstream/rstream/internal/metrics"
	"github.com/rstream/rstream/internal/resume"
	"github.com/rstream/rstream/internal/session"
	"github.com/rstream/rstream/internal/wire"
)

const (
	// BufferSize bounds each per-session direction.
	BufferSize = 4 * 1024 * 1024

	// networkBlock is the server's per-read block size.
	networkBlock = 8192

	// readHeadroom is the free read-buffer space required before issuing
	// another STREAM request.
	readHeadroom = 10 * networkBlock

	// maxConcurrentDownloads bounds in-flight STREAM requests across all
	// sources.
	maxConcurrentDownloads = 1

	// reconnectDelay spaces connection attempts to an unreachable source.
	reconnectDelay = 5 * time.Second

	tickInterval = 100 * time.Millisecond
	dialTimeout  = 3 * time.Second
)

// StreamState tracks a mirror entry through its download lifecycle.
type StreamState int

const (
	StateNotRequested StreamState = iota
	StateRequested
	StateInProgress
	StateComplete
	StateFailed
)

// mirrorEntry is the local view of one replicated file.
type mirrorEntry struct {
	Size  int64 // bytes written locally; also the resume offset
	State StreamState
	Hash  string // server's advertised SHA-1, advisory
}

// source is one configured replication source.
type source struct {
	name          string
	addr          string
	conn          *session.Conn
	dialing       bool
	nextReconnect time.Time
	listReceived  bool
	mirror        map[string]*mirrorEntry
}

type dialResult struct {
	name string
	conn net.Conn
	err  error
}

// Config holds client engine settings.
type Config struct {
	Dir     string // working directory; mirrors live in per-source subdirs
	Port    int
	Sources []string // source hostnames
	Stdout  bool     // also copy received bytes to standard output
	Store   *resume.Store
}

// Engine is the client event loop. All state is owned by the Run goroutine.
type Engine struct {
	cfg       Config
	sources   map[string]*source // keyed exclusively by source name
	bySession map[int]*source
	nextID    int
	inflight  int
	notify    chan session.Event
	dials     chan dialResult
	echo      io.Writer
}

// New prepares the engine and loads the cached mirror state from disk.
func New(cfg Config) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		sources:   make(map[string]*source),
		bySession: make(map[int]*source),
		notify:    make(chan session.Event, 256),
		dials:     make(chan dialResult, 16),
		echo:      os.Stdout,
	}
	for _, name := range cfg.Sources {
		if _, ok := e.sources[name]; ok {
			continue
		}
		src := &source{
			name:   name,
			addr:   fmt.Sprintf("%s:%d", name, cfg.Port),
			mirror: make(map[string]*mirrorEntry),
		}
		if err := e.loadMirror(src); err != nil {
			return nil, err
		}
		e.sources[name] = src
	}
	return e, nil
}

// loadMirror seeds the mirror map from the cached per-source subdirectory.
// When the resume store holds an offset below the file size, the tail past
// it was never acknowledged (crash between append and offset write); the
// file is cut back to the recorded offset so appends resume contiguously.
func (e *Engine) loadMirror(src *source) error {
	root := filepath.Join(e.cfg.Dir, src.name)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		size := info.Size()
		if stored, ok, err := e.cfg.Store.Get(src.name, rel); err == nil && ok &&
			stored >= 0 && stored < size {
			if err := os.Truncate(path, stored); err != nil {
				logging.Warn("cannot cut back unacknowledged tail",
					zap.String("path", path), zap.Error(err))
			} else {
				size = stored
			}
		}
		src.mirror[rel] = &mirrorEntry{Size: size, State: StateNotRequested}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load mirror %s: %w", src.name, err)
	}
	logging.Info("mirror loaded",
		zap.String("source", src.name), zap.Int("files", len(src.mirror)))
	return nil
}

// Run drives the engine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	defer e.shutdown()

	e.connectPending(time.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-e.dials:
			e.finishDial(res)
		case ev := <-e.notify:
			if ev.Err != nil {
				e.disconnect(ev.ID, ev.Err)
			} else {
				e.serveSession(ev.ID)
			}
		case <-ticker.C:
			now := time.Now()
			e.connectPending(now)
			e.scheduleStreams()
			for id := range e.bySession {
				e.serveSession(id)
			}
		}
	}
}

func (e *Engine) shutdown() {
	for _, src := range e.sources {
		if src.conn != nil {
			src.conn.Close()
		}
	}
}

// connectPending dials every source that has no session and whose backoff
// expired. Dialing happens off the engine goroutine.
func (e *Engine) connectPending(now time.Time) {
	for _, src := range e.sources {
		if src.conn != nil || src.dialing || now.Before(src.nextReconnect) {
			continue
		}
		src.dialing = true
		addr := src.addr
		name := src.name
		go func() {
			conn, err := net.DialTimeout("tcp", addr, dialTimeout)
			e.dials <- dialResult{name: name, conn: conn, err: err}
		}()
	}
}

func (e *Engine) finishDial(res dialResult) {
	src, ok := e.sources[res.name]
	if !ok {
		if res.conn != nil {
			res.conn.Close()
		}
		return
	}
	src.dialing = false
	if res.err != nil {
		src.nextReconnect = time.Now().Add(reconnectDelay)
		metrics.RecordReconnect("error")
		logging.Info("connect failed",
			zap.String("source", src.name), zap.Error(res.err))
		return
	}

	e.nextID++
	c := session.New(e.nextID, res.conn, BufferSize, e.notify)
	c.SetSource(src.name)
	src.conn = c
	e.bySession[c.ID()] = src
	c.Start()
	metrics.RecordReconnect("ok")
	logging.Info("connected", zap.String("source", src.name), zap.String("addr", src.addr))

	h := wire.NewHeader()
	h.Cmd = wire.CmdList
	c.Enqueue(wire.EncodeMessage(h, nil))
}

// disconnect tears down a failed session: in-flight streams revert to
// not-requested, their concurrency slots free, and the reconnect timer arms.
func (e *Engine) disconnect(id int, err error) {
	src, ok := e.bySession[id]
	if !ok {
		return
	}
	delete(e.bySession, id)
	src.conn.Close()
	src.conn = nil
	src.listReceived = false
	src.nextReconnect = time.Now().Add(reconnectDelay)

	for _, entry := range src.mirror {
		switch entry.State {
		case StateRequested, StateInProgress:
			entry.State = StateNotRequested
			e.releaseSlot()
		case StateComplete, StateFailed:
			// The follow subscription died with the session; request the
			// remainder again after the next full list.
			entry.State = StateNotRequested
		}
	}
	logging.Info("disconnected", zap.String("source", src.name), zap.Error(err))
}

func (e *Engine) releaseSlot() {
	if e.inflight > 0 {
		e.inflight--
	}
	metrics.SetStreamsActive(e.inflight)
}

// scheduleStreams issues STREAM requests up to the global concurrency cap,
// resuming each file from its local size.
func (e *Engine) scheduleStreams() {
	if e.inflight >= maxConcurrentDownloads {
		return
	}
	for _, src := range e.sources {
		if src.conn == nil || !src.listReceived || src.conn.ReadSpace() < readHeadroom {
			continue
		}
		for rel, entry := range src.mirror {
			if entry.State != StateNotRequested {
				continue
			}
			h := wire.NewHeader()
			h.Cmd = wire.CmdStream
			h.Path = rel
			h.Offset = entry.Size
			if !src.conn.Enqueue(wire.EncodeMessage(h, nil)) {
				break
			}
			entry.State = StateRequested
			e.inflight++
			metrics.SetStreamsActive(e.inflight)
			logging.Debug("stream requested",
				zap.String("source", src.name), zap.String("path", rel),
				zap.Int64("offset", entry.Size))
			if e.inflight >= maxConcurrentDownloads {
				return
			}
		}
	}
}

// serveSession dispatches buffered frames from one session.
func (e *Engine) serveSession(id int) {
	src, ok := e.bySession[id]
	if !ok || src.conn == nil {
		return
	}
	for {
		msg, err := src.conn.NextMessage()
		if err != nil {
			logging.Error("response parse failed",
				zap.String("source", src.name), zap.Error(err))
			src.conn.DropPending()
			return
		}
		if msg == nil {
			return
		}
		e.dispatch(src, msg)
	}
}

func (e *Engine) dispatch(src *source, msg *wire.Message) {
	switch msg.Header.Packet {
	case wire.PacketList, wire.PacketListPartial:
		list, err := wire.ParseList(msg.Payload)
		if err != nil {
			logging.Error("list parse failed",
				zap.String("source", src.name), zap.Error(err))
			return
		}
		e.reconcile(src, list, msg.Header.Packet == wire.PacketList)
	case wire.PacketBlock:
		e.applyBlock(src, msg)
	case wire.PacketStatus:
		e.applyStatus(src, msg.Header)
	default:
		if msg.Header.Status == wire.StatusError {
			logging.Error("server rejected request",
				zap.String("source", src.name), zap.ByteString("detail", msg.Payload))
			return
		}
		logging.Error("unexpected packet",
			zap.String("source", src.name), zap.String("kind", msg.Header.Packet))
	}
}

func (e *Engine) applyStatus(src *source, h wire.Header) {
	entry := src.mirror[h.Path]
	switch h.Status {
	case wire.StatusInProgress:
		if entry != nil && entry.State == StateRequested {
			entry.State = StateInProgress
		}
	case wire.StatusComplete:
		if entry != nil && (entry.State == StateRequested || entry.State == StateInProgress) {
			entry.State = StateComplete
			e.releaseSlot()
		}
		logging.Debug("stream complete",
			zap.String("source", src.name), zap.String("path", h.Path))
	case wire.StatusFail:
		if entry != nil && (entry.State == StateRequested || entry.State == StateInProgress) {
			entry.State = StateFailed
			e.releaseSlot()
		}
		logging.Warn("stream failed",
			zap.String("source", src.name), zap.String("path", h.Path))
	case wire.StatusError:
		logging.Error("server rejected request", zap.String("source", src.name))
	}
}

func (e *Engine) localPath(src *source, rel string) string {
	return filepath.Join(e.cfg.Dir, src.name, filepath.FromSlash(rel))
}

// applyBlock appends one block to the mirrored file. A local write failure
// leaves the recorded size unchanged so the bytes are requested again.
func (e *Engine) applyBlock(src *source, msg *wire.Message) {
	rel := msg.Header.Path
	entry := src.mirror[rel]
	if entry == nil {
		logging.Warn("block for unknown file",
			zap.String("source", src.name), zap.String("path", rel))
		return
	}

	data := msg.Payload
	if msg.Header.Gzip {
		var err error
		data, err = wire.Decompress(data)
		if err != nil {
			logging.Error("block decompress failed",
				zap.String("source", src.name), zap.String("path", rel), zap.Error(err))
			return
		}
	}

	path := e.localPath(src, rel)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logging.Error("open for append failed", zap.String("path", path), zap.Error(err))
		return
	}
	_, err = f.Write(data)
	f.Close()
	if err != nil {
		logging.Error("append failed", zap.String("path", path), zap.Error(err))
		return
	}

	entry.Size += int64(len(data))
	metrics.RecordBlockApplied(len(data))
	if err := e.cfg.Store.Set(src.name, rel, entry.Size); err != nil {
		logging.Error("resume offset write failed",
			zap.String("source", src.name), zap.String("path", rel), zap.Error(err))
	}
	if e.cfg.Stdout {
		e.echo.Write(data)
	}
}

// reconcile applies a list update to the mirror. Only a full list may
// remove paths that lack an explicit tombstone; a partial delta never
// infers deletions, which keeps reconnects from wiping the mirror.
func (e *Engine) reconcile(src *source, list wire.FileList, full bool) {
	for rel, adv := range list {
		entry := src.mirror[rel]
		switch {
		case adv.Size == wire.DeletedSize:
			e.removeLocal(src, rel, entry)

		case entry != nil && e.remoteShrank(entry, adv.Size):
			logging.Info("remote file shrank",
				zap.String("source", src.name), zap.String("path", rel),
				zap.Int64("local", entry.Size), zap.Int64("remote", adv.Size))
			e.restartEntry(src, rel, entry, adv.Hash)

		case entry != nil && entry.Hash != "" && adv.Hash != "" && entry.Hash != adv.Hash:
			logging.Info("remote file replaced",
				zap.String("source", src.name), zap.String("path", rel))
			e.restartEntry(src, rel, entry, adv.Hash)

		case entry == nil:
			if err := e.createLocal(src, rel); err != nil {
				logging.Error("mirror create failed",
					zap.String("source", src.name), zap.String("path", rel), zap.Error(err))
				continue
			}
			src.mirror[rel] = &mirrorEntry{State: StateNotRequested, Hash: adv.Hash}

		default:
			entry.Hash = adv.Hash
		}
	}

	if full {
		for rel, entry := range src.mirror {
			if _, ok := list[rel]; !ok {
				e.removeLocal(src, rel, entry)
			}
		}
		src.listReceived = true
	}
}

// remoteShrank decides whether an advertised size means the source file was
// cut down. While a download is in flight, one network block of slack
// tolerates a list generated just before the latest appends; otherwise the
// server can never legitimately advertise less than we hold, so any deficit
// is a truncation.
func (e *Engine) remoteShrank(entry *mirrorEntry, advertised int64) bool {
	if entry.State == StateRequested || entry.State == StateInProgress {
		return entry.Size > advertised+networkBlock
	}
	return entry.Size > advertised
}

func (e *Engine) createLocal(src *source, rel string) error {
	path := e.localPath(src, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	f.Close()
	if err := e.cfg.Store.Set(src.name, rel, 0); err != nil {
		return err
	}
	return nil
}

func (e *Engine) restartEntry(src *source, rel string, entry *mirrorEntry, hash string) {
	if entry.State == StateRequested || entry.State == StateInProgress {
		e.releaseSlot()
	}
	path := e.localPath(src, rel)
	if err := os.Truncate(path, 0); err != nil && !os.IsNotExist(err) {
		logging.Error("truncate failed", zap.String("path", path), zap.Error(err))
		return
	}
	entry.Size = 0
	entry.State = StateNotRequested
	entry.Hash = hash
	if err := e.cfg.Store.Set(src.name, rel, 0); err != nil {
		logging.Error("resume offset write failed",
			zap.String("source", src.name), zap.String("path", rel), zap.Error(err))
	}
}

func (e *Engine) removeLocal(src *source, rel string, entry *mirrorEntry) {
	if entry != nil && (entry.State == StateRequested || entry.State == StateInProgress) {
		e.releaseSlot()
	}
	path := e.localPath(src, rel)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Error("mirror remove failed", zap.String("path", path), zap.Error(err))
	}
	delete(src.mirror, rel)
	if err := e.cfg.Store.Delete(src.name, rel); err != nil {
		logging.Error("tombstone write failed",
			zap.String("source", src.name), zap.String("path", rel), zap.Error(err))
	}
	logging.Info("mirror file deleted",
		zap.String("source", src.name), zap.String("path", rel))
}
