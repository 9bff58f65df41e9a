// Package tracker maintains the server-side watched-file state: discovery,
// stat polling, append detection, optional content hashing, and per-file
// subscriber fan-out.
package tracker

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/rstream/rstream/internal/logging"
	"github.com/rstream/rstream/internal/metrics"
	"github.com/rstream/rstream/internal/scanner"
	"github.com/rstream/rstream/internal/wire"
)

const (
	// BlockSize is the most bytes read from one file per poll.
	BlockSize = 8192

	// statBatch caps stat calls per tick.
	statBatch = 50

	// pollBackoff delays the next append poll after an empty read.
	pollBackoff = 500 * time.Millisecond
)

// Sink receives new-bytes events for subscribed sessions.
type Sink interface {
	// BlockSpace reports whether session id can absorb a block of n payload
	// bytes plus framing.
	BlockSpace(id int, n int) bool

	// SendBlock frames n bytes at offset for session id. It reports false
	// when the session is gone.
	SendBlock(id int, rel string, offset int64, data []byte) bool
}

// File is one watched file under the shared root.
type File struct {
	Path string // absolute, canonical
	Rel  string // relative to the shared root

	f     *os.File // long-lived read handle
	Size  int64
	MTime time.Time

	// ReadCursor is the offset up to which every subscriber has received
	// content. It advances monotonically except on truncation/replacement.
	ReadCursor int64

	// Running SHA-1 over [0, hashedTo). Present iff checksums are enabled.
	hashState hash.Hash
	hashedTo  int64
	HashHex   string

	Subscribers map[int]struct{}
	NextScanAt  time.Time
	Dirty       bool
}

// ReadBlockAt reads up to BlockSize bytes at off from the file's handle.
func (wf *File) ReadBlockAt(off int64) ([]byte, error) {
	buf := make([]byte, BlockSize)
	n, err := wf.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// Tracker owns the watched-file map. All methods must be called from the
// engine goroutine.
type Tracker struct {
	scan      *scanner.Scanner
	checksums bool

	files      map[string]*File // keyed by path relative to the root
	tombstones []string         // deletions pending list emission
	statQueue  []string
	listDirty  bool
}

// New creates a tracker over the given scanner.
func New(scan *scanner.Scanner, checksums bool) *Tracker {
	return &Tracker{
		scan:      scan,
		checksums: checksums,
		files:     make(map[string]*File),
	}
}

// Lookup returns the watched file at rel, or nil.
func (t *Tracker) Lookup(rel string) *File {
	return t.files[rel]
}

// Len returns the number of watched files.
func (t *Tracker) Len() int {
	return len(t.files)
}

// ListDirty reports whether any attribute visible in a list update changed
// since the last outbound list.
func (t *Tracker) ListDirty() bool {
	return t.listDirty
}

// Refresh rescans the shared root and registers newly discovered files.
// The rescan is skipped while deletion tombstones await emission, so a
// recreated path cannot race its own tombstone. The stat queue is refilled
// when empty.
func (t *Tracker) Refresh() error {
	if len(t.tombstones) == 0 {
		start := time.Now()
		if err := t.scan.Scan(); err != nil {
			return fmt.Errorf("scan %s: %w", t.scan.Root(), err)
		}
		metrics.RecordScanDuration(time.Since(start))

		// Walk the full present set, not just the scan delta: a path whose
		// record was dropped (tombstone, watch failure) must be re-adopted
		// even though the scanner has seen it before.
		for path := range t.scan.Present() {
			rel, err := filepath.Rel(t.scan.Root(), path)
			if err != nil {
				continue
			}
			if _, ok := t.files[rel]; ok {
				continue
			}
			if strings.ContainsRune(rel, '}') {
				// A closing brace would terminate the header scan early.
				logging.Warn("path cannot be framed, skipping", zap.String("path", rel))
				continue
			}
			if err := t.watch(path, rel); err != nil {
				logging.Warn("cannot watch file", zap.String("path", path), zap.Error(err))
			}
		}
		metrics.SetFilesWatched(len(t.files))
	}

	if len(t.statQueue) == 0 {
		for rel := range t.files {
			t.statQueue = append(t.statQueue, rel)
		}
	}
	return nil
}

func (t *Tracker) watch(path, rel string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	wf := &File{
		Path:        path,
		Rel:         rel,
		f:           f,
		Size:        info.Size(),
		MTime:       info.ModTime(),
		Subscribers: make(map[int]struct{}),
		Dirty:       true,
	}
	if t.checksums {
		if err := wf.rehash(info.Size()); err != nil {
			f.Close()
			return err
		}
	}
	t.files[rel] = wf
	t.listDirty = true
	logging.Info("watching file", zap.String("path", rel), zap.Int64("size", info.Size()))
	return nil
}

// rehash recomputes the running SHA-1 over [0, size) from scratch.
func (wf *File) rehash(size int64) error {
	h := sha1.New()
	if _, err := io.Copy(h, io.NewSectionReader(wf.f, 0, size)); err != nil {
		return fmt.Errorf("hash %s: %w", wf.Rel, err)
	}
	wf.hashState = h
	wf.hashedTo = size
	wf.HashHex = hex.EncodeToString(h.Sum(nil))
	return nil
}

// extendHash feeds the running SHA-1 with file bytes up to offset to.
func (wf *File) extendHash(to int64) error {
	if wf.hashState == nil || to <= wf.hashedTo {
		return nil
	}
	if _, err := io.Copy(wf.hashState, io.NewSectionReader(wf.f, wf.hashedTo, to-wf.hashedTo)); err != nil {
		return fmt.Errorf("hash %s: %w", wf.Rel, err)
	}
	wf.hashedTo = to
	wf.HashHex = hex.EncodeToString(wf.hashState.Sum(nil))
	return nil
}

// ProcessStatQueue stats up to 50 queued files against their open handles
// and applies deletion, truncation, and replacement transitions.
func (t *Tracker) ProcessStatQueue() {
	n := len(t.statQueue)
	if n > statBatch {
		n = statBatch
	}
	batch := t.statQueue[:n]
	t.statQueue = t.statQueue[n:]

	for _, rel := range batch {
		wf, ok := t.files[rel]
		if !ok {
			continue
		}
		t.statOne(wf)
	}
}

func (t *Tracker) statOne(wf *File) {
	var st unix.Stat_t
	if err := unix.Fstat(int(wf.f.Fd()), &st); err != nil {
		logging.Warn("fstat failed", zap.String("path", wf.Rel), zap.Error(err))
		return
	}

	if st.Nlink == 0 {
		// Unlinked under us: emit a tombstone.
		logging.Info("file deleted", zap.String("path", wf.Rel))
		t.drop(wf)
		return
	}

	size := st.Size
	mtime := time.Unix(st.Mtim.Sec, st.Mtim.Nsec)

	if size < wf.Size {
		logging.Info("file truncated", zap.String("path", wf.Rel),
			zap.Int64("from", wf.Size), zap.Int64("to", size))
		t.CancelSubscribers(wf.Rel)
		wf.Size = size
		wf.MTime = mtime
		if t.checksums {
			if err := wf.rehash(size); err != nil {
				logging.Error("rehash after truncation", zap.String("path", wf.Rel), zap.Error(err))
			}
		}
		wf.Dirty = true
		t.listDirty = true
		return
	}

	if mtime.After(wf.MTime) {
		if len(wf.Subscribers) > 0 && size > wf.Size {
			// Plain growth with followers; the append path delivers the
			// bytes. Absorb the stat here or the next poll would read the
			// same growth as a replacement.
			wf.Size = size
			wf.MTime = mtime
			return
		}
		if t.checksums {
			old := wf.HashHex
			if err := wf.rehash(size); err != nil {
				logging.Error("rehash after mtime change", zap.String("path", wf.Rel), zap.Error(err))
				return
			}
			if wf.HashHex != old {
				logging.Info("file replaced", zap.String("path", wf.Rel))
				t.CancelSubscribers(wf.Rel)
				wf.Dirty = true
				t.listDirty = true
			}
			wf.Size = size
			wf.MTime = mtime
			return
		}
		// Without checksums any mtime change reads as replacement.
		logging.Info("file changed", zap.String("path", wf.Rel))
		t.CancelSubscribers(wf.Rel)
		wf.Size = size
		wf.MTime = mtime
		wf.Dirty = true
		t.listDirty = true
		return
	}

	wf.Size = size
	wf.MTime = mtime
}

// drop removes a watched file and queues its tombstone.
func (t *Tracker) drop(wf *File) {
	wf.f.Close()
	delete(t.files, wf.Rel)
	t.tombstones = append(t.tombstones, wf.Rel)
	t.listDirty = true
	metrics.SetFilesWatched(len(t.files))
}

// CancelSubscribers clears the subscriber set and rewinds the read cursor.
// Cancelled sessions re-request from zero after the next list update.
func (t *Tracker) CancelSubscribers(rel string) {
	wf, ok := t.files[rel]
	if !ok {
		return
	}
	if len(wf.Subscribers) > 0 {
		wf.Subscribers = make(map[int]struct{})
	}
	wf.ReadCursor = 0
	wf.Dirty = true
	t.listDirty = true
}

// Unsubscribe removes session id from every subscriber set.
func (t *Tracker) Unsubscribe(id int) {
	for _, wf := range t.files {
		delete(wf.Subscribers, id)
	}
}

// Promote adds session id as a follower of rel at cursor, after its
// catch-up download reached EOF.
func (t *Tracker) Promote(rel string, id int, cursor int64) {
	wf, ok := t.files[rel]
	if !ok {
		return
	}
	if len(wf.Subscribers) == 0 {
		wf.ReadCursor = cursor
		if err := wf.extendHash(cursor); err != nil {
			logging.Error("hash catch-up", zap.String("path", rel), zap.Error(err))
		}
	} else if wf.ReadCursor != cursor {
		// The shared cursor invariant is broken; restart everyone rather
		// than let this session diverge.
		logging.Error("promotion cursor mismatch",
			zap.String("path", rel),
			zap.Int64("cursor", cursor),
			zap.Int64("shared", wf.ReadCursor))
		t.CancelSubscribers(rel)
		return
	}
	wf.Subscribers[id] = struct{}{}
	logging.Debug("subscriber added", zap.String("path", rel), zap.Int("session", id))
}

// ScanNewData polls due files with subscribers for appended bytes and fans
// them out. The cursor only advances when every subscriber has buffer room
// for the block; otherwise the whole file waits for the next round.
func (t *Tracker) ScanNewData(now time.Time, sink Sink) {
	for rel, wf := range t.files {
		if len(wf.Subscribers) == 0 || wf.NextScanAt.After(now) {
			continue
		}

		data, err := wf.ReadBlockAt(wf.ReadCursor)
		if err != nil {
			logging.Warn("append read failed", zap.String("path", rel), zap.Error(err))
			continue
		}
		if len(data) == 0 {
			wf.NextScanAt = now.Add(pollBackoff)
			continue
		}

		ready := true
		for id := range wf.Subscribers {
			if !sink.BlockSpace(id, len(data)) {
				logging.Debug("subscriber write buffer full",
					zap.String("path", rel), zap.Int("session", id))
				ready = false
				break
			}
		}
		if !ready {
			continue
		}

		for id := range wf.Subscribers {
			if !sink.SendBlock(id, rel, wf.ReadCursor, data) {
				delete(wf.Subscribers, id)
			}
		}

		wf.ReadCursor += int64(len(data))
		if wf.ReadCursor > wf.Size {
			wf.Size = wf.ReadCursor
		}
		if err := wf.extendHash(wf.ReadCursor); err != nil {
			logging.Error("hash extend", zap.String("path", rel), zap.Error(err))
		}
		wf.NextScanAt = time.Time{} // produced bytes: poll again immediately
	}
}

// GenerateList builds a list payload covering either every tracked file or
// only dirty ones, plus tombstones for pending deletions. Emitted entries
// have their dirty bit cleared and the tombstone list is drained.
func (t *Tracker) GenerateList(onlyDirty bool) wire.FileList {
	list := make(wire.FileList)
	for rel, wf := range t.files {
		if onlyDirty && !wf.Dirty {
			continue
		}
		list[rel] = wire.ListEntry{Size: wf.Size, Hash: wf.HashHex}
		wf.Dirty = false
	}
	for _, rel := range t.tombstones {
		list[rel] = wire.ListEntry{Size: wire.DeletedSize}
	}
	t.tombstones = nil
	t.listDirty = false
	return list
}

// Close releases every open file handle.
func (t *Tracker) Close() {
	for _, wf := range t.files {
		wf.f.Close()
	}
}
