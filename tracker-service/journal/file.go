package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

const (
	headerSize          = 16
	checkpointFile      = "checkpoint"
	defaultSegmentBytes = 4 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// FileConfig configures a FileJournal.
type FileConfig struct {
	Dir          string
	SegmentBytes int64
	Logger       *log.Logger
}

// FileJournal stores every entity log in its own directory of CRC framed
// segment files. A checkpoint file records the compaction point; segments
// entirely below it are removed.
type FileJournal struct {
	cfg    FileConfig
	mu     sync.Mutex
	logs   map[string]*entityLog
	closed bool
}

type segment struct {
	firstSeq uint64
	lastSeq  uint64
	path     string
	size     int64
	file     *os.File
	writer   *bufio.Writer
}

type entityLog struct {
	mu         sync.Mutex
	dir        string
	segments   []*segment
	lastSeq    uint64
	checkpoint uint64
}

// NewFileJournal creates the root directory if needed.
func NewFileJournal(cfg FileConfig) (*FileJournal, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("journal dir required")
	}
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = defaultSegmentBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	return &FileJournal{cfg: cfg, logs: make(map[string]*entityLog)}, nil
}

// entity returns the open log of key. Without create, a key that was never
// appended to yields a nil log and leaves nothing on disk.
func (j *FileJournal) entity(key string, create bool) (*entityLog, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}
	if l, ok := j.logs[key]; ok {
		return l, nil
	}
	dir := filepath.Join(j.cfg.Dir, hex.EncodeToString([]byte(key)))
	if !create {
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
	}
	l, err := openEntityLog(dir)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", key, err)
	}
	j.logs[key] = l
	return l, nil
}

func (j *FileJournal) Append(ctx context.Context, key string, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, err := j.entity(key, true)
	if err != nil {
		return err
	}
	return l.append(e, j.cfg.SegmentBytes)
}

func (j *FileJournal) Read(ctx context.Context, key string, afterSeq uint64) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err := j.entity(key, false)
	if err != nil || l == nil {
		return make([]Entry, 0), err
	}
	return l.read(afterSeq)
}

func (j *FileJournal) Compact(ctx context.Context, key string, uptoSeq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, err := j.entity(key, false)
	if err != nil {
		return err
	}
	if l == nil {
		if uptoSeq == 0 {
			return nil
		}
		return fmt.Errorf("%w: compact to %d of an empty log", ErrOutOfOrder, uptoSeq)
	}
	if err := l.compact(uptoSeq); err != nil {
		return err
	}
	if err := l.prune(); err != nil {
		j.cfg.Logger.WithError(err).WithField("entity", key).Warn("failed to remove journal segment")
	}
	return nil
}

// Release closes the files of key. The log is reopened on next use.
func (j *FileJournal) Release(key string) error {
	j.mu.Lock()
	l, ok := j.logs[key]
	delete(j.logs, key)
	j.mu.Unlock()
	if !ok {
		return nil
	}
	return l.close()
}

// Close releases every open log.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	logs := j.logs
	j.logs = make(map[string]*entityLog)
	j.closed = true
	j.mu.Unlock()

	var errs []error
	for _, l := range logs {
		if err := l.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openEntityLog(dir string) (*entityLog, error) {
	l := &entityLog{dir: dir}
	checkpoint, err := readCheckpoint(dir)
	if err != nil {
		return nil, err
	}
	l.checkpoint = checkpoint
	l.lastSeq = checkpoint

	paths, err := segmentPaths(dir)
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		seg, entries, err := loadSegment(path, true)
		if err != nil {
			l.close()
			return nil, err
		}
		if seg == nil {
			continue
		}
		if n := len(entries); n > 0 && entries[n-1].Seq > l.lastSeq {
			l.lastSeq = entries[n-1].Seq
		}
		l.segments = append(l.segments, seg)
	}
	for _, seg := range l.segments[:max(len(l.segments)-1, 0)] {
		seg.file.Close()
		seg.file = nil
	}
	if n := len(l.segments); n > 0 {
		last := l.segments[n-1]
		if _, err := last.file.Seek(last.size, io.SeekStart); err != nil {
			l.close()
			return nil, err
		}
		last.writer = bufio.NewWriterSize(last.file, 64*1024)
	}
	if err := l.prune(); err != nil {
		l.close()
		return nil, err
	}
	return l, nil
}

func segmentPaths(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "segment-*.wal"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func readCheckpoint(dir string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(dir, checkpointFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return 0, nil
	}
	val, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid checkpoint: %w", err)
	}
	return val, nil
}

// loadSegment decodes every framed entry of path. With repair set, a torn or
// corrupt tail is truncated and the file is left open for appending.
func loadSegment(path string, repair bool) (*segment, []Entry, error) {
	flag := os.O_RDONLY
	if repair {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	fileSize := info.Size()

	seg := &segment{path: path, file: f}
	entries := make([]Entry, 0)
	reader := bufio.NewReaderSize(f, 64*1024)
	hdr := make([]byte, headerSize)
	var pos int64
	for {
		start := pos
		n, err := io.ReadFull(reader, hdr)
		pos += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				pos = start
				if err := truncateTail(f, start, repair); err != nil {
					f.Close()
					return nil, nil, err
				}
				break
			}
			f.Close()
			return nil, nil, err
		}

		length := binary.LittleEndian.Uint32(hdr[0:4])
		crc := binary.LittleEndian.Uint32(hdr[4:8])
		seq := binary.LittleEndian.Uint64(hdr[8:16])
		// a length past the end of the file can only come from a torn header
		if int64(length) > fileSize-pos {
			pos = start
			if err := truncateTail(f, start, repair); err != nil {
				f.Close()
				return nil, nil, err
			}
			break
		}
		buf := make([]byte, length)
		n, err = io.ReadFull(reader, buf)
		pos += int64(n)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			f.Close()
			return nil, nil, err
		}
		if err != nil || length == 0 || crc32.Checksum(buf, crcTable) != crc {
			pos = start
			if err := truncateTail(f, start, repair); err != nil {
				f.Close()
				return nil, nil, err
			}
			break
		}

		var e Entry
		if err := sonic.Unmarshal(buf, &e); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
		if e.Seq != seq {
			f.Close()
			return nil, nil, fmt.Errorf("journal seq mismatch: header=%d payload=%d", seq, e.Seq)
		}
		if seg.firstSeq == 0 {
			seg.firstSeq = e.Seq
		}
		seg.lastSeq = e.Seq
		entries = append(entries, e)
	}
	seg.size = pos

	if !repair {
		f.Close()
		seg.file = nil
	}
	return seg, entries, nil
}

func truncateTail(f *os.File, at int64, repair bool) error {
	if !repair {
		return nil
	}
	return f.Truncate(at)
}

func (l *entityLog) append(e Entry, segmentBytes int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Seq <= l.lastSeq {
		return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, e.Seq, l.lastSeq)
	}

	current, err := l.writableSegment(e.Seq, segmentBytes)
	if err != nil {
		return err
	}

	payload, err := sonic.Marshal(e)
	if err != nil {
		return err
	}
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint64(header[8:16], e.Seq)

	if _, err := current.writer.Write(header); err != nil {
		return l.rollback(current, err)
	}
	if _, err := current.writer.Write(payload); err != nil {
		return l.rollback(current, err)
	}
	if err := current.writer.Flush(); err != nil {
		return l.rollback(current, err)
	}
	if err := current.file.Sync(); err != nil {
		return l.rollback(current, err)
	}

	current.size += int64(len(header) + len(payload))
	if current.firstSeq == 0 {
		current.firstSeq = e.Seq
	}
	current.lastSeq = e.Seq
	l.lastSeq = e.Seq
	return nil
}

// rollback truncates a partially written record so the segment stays framed.
func (l *entityLog) rollback(seg *segment, cause error) error {
	if err := seg.file.Truncate(seg.size); err != nil {
		return errors.Join(cause, err)
	}
	if _, err := seg.file.Seek(seg.size, io.SeekStart); err != nil {
		return errors.Join(cause, err)
	}
	seg.writer = bufio.NewWriterSize(seg.file, 64*1024)
	return cause
}

func (l *entityLog) writableSegment(nextSeq uint64, segmentBytes int64) (*segment, error) {
	if n := len(l.segments); n > 0 {
		current := l.segments[n-1]
		if current.file != nil && current.size < segmentBytes {
			return current, nil
		}
	}
	if err := l.sealCurrent(); err != nil {
		return nil, err
	}
	return l.openSegment(nextSeq)
}

func (l *entityLog) sealCurrent() error {
	if len(l.segments) == 0 {
		return nil
	}
	current := l.segments[len(l.segments)-1]
	if current.file == nil {
		return nil
	}
	if err := current.writer.Flush(); err != nil {
		return err
	}
	if err := current.file.Sync(); err != nil {
		return err
	}
	current.writer = nil
	err := current.file.Close()
	current.file = nil
	return err
}

func (l *entityLog) openSegment(firstSeq uint64) (*segment, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(l.dir, fmt.Sprintf("segment-%020d.wal", firstSeq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	seg := &segment{
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, 64*1024),
	}
	l.segments = append(l.segments, seg)
	return seg, nil
}

func (l *entityLog) read(afterSeq uint64) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	after := max(afterSeq, l.checkpoint)

	out := make([]Entry, 0)
	for _, seg := range l.segments {
		if seg.lastSeq <= after {
			continue
		}
		_, entries, err := loadSegment(seg.path, false)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Seq > after {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (l *entityLog) compact(uptoSeq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if uptoSeq <= l.checkpoint {
		return nil
	}
	if uptoSeq > l.lastSeq {
		return fmt.Errorf("%w: compact to %d beyond %d", ErrOutOfOrder, uptoSeq, l.lastSeq)
	}
	if err := writeCheckpoint(l.dir, uptoSeq); err != nil {
		return err
	}
	l.checkpoint = uptoSeq

	// The next append starts a fresh segment so the current one can be
	// removed once fully below the checkpoint.
	if n := len(l.segments); n > 0 && l.segments[n-1].lastSeq <= uptoSeq {
		return l.sealCurrent()
	}
	return nil
}

func (l *entityLog) prune() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.segments) > 0 {
		seg := l.segments[0]
		if seg.lastSeq > l.checkpoint || seg.file != nil {
			break
		}
		if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", seg.path, err)
		}
		l.segments = l.segments[1:]
	}
	return nil
}

func (l *entityLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for _, seg := range l.segments {
		if seg.file == nil {
			continue
		}
		if seg.writer != nil {
			if err := seg.writer.Flush(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := seg.file.Close(); err != nil {
			errs = append(errs, err)
		}
		seg.file = nil
		seg.writer = nil
	}
	return errors.Join(errs...)
}

func writeCheckpoint(dir string, seq uint64) error {
	path := filepath.Join(dir, checkpointFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(seq, 10)), 0o644); err != nil {
		return err
	}
	if err := syncFile(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
