package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	logx "netpulse/pkg/logx"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultFileMaxRecords = 20000
	DefaultFileMaxBytes   = 4 * 1024 * 1024
	maxRecent             = 1000
)

// fileStore keeps one JSON Lines file per record kind:
//   - <prefix>.windows.jsonl
//   - <prefix>.speedtests.jsonl
//
// A file that grows past maxBytes is compacted to its newest maxRecords lines.
type fileStore struct {
	log logx.Logger

	mu         sync.Mutex
	closed     bool
	windows    *jsonlFile[Window]
	speedtests *jsonlFile[SpeedtestRecord]
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	maxRecords := cfg.MaxRecords
	if maxRecords <= 0 {
		maxRecords = DefaultFileMaxRecords
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultFileMaxBytes
	}

	s := &fileStore{
		log: log,
		windows: &jsonlFile[Window]{
			path: prefix + ".windows.jsonl", maxRecords: maxRecords, maxBytes: maxBytes,
			at: func(w Window) time.Time { return w.End },
		},
		speedtests: &jsonlFile[SpeedtestRecord]{
			path: prefix + ".speedtests.jsonl", maxRecords: maxRecords, maxBytes: maxBytes,
			at: func(r SpeedtestRecord) time.Time { return r.At },
		},
	}
	// Fail early on an unwritable location.
	for _, p := range []string{s.windows.path, s.speedtests.path} {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, err
		}
		_ = f.Close()
	}
	log.Debug("file store opened", logx.String("prefix", prefix))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fileStore) AppendWindow(ctx context.Context, w Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	compacted, err := s.windows.append(w)
	if compacted > 0 {
		s.log.Debug("windows file compacted", logx.Int("dropped", compacted))
	}
	return err
}

func (s *fileStore) RecentWindows(ctx context.Context, n int) ([]Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisabled
	}
	return s.windows.recent(n)
}

func (s *fileStore) AppendSpeedtest(ctx context.Context, r SpeedtestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	_, err := s.speedtests.append(r)
	return err
}

func (s *fileStore) RecentSpeedtests(ctx context.Context, n int) ([]SpeedtestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisabled
	}
	return s.speedtests.recent(n)
}

func (s *fileStore) Prune(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrDisabled
	}
	a, err := s.windows.rewrite(func(all []Window) []Window { return keepAfter(all, before, s.windows.at) })
	if err != nil {
		return a, err
	}
	b, err := s.speedtests.rewrite(func(all []SpeedtestRecord) []SpeedtestRecord {
		return keepAfter(all, before, s.speedtests.at)
	})
	return a + b, err
}

// jsonlFile is an append-only JSON Lines file of T. Callers serialize access.
type jsonlFile[T any] struct {
	path       string
	maxRecords int
	maxBytes   int64
	at         func(T) time.Time
}

// append writes v and compacts when the file exceeds maxBytes. It returns the
// number of records dropped by compaction.
func (f *jsonlFile[T]) append(v T) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", filepath.Base(f.path), err)
	}
	_, werr := fh.Write(append(b, '\n'))
	cerr := fh.Close()
	if werr != nil {
		return 0, fmt.Errorf("append record: %w", werr)
	}
	if cerr != nil {
		return 0, cerr
	}

	if f.maxBytes > 0 {
		if st, err := os.Stat(f.path); err == nil && st.Size() > f.maxBytes {
			return f.rewrite(func(all []T) []T {
				if len(all) > f.maxRecords {
					return all[len(all)-f.maxRecords:]
				}
				return all
			})
		}
	}
	return 0, nil
}

// recent returns the newest n records, newest first.
func (f *jsonlFile[T]) recent(n int) ([]T, error) {
	if n <= 0 {
		return nil, nil
	}
	n = min(n, maxRecent)

	buf := make([]T, 0, n)
	idx, full := 0, false
	err := f.scan(func(v T) {
		if len(buf) < n {
			buf = append(buf, v)
			return
		}
		buf[idx] = v
		idx = (idx + 1) % n
		full = true
	})
	if err != nil {
		return nil, err
	}

	ordered := buf
	if full {
		ordered = append(append([]T(nil), buf[idx:]...), buf[:idx]...)
	}
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}
	return ordered, nil
}

// scan decodes every line; malformed lines are skipped.
func (f *jsonlFile[T]) scan(fn func(T)) error {
	fh, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer fh.Close()

	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			continue
		}
		fn(v)
	}
	return sc.Err()
}

// rewrite replaces the file with keep(all records) via a temp file + rename.
func (f *jsonlFile[T]) rewrite(keep func([]T) []T) (int, error) {
	var all []T
	if err := f.scan(func(v T) { all = append(all, v) }); err != nil {
		return 0, err
	}
	kept := keep(all)
	dropped := len(all) - len(kept)
	if dropped == 0 {
		return 0, nil
	}

	tmp := f.path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(fh)
	enc := json.NewEncoder(w)
	for _, v := range kept {
		if err := enc.Encode(v); err != nil {
			_ = fh.Close()
			_ = os.Remove(tmp)
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		_ = fh.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := fh.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return 0, err
	}
	return dropped, nil
}

func keepAfter[T any](all []T, before time.Time, at func(T) time.Time) []T {
	out := all[:0:0]
	for _, v := range all {
		if !at(v).Before(before) {
			out = append(out, v)
		}
	}
	return out
}
