package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "tabrunner/pkg/logx"
)

// fileBackend keeps every value in memory and persists it as:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (one line per committed batch)
//
// A batch is a single journal line, so a torn trailing line after a crash
// drops that batch as a whole. The journal is compacted into the snapshot
// every CompactEvery writes and on Close.
type fileBackend struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	values       map[string][]byte

	writes       int
	compactEvery int
}

type journalRecord struct {
	Set map[string][]byte `json:"set,omitempty"`
	Del []string          `json:"del,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	values := map[string][]byte{}
	if err := loadSnapshot(snapPath, values); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, values); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 500
	}
	return &fileBackend{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		values:       values,
		compactEvery: every,
	}, nil
}

func (f *fileBackend) Get(_ context.Context, keys []string) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.journal == nil {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := f.values[k]; ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (f *fileBackend) Apply(_ context.Context, set map[string][]byte, del []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.journal == nil {
		return ErrClosed
	}

	line, err := json.Marshal(journalRecord{Set: set, Del: del})
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := f.journal.Write(line); err != nil {
		return err
	}

	for k, v := range set {
		f.values[k] = append([]byte(nil), v...)
	}
	for _, k := range del {
		delete(f.values, k)
	}

	f.writes++
	if f.writes%f.compactEvery == 0 {
		if err := f.compactLocked(); err != nil {
			f.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (f *fileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.journal == nil {
		return nil
	}
	cerr := f.compactLocked()
	err := f.journal.Close()
	f.journal = nil
	if err != nil {
		return err
	}
	return cerr
}

func (f *fileBackend) compactLocked() error {
	tmp := f.snapshotPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(out).Encode(f.values); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.snapshotPath); err != nil {
		return err
	}
	if err := f.journal.Truncate(0); err != nil {
		return err
	}
	_, err = f.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string][]byte
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for s.Scan() {
		var r journalRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			// Torn write; the batch never committed.
			continue
		}
		for k, v := range r.Set {
			out[k] = v
		}
		for _, k := range r.Del {
			delete(out, k)
		}
	}
	return s.Err()
}
