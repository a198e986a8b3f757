package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/pkg/logx"
)

// FileJobStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.jobs.snapshot.json (periodic snapshot)
//   - <prefix>.jobs.journal.jsonl (append-only journal of upserts/removals)
//
// The journal is periodically compacted into the snapshot.
type FileJobStore struct {
	log logx.Logger
	mem *MemoryJobStore

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Op  string     `json:"op"` // put | del
	ID  string     `json:"id"`
	Job *StoredJob `json:"job,omitempty"`
}

func OpenFileJobStore(cfg Config, log logx.Logger) (*FileJobStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create store dir")
	}

	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"

	jobs := map[string]StoredJob{}
	if err := loadSnapshot(snapPath, jobs); err != nil && !os.IsNotExist(err) {
		log.Warn("job snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, jobs); err != nil && !os.IsNotExist(err) {
		log.Warn("job journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open job journal")
	}

	mem := NewMemoryJobStore()
	mem.load(jobs)
	return &FileJobStore{
		log:          log.With(logx.String("comp", "store.file")),
		mem:          mem,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 1000,
	}, nil
}

func (s *FileJobStore) AddJob(ctx context.Context, j StoredJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.AddJob(ctx, j); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: "put", ID: j.ID, Job: &j})
}

func (s *FileJobStore) UpdateJob(ctx context.Context, j StoredJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.UpdateJob(ctx, j); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: "put", ID: j.ID, Job: &j})
}

func (s *FileJobStore) RemoveJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.RemoveJob(ctx, id); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: "del", ID: id})
}

func (s *FileJobStore) LookupJob(ctx context.Context, id string) (*StoredJob, error) {
	return s.mem.LookupJob(ctx, id)
}

func (s *FileJobStore) GetDueJobs(ctx context.Context, now time.Time) ([]StoredJob, error) {
	return s.mem.GetDueJobs(ctx, now)
}

func (s *FileJobStore) GetAllJobs(ctx context.Context) ([]StoredJob, error) {
	return s.mem.GetAllJobs(ctx)
}

func (s *FileJobStore) GetNextRunTime(ctx context.Context) (*time.Time, error) {
	return s.mem.GetNextRunTime(ctx)
}

func (s *FileJobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("job journal compact failed", logx.Err(err))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *FileJobStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return errors.New("job journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return errors.Wrap(err, "append job journal")
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("job journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *FileJobStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.mem.snapshot()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]StoredJob) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]StoredJob
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]StoredJob) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		switch r.Op {
		case "put":
			if r.Job != nil {
				out[r.ID] = *r.Job
			}
		case "del":
			delete(out, r.ID)
		}
	}
	return sc.Err()
}
