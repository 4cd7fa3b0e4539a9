// Package logstore implements the Persistent Log Store (spec.md §4.A):
// one directory per session holding an append-only, line-delimited
// record of every message envelope, guarded by a per-session write lock
// so records land in strict submission order.
package logstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/apperr"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logger"
	v1 "github.com/EdanStarfire/claudecode-webui-sub001/pkg/api/v1"
)

const recordsFileName = "records.jsonl"

// LoadResult is returned by List; Warnings records any malformed lines
// that were skipped rather than treated as a fatal load error (spec.md
// §4.A).
type LoadResult struct {
	Records  []v1.Envelope
	Total    int
	HasMore  bool
	Warnings []string
}

// Store is the per-process owner of every session's append-only log.
type Store struct {
	baseDir string
	log     *logger.Logger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	nextOff  map[string]int64
}

// New creates a Store rooted at baseDir, creating it if necessary.
func New(baseDir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, apperr.IOError("failed to create log store directory", err)
	}
	return &Store{
		baseDir: baseDir,
		log:     log.WithFields(),
		locks:   make(map[string]*sync.Mutex),
		nextOff: make(map[string]int64),
	}, nil
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

func (s *Store) recordsPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), recordsFileName)
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Append writes one envelope as the next line in sessionID's log,
// assigning it the next monotonic offset. Writes are serialised per
// session so records appear strictly in submission order (spec.md §5).
func (s *Store) Append(sessionID string, env v1.Envelope) (v1.Envelope, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return env, apperr.IOError("failed to create session directory", err)
	}

	off, err := s.currentOffsetLocked(sessionID)
	if err != nil {
		return env, err
	}

	env.Offset = off
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	f, err := os.OpenFile(s.recordsPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return env, apperr.IOError("failed to open session log for append", err)
	}
	defer f.Close()

	data, err := json.Marshal(env)
	if err != nil {
		return env, apperr.Internal("failed to marshal envelope", err)
	}
	data = append(data, '\n')

	if _, err := f.Write(data); err != nil {
		return env, apperr.IOError("failed to append envelope", err)
	}

	s.mu.Lock()
	s.nextOff[sessionID] = off + 1
	s.mu.Unlock()

	return env, nil
}

// currentOffsetLocked returns the next offset to assign for sessionID,
// counting existing lines on first access. Caller must hold lockFor(id).
func (s *Store) currentOffsetLocked(sessionID string) (int64, error) {
	s.mu.Lock()
	off, known := s.nextOff[sessionID]
	s.mu.Unlock()
	if known {
		return off, nil
	}

	count, _, err := s.countLines(sessionID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.nextOff[sessionID] = count
	s.mu.Unlock()
	return count, nil
}

func (s *Store) countLines(sessionID string) (int64, []string, error) {
	f, err := os.Open(s.recordsPath(sessionID))
	if os.IsNotExist(err) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, apperr.IOError("failed to open session log", err)
	}
	defer f.Close()

	var count int64
	var warnings []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env v1.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			warnings = append(warnings, fmt.Sprintf("malformed record at line %d: %v", count+1, err))
			continue
		}
		count++
	}
	return count, warnings, scanner.Err()
}

// List returns a page of sessionID's log starting at offset, bounded by
// limit, plus the total record count and whether more remain. Reads are
// never blocked by integrity-metadata verification (spec.md §4.A);
// malformed lines are skipped and reported as warnings rather than
// failing the load.
func (s *Store) List(sessionID string, offset, limit int) (LoadResult, error) {
	f, err := os.Open(s.recordsPath(sessionID))
	if os.IsNotExist(err) {
		return LoadResult{}, apperr.NotFound("session log", sessionID)
	}
	if err != nil {
		return LoadResult{}, apperr.IOError("failed to open session log", err)
	}
	defer f.Close()

	var all []v1.Envelope
	var warnings []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	idx := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env v1.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			warnings = append(warnings, fmt.Sprintf("malformed record at line %d: %v", idx, err))
			idx++
			continue
		}
		all = append(all, env)
		idx++
	}
	if err := scanner.Err(); err != nil {
		return LoadResult{}, apperr.IOError("failed reading session log", err)
	}

	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	return LoadResult{
		Records:  all[offset:end],
		Total:    total,
		HasMore:  end < total,
		Warnings: warnings,
	}, nil
}

// Delete removes a session's entire log directory. On platforms where an
// open file handle blocks directory removal, Delete retries with
// increasing delay and gives up only after a bounded number of attempts
// (spec.md §4.A).
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	dir := s.sessionDir(sessionID)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 10 * time.Second

	op := func() error {
		err := os.RemoveAll(dir)
		if err != nil {
			s.log.Warn("retrying session log deletion", zap.Error(err))
		}
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return apperr.IOError(fmt.Sprintf("failed to delete session %s log directory after retries", sessionID), err)
	}

	s.mu.Lock()
	delete(s.locks, sessionID)
	delete(s.nextOff, sessionID)
	s.mu.Unlock()

	return nil
}
