package proposal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store is the append-only proposal log. It is the durable source of truth;
// the engine's in-memory index is rebuilt from it on startup.
type Store struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// OpenStore opens (creating if needed) the JSONL log at path.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create proposal log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open proposal log: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger, file: f}, nil
}

func (s *Store) Path() string { return s.path }

// Append writes one full proposal record and fsyncs it.
func (s *Store) Append(p *ActionProposal) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal proposal %s: %w", p.ProposalID, err)
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("proposal store closed")
	}
	if _, err := s.file.Write(b); err != nil {
		return fmt.Errorf("append proposal %s: %w", p.ProposalID, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync proposal log: %w", err)
	}
	return nil
}

// Load replays the log file from disk.
func (s *Store) Load() (map[string]*ActionProposal, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open proposal log for replay: %w", err)
	}
	defer f.Close()

	state, skipped, err := Replay(f)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		s.logger.Warn("proposal log contained unreadable records", "path", s.path, "skipped", skipped)
	}
	return state, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Replay folds a proposal log into the latest record per id, in append order.
// It is a pure function of the input; malformed lines are counted and skipped.
func Replay(r io.Reader) (map[string]*ActionProposal, int, error) {
	state := make(map[string]*ActionProposal)
	skipped := 0
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var p ActionProposal
		if err := json.Unmarshal(line, &p); err != nil || p.ProposalID == "" {
			skipped++
			continue
		}
		state[p.ProposalID] = &p
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, fmt.Errorf("scan proposal log: %w", err)
	}
	return state, skipped, nil
}
