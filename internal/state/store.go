package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"grimm.is/enclave/internal/logging"
	"grimm.is/enclave/internal/plan"
)

// AssignmentsDir is the subdirectory of the state dir holding assignments.
const AssignmentsDir = "assignments"

// TunnelLookup reports whether a tunnel name is currently known.
type TunnelLookup func(name string) bool

// Store is the durable segment → target mapping.
type Store struct {
	mu       sync.Mutex
	dir      string
	order    []string
	defaults map[string]Target
	known    TunnelLookup
	logger   *logging.Logger
}

// Open prepares <stateDir>/assignments and materializes the default target
// of every segment that has no record yet.
func Open(stateDir string, segments []plan.Segment, known TunnelLookup, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.WithComponent("state")
	}
	if known == nil {
		known = func(string) bool { return false }
	}

	s := &Store{
		dir:      filepath.Join(stateDir, AssignmentsDir),
		defaults: make(map[string]Target, len(segments)),
		known:    known,
		logger:   logger,
	}

	sorted := append([]plan.Segment(nil), segments...)
	plan.SortByIndex(sorted)
	for _, seg := range sorted {
		def, err := ParseTarget(seg.DefaultTarget)
		if err != nil {
			def = Blocked
			if seg.DefaultTarget != "" {
				logger.Warn("invalid default target, using blocked", "segment", seg.Name, "default", seg.DefaultTarget)
			}
		}
		s.order = append(s.order, seg.Name)
		s.defaults[seg.Name] = def
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrStoreFatal, s.dir, err)
	}
	if err := os.Chmod(s.dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: chmod %s: %v", ErrStoreFatal, s.dir, err)
	}

	for _, name := range s.order {
		_, err := os.Stat(s.path(name))
		if err == nil {
			continue
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: stat %s: %v", ErrStoreFatal, s.path(name), err)
		}
		if err := s.write(name, s.defaults[name]); err != nil {
			return nil, err
		}
		logger.Info("materialized default assignment", "segment", name, "target", s.defaults[name])
	}
	return s, nil
}

// Dir returns the assignments directory.
func (s *Store) Dir() string { return s.dir }

// Segments returns the managed segment names in index order.
func (s *Store) Segments() []string {
	return append([]string(nil), s.order...)
}

// Get returns the persisted target of a segment.
func (s *Store) Get(segment string) (Target, error) {
	if _, ok := s.defaults[segment]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSegment, segment)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(segment)
}

// All returns every segment's target.
func (s *Store) All() (map[string]Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Target, len(s.order))
	for _, name := range s.order {
		t, err := s.read(name)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

// Validate checks a (segment, target) pair without touching disk.
func (s *Store) Validate(segment string, target Target) error {
	if _, ok := s.defaults[segment]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSegment, segment)
	}
	if _, err := ParseTarget(string(target)); err != nil {
		return err
	}
	if target.IsTunnel() && !s.known(string(target)) {
		return fmt.Errorf("%w: %q", ErrUnknownTunnel, target)
	}
	return nil
}

// Set validates and durably records a segment's target. Invalid calls leave
// the store untouched.
func (s *Store) Set(segment string, target Target) error {
	if err := s.Validate(segment, target); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(segment, target)
}

func (s *Store) path(segment string) string {
	return filepath.Join(s.dir, segment)
}

func (s *Store) read(segment string) (Target, error) {
	data, err := os.ReadFile(s.path(segment))
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrStoreFatal, segment, err)
	}
	t, err := ParseTarget(strings.TrimSpace(string(data)))
	if err != nil {
		return "", fmt.Errorf("%w: corrupt record for %s: %v", ErrStoreFatal, segment, err)
	}
	return t, nil
}

// write replaces the record via temp file, fsync, rename and directory fsync.
func (s *Store) write(segment string, target Target) (err error) {
	defer func() {
		if err != nil && !errors.Is(err, ErrStoreFatal) {
			err = fmt.Errorf("%w: write %s: %v", ErrStoreFatal, segment, err)
		}
	}()

	tmp, err := os.CreateTemp(s.dir, "."+segment+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if err = tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err = tmp.WriteString(string(target) + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, s.path(segment)); err != nil {
		return err
	}
	return syncDir(s.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
