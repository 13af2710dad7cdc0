package persistence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/coupling"
	"github.com/denizumutdereli/kairos/pkg/family"
	"github.com/denizumutdereli/kairos/pkg/regime"
)

// File names, one per persisted structure.
const (
	CouplingFile  = "coupling.krs"
	FamiliesFile  = "families.krs"
	EvolutionFile = "evolution.krs"
)

// Evolution is the turn-level learning state that is neither the matrix
// nor the families: the threshold evolver and the weaning counter.
type Evolution struct {
	Regime  regime.State `msgpack:"regime"`
	Turns   uint64       `msgpack:"turns"`
	SavedAt time.Time    `msgpack:"saved_at"`
}

// Store handles file-based persistence of organism state
type Store struct {
	basePath string
	codec    *Codec
	fsync    bool

	// one lock per file keeps concurrent saves of different structures apart
	locks map[Kind]*sync.Mutex

	totalWrites atomic.Uint64
	totalReads  atomic.Uint64
	quarantined atomic.Uint64
}

// NewStore creates the data directory if needed.
func NewStore(cfg core.StorageConfig) (*Store, error) {
	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data path: %w", err)
	}
	return &Store{
		basePath: cfg.DataPath,
		codec:    NewCodec(cfg.Compress),
		fsync:    cfg.Fsync,
		locks: map[Kind]*sync.Mutex{
			KindCoupling:  {},
			KindFamilies:  {},
			KindEvolution: {},
		},
	}, nil
}

// Path returns the data directory.
func (s *Store) Path() string { return s.basePath }

// FilePath returns the file that holds kind.
func (s *Store) FilePath(kind Kind) string {
	switch kind {
	case KindCoupling:
		return filepath.Join(s.basePath, CouplingFile)
	case KindFamilies:
		return filepath.Join(s.basePath, FamiliesFile)
	default:
		return filepath.Join(s.basePath, EvolutionFile)
	}
}

// SaveCoupling persists the matrix.
func (s *Store) SaveCoupling(m *coupling.Matrix) error {
	return s.save(KindCoupling, m)
}

// LoadCoupling returns core.ErrStateNotFound when no file exists and
// core.ErrCorruptState when the file or its contents are invalid.
func (s *Store) LoadCoupling() (*coupling.Matrix, error) {
	var m coupling.Matrix
	if err := s.load(KindCoupling, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorruptState, err)
	}
	return &m, nil
}

// SaveFamilies persists a family-set snapshot.
func (s *Store) SaveFamilies(snap family.Snapshot) error {
	return s.save(KindFamilies, snap)
}

// LoadFamilies decodes the snapshot. Structural validation happens in
// family.Restore.
func (s *Store) LoadFamilies() (family.Snapshot, error) {
	var snap family.Snapshot
	err := s.load(KindFamilies, &snap)
	return snap, err
}

// SaveEvolution persists the evolver state and turn counter.
func (s *Store) SaveEvolution(ev Evolution) error {
	ev.SavedAt = time.Now()
	return s.save(KindEvolution, ev)
}

// LoadEvolution decodes the evolution state.
func (s *Store) LoadEvolution() (Evolution, error) {
	var ev Evolution
	err := s.load(KindEvolution, &ev)
	return ev, err
}

// Exists reports whether a file for kind is present.
func (s *Store) Exists(kind Kind) bool {
	_, err := os.Stat(s.FilePath(kind))
	return err == nil
}

// Remove deletes the file for kind. A missing file is not an error.
func (s *Store) Remove(kind Kind) error {
	mu := s.locks[kind]
	mu.Lock()
	defer mu.Unlock()
	if err := os.Remove(s.FilePath(kind)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Quarantine moves a corrupt file aside so the next save does not
// overwrite the evidence. Returns the new path.
func (s *Store) Quarantine(kind Kind) (string, error) {
	mu := s.locks[kind]
	mu.Lock()
	defer mu.Unlock()

	src := s.FilePath(kind)
	dst := fmt.Sprintf("%s.corrupt-%d", src, time.Now().UnixNano())
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	s.quarantined.Add(1)
	return dst, nil
}

func (s *Store) save(kind Kind, v any) error {
	data, err := s.codec.Encode(kind, v)
	if err != nil {
		return fmt.Errorf("encode %s failed: %w", kind, err)
	}

	mu := s.locks[kind]
	mu.Lock()
	defer mu.Unlock()

	if err := s.writeAtomically(s.FilePath(kind), data, 0o644); err != nil {
		return fmt.Errorf("write %s failed: %w", kind, err)
	}
	s.totalWrites.Add(1)
	return nil
}

func (s *Store) load(kind Kind, v any) error {
	mu := s.locks[kind]
	mu.Lock()
	raw, err := os.ReadFile(s.FilePath(kind))
	mu.Unlock()

	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", core.ErrStateNotFound, kind)
		}
		return fmt.Errorf("read %s: %w", kind, err)
	}
	s.totalReads.Add(1)
	return s.codec.Decode(raw, kind, v)
}

// writeAtomically writes to a temp file and renames it over path, so a
// crash leaves either the old or the new file, never a torn one.
func (s *Store) writeAtomically(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	if s.fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return err
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if s.fsync {
		return syncDir(filepath.Dir(path))
	}
	return nil
}

func syncDir(path string) error {
	if runtime.GOOS == "windows" {
		// Windows does not support fsync on directories in this mode.
		return nil
	}

	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Stats returns persistence statistics
func (s *Store) Stats() map[string]any {
	return map[string]any{
		"base_path":    s.basePath,
		"total_writes": s.totalWrites.Load(),
		"total_reads":  s.totalReads.Load(),
		"quarantined":  s.quarantined.Load(),
		"compress":     s.codec.compress,
		"fsync":        s.fsync,
	}
}
