// Package graphstore lays out persisted graph files on disk:
//
//	<root>/graphs/<role>/<checkpoint>/<name>.graph
package graphstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emirpasic/gods/sets/treeset"

	"github.com/graphboost/graphboost/types/errtypes"
)

const Ext = ".graph"

var ErrNotFound = errors.New("graph file not found")

// FileName is the canonical graph name for a role built by a given
// graphboost version and compiler backend.
func FileName(role, version, backend, backendVersion string) string {
	return fmt.Sprintf("%s_graph_%s_%s_%s", role, version, backend, backendVersion)
}

type Entry struct {
	Role       string    `json:"role"`
	Checkpoint string    `json:"checkpoint"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

type Store struct {
	Root string
}

func New(root string) *Store {
	return &Store{Root: root}
}

func checkName(field, name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, filepath.Separator) {
		return &errtypes.ValidationError{Field: field, Value: name, Reason: fmt.Sprintf("invalid %s %q", field, name)}
	}
	return nil
}

func (s *Store) base() string {
	return filepath.Join(s.Root, "graphs")
}

// Dir is the directory holding the graphs of a role and checkpoint.
func (s *Store) Dir(role, checkpoint string) (string, error) {
	if err := checkName("role", role); err != nil {
		return "", err
	}
	if err := checkName("checkpoint", checkpoint); err != nil {
		return "", err
	}
	return filepath.Join(s.base(), role, checkpoint), nil
}

// Path returns where the graph name is stored. name is given without the
// extension.
func (s *Store) Path(role, checkpoint, name string) (string, error) {
	dir, err := s.Dir(role, checkpoint)
	if err != nil {
		return "", err
	}
	if err := checkName("name", name); err != nil {
		return "", err
	}
	return filepath.Join(dir, name+Ext), nil
}

func byPath(a, b any) int {
	return strings.Compare(a.(Entry).Path, b.(Entry).Path)
}

// List returns the graph files of a role and checkpoint sorted by name. A
// missing directory lists nothing.
func (s *Store) List(role, checkpoint string) ([]Entry, error) {
	dir, err := s.Dir(role, checkpoint)
	if err != nil {
		return nil, err
	}

	set := treeset.NewWith(byPath)
	if err := s.collect(set, role, checkpoint, dir); err != nil {
		return nil, err
	}
	return entries(set), nil
}

// ListAll returns every graph file under the root, sorted by path.
func (s *Store) ListAll() ([]Entry, error) {
	set := treeset.NewWith(byPath)

	roles, err := os.ReadDir(s.base())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	for _, role := range roles {
		if !role.IsDir() {
			continue
		}
		ckpts, err := os.ReadDir(filepath.Join(s.base(), role.Name()))
		if err != nil {
			return nil, err
		}
		for _, ckpt := range ckpts {
			if !ckpt.IsDir() {
				continue
			}
			if err := s.collect(set, role.Name(), ckpt.Name(), filepath.Join(s.base(), role.Name(), ckpt.Name())); err != nil {
				return nil, err
			}
		}
	}
	return entries(set), nil
}

func (s *Store) collect(set *treeset.Set, role, checkpoint, dir string) error {
	files, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != Ext {
			continue
		}
		info, err := f.Info()
		if err != nil {
			slog.Debug("skipping graph file", "name", f.Name(), "error", err)
			continue
		}
		set.Add(Entry{
			Role:       role,
			Checkpoint: checkpoint,
			Name:       strings.TrimSuffix(f.Name(), Ext),
			Path:       filepath.Join(dir, f.Name()),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	return nil
}

func entries(set *treeset.Set) []Entry {
	out := make([]Entry, 0, set.Size())
	for _, v := range set.Values() {
		out = append(out, v.(Entry))
	}
	return out
}

// Resolve returns the entry named exactly name.
func (s *Store) Resolve(role, checkpoint, name string) (Entry, error) {
	if err := checkName("name", name); err != nil {
		return Entry{}, err
	}
	list, err := s.List(role, checkpoint)
	if err != nil {
		return Entry{}, err
	}
	for _, e := range list {
		if e.Name == name {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, role, checkpoint, name)
}

// Remove deletes a graph file and its checkpoint directory when that
// becomes empty.
func (s *Store) Remove(role, checkpoint, name string) error {
	e, err := s.Resolve(role, checkpoint, name)
	if err != nil {
		return err
	}
	if err := os.Remove(e.Path); err != nil {
		return err
	}

	dir := filepath.Dir(e.Path)
	if rest, err := os.ReadDir(dir); err == nil && len(rest) == 0 {
		_ = os.Remove(dir)
	}
	slog.Info("removed graph", "path", e.Path)
	return nil
}
