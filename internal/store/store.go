// Package store is the durable record of plugs, servers, server liveness
// and settings. It is the only component that mutates configuration and
// the only place those mutations are serialized.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tphummel/lab_power/internal/clock"
	"github.com/tphummel/lab_power/internal/models"
)

// Store holds the configuration document in memory and persists every
// mutation to a JSON file with an atomic temp-file + rename write.
type Store struct {
	path   string
	logger *slog.Logger
	clock  clock.Clock

	mu     sync.RWMutex
	doc    document
	writes atomic.Uint64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for load recovery and state changes.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the clock used to stamp liveness transitions.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open loads the document at path, creating its directory if needed. A
// missing, empty or corrupt file yields an empty document; only a failure
// to create the directory is returned as an error.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		logger: slog.Default(),
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create config directory: %w", models.ErrPersistence, err)
	}

	doc, err := s.read()
	if err != nil {
		s.logger.Error("failed to load config, starting empty", "path", path, "error", err)
		doc = newDocument()
	}
	s.doc = doc
	return s, nil
}

// Path returns the location of the live configuration file.
func (s *Store) Path() string { return s.path }

// Writes returns the number of durable writes performed since Open.
func (s *Store) Writes() uint64 { return s.writes.Load() }

// Reload re-reads the file, discarding in-memory state the file has not
// seen. A missing file resets to an empty document; an unreadable or
// corrupt file is reported and the current document is kept.
func (s *Store) Reload() error {
	doc, err := s.read()
	if err != nil {
		return fmt.Errorf("%w: reload: %w", models.ErrPersistence, err)
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	s.logger.Debug("configuration reloaded", "path", s.path)
	return nil
}

// GetPlug returns the plug with the given name.
func (s *Store) GetPlug(name string) (models.Plug, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.doc.Plugs[name]
	if !ok {
		return models.Plug{}, fmt.Errorf("%w: %q", models.ErrPlugNotFound, name)
	}
	return models.Plug{Name: name, IP: rec.IP}, nil
}

// ListPlugs returns all plugs ordered by name.
func (s *Store) ListPlugs() []models.Plug {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Plug, 0, len(s.doc.Plugs))
	for name, rec := range s.doc.Plugs {
		out = append(out, models.Plug{Name: name, IP: rec.IP})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddPlug creates a plug. The name must be unused.
func (s *Store) AddPlug(p models.Plug) error {
	if !models.ValidName(p.Name) {
		return fmt.Errorf("%w: invalid plug name %q", models.ErrInvalidArgument, p.Name)
	}
	if p.IP == "" {
		return fmt.Errorf("%w: plug ip is required", models.ErrInvalidArgument)
	}
	return s.mutate(true, func(doc *document) error {
		if _, ok := doc.Plugs[p.Name]; ok {
			return fmt.Errorf("plug %q: %w", p.Name, models.ErrAlreadyExists)
		}
		doc.Plugs[p.Name] = plugRecord{IP: p.IP}
		return nil
	})
}

// UpdatePlug changes the address of an existing plug.
func (s *Store) UpdatePlug(name, ip string) error {
	if ip == "" {
		return fmt.Errorf("%w: plug ip is required", models.ErrInvalidArgument)
	}
	return s.mutate(true, func(doc *document) error {
		if _, ok := doc.Plugs[name]; !ok {
			return fmt.Errorf("%w: %q", models.ErrPlugNotFound, name)
		}
		doc.Plugs[name] = plugRecord{IP: ip}
		return nil
	})
}

// RemovePlug deletes a plug. Servers referencing it keep the dangling name.
func (s *Store) RemovePlug(name string) error {
	return s.mutate(true, func(doc *document) error {
		if _, ok := doc.Plugs[name]; !ok {
			return fmt.Errorf("%w: %q", models.ErrPlugNotFound, name)
		}
		delete(doc.Plugs, name)
		return nil
	})
}

// GetServer returns the server with the given name.
func (s *Store) GetServer(name string) (models.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.doc.Servers[name]
	if !ok {
		return models.Server{}, fmt.Errorf("%w: %q", models.ErrServerNotFound, name)
	}
	return serverFromRecord(name, rec), nil
}

// ListServers returns all servers ordered by name.
func (s *Store) ListServers() []models.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Server, 0, len(s.doc.Servers))
	for name, rec := range s.doc.Servers {
		out = append(out, serverFromRecord(name, rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddServer creates a server. A non-empty plug must name an existing plug.
func (s *Store) AddServer(srv models.Server) error {
	if !models.ValidName(srv.Name) {
		return fmt.Errorf("%w: invalid server name %q", models.ErrInvalidArgument, srv.Name)
	}
	if srv.Hostname == "" {
		return fmt.Errorf("%w: server hostname is required", models.ErrInvalidArgument)
	}
	rec := serverRecord{
		Hostname: srv.Hostname,
		MAC:      models.NormalizeMAC(srv.MAC),
		Plug:     srv.Plug,
	}
	return s.mutate(true, func(doc *document) error {
		if _, ok := doc.Servers[srv.Name]; ok {
			return fmt.Errorf("server %q: %w", srv.Name, models.ErrAlreadyExists)
		}
		if rec.Plug != "" {
			if _, ok := doc.Plugs[rec.Plug]; !ok {
				return fmt.Errorf("%w: %q", models.ErrPlugNotFound, rec.Plug)
			}
		}
		doc.Servers[srv.Name] = rec
		return nil
	})
}

// UpdateServer applies a partial update and returns the resulting record.
func (s *Store) UpdateServer(name string, patch models.ServerPatch) (models.Server, error) {
	if patch.Hostname != nil && *patch.Hostname == "" {
		return models.Server{}, fmt.Errorf("%w: server hostname cannot be empty", models.ErrInvalidArgument)
	}
	var updated models.Server
	err := s.mutate(true, func(doc *document) error {
		rec, ok := doc.Servers[name]
		if !ok {
			return fmt.Errorf("%w: %q", models.ErrServerNotFound, name)
		}
		if patch.Hostname != nil {
			rec.Hostname = *patch.Hostname
		}
		if patch.MAC != nil {
			rec.MAC = models.NormalizeMAC(*patch.MAC)
		}
		if patch.Plug != nil {
			if *patch.Plug != "" {
				if _, ok := doc.Plugs[*patch.Plug]; !ok {
					return fmt.Errorf("%w: %q", models.ErrPlugNotFound, *patch.Plug)
				}
			}
			rec.Plug = *patch.Plug
		}
		doc.Servers[name] = rec
		updated = serverFromRecord(name, rec)
		return nil
	})
	return updated, err
}

// RemoveServer deletes a server together with its liveness record.
func (s *Store) RemoveServer(name string) error {
	return s.mutate(true, func(doc *document) error {
		if _, ok := doc.Servers[name]; !ok {
			return fmt.Errorf("%w: %q", models.ErrServerNotFound, name)
		}
		delete(doc.Servers, name)
		delete(doc.State, name)
		return nil
	})
}

// ElectricityPrice returns the configured price per kWh, 0 when unset.
func (s *Store) ElectricityPrice() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Settings.ElectricityPrice
}

// SetElectricityPrice stores the price per kWh.
func (s *Store) SetElectricityPrice(price float64) error {
	if price < 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("%w: electricity price must be a finite value >= 0", models.ErrInvalidArgument)
	}
	return s.mutate(true, func(doc *document) error {
		doc.Settings.ElectricityPrice = price
		return nil
	})
}

// LivenessState returns the recorded liveness of a server.
func (s *Store) LivenessState(name string) (models.LivenessState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.doc.State[name]
	if !ok {
		return models.LivenessState{}, false
	}
	st := models.LivenessState{
		Online:     rec.Online,
		LastChange: rec.LastChange.time(),
	}
	if rec.UptimeStart != nil {
		t := rec.UptimeStart.time()
		st.UptimeStart = &t
	}
	return st, true
}

// UpdateServerLivenessState records an observation. The file is written
// only when the value differs from the recorded one; the first
// observation of a server always counts as a change. Liveness writes skip
// the backup copy. Unknown servers are ignored. It reports whether a write
// happened.
func (s *Store) UpdateServerLivenessState(name string, online bool) (bool, error) {
	s.mu.RLock()
	_, exists := s.doc.Servers[name]
	prev, known := s.doc.State[name]
	s.mu.RUnlock()
	if !exists || (known && prev.Online == online) {
		return false, nil
	}

	changed := false
	err := s.mutate(false, func(doc *document) error {
		// Re-check under the write lock; a concurrent caller may have
		// recorded the same transition.
		if _, ok := doc.Servers[name]; !ok {
			return errUnchanged
		}
		if cur, ok := doc.State[name]; ok && cur.Online == online {
			return errUnchanged
		}
		now := timestamp(s.clock.Now().UTC())
		rec := stateRecord{Online: online, LastChange: now}
		if online {
			start := now
			rec.UptimeStart = &start
		}
		doc.State[name] = rec
		changed = true
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.Info("server state changed", "server", name, "online", online)
	return changed, nil
}

var errUnchanged = errors.New("unchanged")

// mutate applies fn to a copy of the document, persists the copy and only
// then makes it current, so a failed write leaves memory and disk equal.
func (s *Store) mutate(backup bool, fn func(*document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.persist(next, backup); err != nil {
		s.logger.Error("failed to save config", "path", s.path, "error", err)
		return fmt.Errorf("%w: %w", models.ErrPersistence, err)
	}
	s.doc = next
	return nil
}

// read loads the document under a shared file lock. A missing file is an
// empty document, not an error.
func (s *Store) read() (document, error) {
	unlock, err := lockFile(s.lockPath(), false)
	if err != nil {
		return document{}, err
	}
	defer unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return newDocument(), nil
	}
	if err != nil {
		return document{}, fmt.Errorf("read %s: %w", s.path, err)
	}
	return decodeDocument(data)
}

// persist writes doc under an exclusive file lock, first copying the
// previous file to the backup path when backup is set.
func (s *Store) persist(doc document, backup bool) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}

	unlock, err := lockFile(s.lockPath(), true)
	if err != nil {
		return err
	}
	defer unlock()

	if backup {
		s.backup()
	}
	if err := writeAtomic(s.path, data); err != nil {
		return err
	}
	s.writes.Add(1)
	return nil
}

// backup copies the live file to the .bak sibling. Failure is logged and
// does not block the write that follows.
func (s *Store) backup() {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err == nil {
		err = writeAtomic(s.BackupPath(), data)
	}
	if err != nil {
		s.logger.Warn("failed to create config backup", "path", s.BackupPath(), "error", err)
	}
}

// BackupPath returns the location of the previous-document copy.
func (s *Store) BackupPath() string { return s.path + ".bak" }

func (s *Store) lockPath() string { return s.path + ".lock" }

func serverFromRecord(name string, rec serverRecord) models.Server {
	return models.Server{Name: name, Hostname: rec.Hostname, MAC: rec.MAC, Plug: rec.Plug}
}
