package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mattvenn/chamber-controller/internal/model"
)

var (
	// ErrCorrupt means the on-disk document could not be parsed. Readers fall
	// back to the last good cache; writes are refused until a valid document
	// exists again on disk or in memory.
	ErrCorrupt = errors.New("settings: document corrupt")

	// ErrVerify means the temporary file did not read back with the intended
	// content. The original file is left untouched.
	ErrVerify = errors.New("settings: write verification failed")

	// ErrNoDocument means neither disk nor cache holds a valid document.
	ErrNoDocument = errors.New("settings: no valid document available")

	ErrNoDevice = errors.New("settings: no device with that role")
	ErrNoPhase  = errors.New("settings: phase does not exist")
)

// Partial is a nested set of leaf values to merge into the document. The
// leaves a writer puts in a Partial are exactly the keys it explicitly sets,
// and they win over any concurrent or external edit.
type Partial map[string]interface{}

// Store owns the persisted settings document. Reads are served from a
// TTL-bounded cache invalidated by external modification; every write is
// serialized behind one lock and lands via write-temp-verify-rename, so the
// on-disk file is never observed partially written.
type Store struct {
	path string
	ttl  time.Duration

	writeMu sync.Mutex // serializes the whole save path

	cacheMu   sync.RWMutex
	cache     *model.SettingsDocument
	cacheTime time.Time
	lastMTime time.Time

	// test seam, mirrors how the controllers expose toggles
	rename func(oldpath, newpath string) error
}

// New opens the store, creating a default document if none exists, and primes
// the cache. TTL <= 0 disables caching.
func New(path string, ttl time.Duration) (*Store, error) {
	s := &Store{
		path:   path,
		ttl:    ttl,
		rename: os.Rename,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("settings: create config dir: %w", err)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		doc := model.DefaultDocument()
		if err := s.writeVerified(doc); err != nil {
			return nil, fmt.Errorf("settings: write default document: %w", err)
		}
		log.Info().Str("path", path).Msg("Created default settings document")
	}

	if _, err := s.Load(true); err != nil {
		return nil, err
	}
	return s, nil
}

// Load returns the current document. The cached copy is served while its age
// is under the TTL and the file's modification time is unchanged; otherwise
// the file is re-read. On a parse failure the last good cache is returned
// together with ErrCorrupt rather than propagating upward. The returned
// document is always a private copy.
func (s *Store) Load(force bool) (*model.SettingsDocument, error) {
	s.cacheMu.RLock()
	cache, cacheTime, lastMTime := s.cache, s.cacheTime, s.lastMTime
	s.cacheMu.RUnlock()

	if fi, err := os.Stat(s.path); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Could not stat settings file")
		force = true
	} else if !fi.ModTime().Equal(lastMTime) {
		log.Info().Str("path", s.path).Msg("Detected external change to settings document")
		force = true
	}

	if !force && cache != nil && time.Since(cacheTime) < s.ttl {
		return cache.Clone(), nil
	}

	doc, mtime, err := s.readDisk()
	if err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Failed to load settings, falling back to cache")
		if cache != nil {
			return cache.Clone(), fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return &model.SettingsDocument{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	s.cacheMu.Lock()
	s.cache = doc.Clone()
	s.cacheTime = time.Now()
	s.lastMTime = mtime
	s.cacheMu.Unlock()

	return doc, nil
}

// Save persists a full document. The caller's document may be arbitrarily
// stale by the time the write lock is acquired, so its leaf values are always
// priority-merged over a fresh read of the disk. That way a write that landed
// after the caller's load, whether an external edit or another goroutine in
// this process, never silently vanishes and no single field tears. Device
// state flags are the exception: they record the last confirmed physical
// state and only the confirmed-command path may move them, so the on-disk
// value wins for any device both sides carry.
func (s *Store) Save(doc *model.SettingsDocument) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	final := doc.Clone()

	if diskDoc, _, derr := s.readDisk(); derr == nil {
		merged, merr := mergeDocuments(diskDoc, final)
		if merr != nil {
			return merr
		}
		keepConfirmedStates(merged, diskDoc)
		final = merged
	} else if !errors.Is(derr, os.ErrNotExist) {
		log.Warn().Err(derr).Msg("Settings unreadable on disk during save, keeping caller's document")
	}

	if err := final.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrNoDocument, err)
	}

	return s.writeVerified(final)
}

// keepConfirmedStates copies device state flags from the on-disk document
// into final for every device both documents know, so a stale full-document
// save cannot roll back a state confirmed in the meantime.
func keepConfirmedStates(final, disk *model.SettingsDocument) {
	for i := range final.AvailableDevices {
		dev := &final.AvailableDevices[i]
		for _, d := range disk.AvailableDevices {
			if sameDevice(d, *dev) {
				dev.State = d.State
				break
			}
		}
	}
}

func sameDevice(a, b model.DeviceRecord) bool {
	if a.MAC != "" && b.MAC != "" {
		return a.MAC == b.MAC
	}
	return a.Name == b.Name && a.IP == b.IP
}

// UpdateSettings force-loads the document, deep-merges the partial into it and
// saves. The whole read-merge-write runs under the write lock so concurrent
// updates serialize and both survive.
func (s *Store) UpdateSettings(partial Partial) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	base, err := s.currentLocked()
	if err != nil {
		return err
	}

	merged, err := mergePartial(base, partial)
	if err != nil {
		return err
	}
	if err := merged.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrNoDocument, err)
	}

	return s.writeVerified(merged)
}

// SetDeviceState is the fast path used after a confirmed device round trip:
// force-reload, mutate the one device's state field, write and verify.
func (s *Store) SetDeviceState(role model.DeviceRole, state bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc, err := s.currentLocked()
	if err != nil {
		return err
	}

	dev := doc.Device(role)
	if dev == nil {
		return fmt.Errorf("%w: %s", ErrNoDevice, role)
	}
	if dev.State != state {
		log.Info().Str("role", string(role)).Bool("state", state).Msg("Persisting confirmed device state")
	}
	dev.State = state

	return s.writeVerified(doc)
}

func (s *Store) GetDeviceState(role model.DeviceRole) (bool, error) {
	doc, _ := s.Load(false)
	dev := doc.Device(role)
	if dev == nil {
		return false, fmt.Errorf("%w: %s", ErrNoDevice, role)
	}
	return dev.State, nil
}

// PhaseSettings returns the named phase's setpoints; an empty name means the
// current phase.
func (s *Store) PhaseSettings(phase string) (model.PhaseSettings, error) {
	doc, _ := s.Load(false)
	if phase == "" {
		phase = doc.Environment.CurrentPhase
	}
	p, ok := doc.Environment.Phases[phase]
	if !ok {
		return model.PhaseSettings{}, fmt.Errorf("%w: %s", ErrNoPhase, phase)
	}
	return p, nil
}

// SetCurrentPhase switches the active phase in a single atomic write.
func (s *Store) SetCurrentPhase(phase string) error {
	doc, _ := s.Load(true)
	if _, ok := doc.Environment.Phases[phase]; !ok {
		return fmt.Errorf("%w: %s", ErrNoPhase, phase)
	}
	return s.UpdateSettings(Partial{
		"environment": map[string]interface{}{"current_phase": phase},
	})
}

// CacheAge reports how stale a lock-free read may be, for staleness labeling.
func (s *Store) CacheAge() time.Duration {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	if s.cacheTime.IsZero() {
		return 0
	}
	return time.Since(s.cacheTime)
}

func (s *Store) Path() string { return s.path }

// currentLocked returns the freshest valid document while the write lock is
// held: disk if parsable, otherwise the last good cache.
func (s *Store) currentLocked() (*model.SettingsDocument, error) {
	doc, mtime, err := s.readDisk()
	if err == nil {
		s.cacheMu.Lock()
		s.cache = doc.Clone()
		s.cacheTime = time.Now()
		s.lastMTime = mtime
		s.cacheMu.Unlock()
		return doc, nil
	}

	log.Error().Err(err).Msg("Settings unreadable on disk, using last good cache for write")
	s.cacheMu.RLock()
	cache := s.cache
	s.cacheMu.RUnlock()
	if cache == nil {
		return nil, ErrNoDocument
	}
	return cache.Clone(), nil
}

func (s *Store) readDisk() (*model.SettingsDocument, time.Time, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	var doc model.SettingsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, time.Time{}, err
	}
	fi, err := os.Stat(s.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return &doc, fi.ModTime(), nil
}

// writeVerified writes the document to a sibling temp file, reads it back and
// checks every leaf, and only then renames it over the original. A pre-write
// snapshot is kept as a .bak sibling. Callers hold writeMu.
func (s *Store) writeVerified(doc *model.SettingsDocument) error {
	if prev, err := os.ReadFile(s.path); err == nil {
		if err := os.WriteFile(s.path+".bak", prev, 0644); err != nil {
			log.Warn().Err(err).Msg("Failed to write settings backup")
		}
	}

	tmpPath := s.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("settings: create temp file: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("settings: encode: %w", err)
	}
	f.Sync()
	f.Close()

	if err := verifyFile(tmpPath, doc); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := s.rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("settings: rename: %w", err)
	}

	fi, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("settings: stat after rename: %w", err)
	}

	s.cacheMu.Lock()
	s.cache = doc.Clone()
	s.cacheTime = time.Now()
	s.lastMTime = fi.ModTime()
	s.cacheMu.Unlock()

	return nil
}

// verifyFile re-reads the temp file and checks that every leaf value matches
// the intended document, device states and setpoints included.
func verifyFile(path string, intended *model.SettingsDocument) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read back: %v", ErrVerify, err)
	}
	var onDisk map[string]interface{}
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return fmt.Errorf("%w: parse back: %v", ErrVerify, err)
	}

	want, err := toMap(intended)
	if err != nil {
		return err
	}
	if err := compareLeaves("", want, onDisk); err != nil {
		return fmt.Errorf("%w: %v", ErrVerify, err)
	}
	return nil
}
