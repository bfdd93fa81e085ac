package keystore

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// KeyExt is the file suffix the directory loader picks up.
const KeyExt = ".key"

var (
	ErrKeyNotFound = errors.New("keystore: key not found")
	ErrNilSigner   = errors.New("keystore: nil signer")
	ErrNoDir       = errors.New("keystore: directory not configured")
)

// Config selects where keys come from.
type Config struct {
	Dir        string
	Watch      bool
	Passphrase string
}

// KeyInfo describes one loaded key without exposing it.
type KeyInfo struct {
	SKI       string `json:"ski"`
	Algorithm string `json:"algorithm"`
	Bits      int    `json:"bits"`
	Source    string `json:"source"`
}

type entry struct {
	signer crypto.Signer
	info   KeyInfo
}

// Store indexes private keys by SKI. It is safe for concurrent use.
type Store struct {
	cfg Config

	mu     sync.RWMutex
	keys   map[[SKILen]byte]entry
	bySrc  map[string][SKILen]byte
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an empty store.
func New() *Store {
	return &Store{
		keys:  make(map[[SKILen]byte]entry),
		bySrc: make(map[string][SKILen]byte),
	}
}

// Open loads every key file under cfg.Dir and starts a watcher when asked.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	s := New()
	s.cfg = cfg
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, ErrNoDir
	}
	if err := s.LoadDir(cfg.Dir); err != nil {
		return nil, err
	}
	if cfg.Watch {
		if err := s.Watch(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add indexes signer under its computed SKI and returns that SKI.
func (s *Store) Add(signer crypto.Signer, source string) ([]byte, error) {
	if signer == nil {
		return nil, ErrNilSigner
	}
	ski, err := SKI(signer.Public())
	if err != nil {
		return nil, err
	}
	var k [SKILen]byte
	copy(k[:], ski)
	algo, bits := Algorithm(signer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.bySrc[source]; ok && source != "" && prev != k {
		delete(s.keys, prev)
	}
	s.keys[k] = entry{
		signer: signer,
		info:   KeyInfo{SKI: FormatSKI(ski), Algorithm: algo, Bits: bits, Source: source},
	}
	if source != "" {
		s.bySrc[source] = k
	}
	return ski, nil
}

// Lookup returns the signer for ski or ErrKeyNotFound.
func (s *Store) Lookup(ski []byte) (crypto.Signer, error) {
	if len(ski) != SKILen {
		return nil, fmt.Errorf("%w: ski length %d", ErrKeyNotFound, len(ski))
	}
	var k [SKILen]byte
	copy(k[:], ski)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.keys[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, FormatSKI(ski))
	}
	return e.signer, nil
}

// Len reports how many keys are indexed.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// List returns loaded keys sorted by SKI.
func (s *Store) List() []KeyInfo {
	s.mu.RLock()
	out := make([]KeyInfo, 0, len(s.keys))
	for _, e := range s.keys {
		out = append(out, e.info)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SKI < out[j].SKI })
	return out
}

// LoadFile parses one PEM key file and indexes it by path.
func (s *Store) LoadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ParsePrivateKeyPEM(data, []byte(s.cfg.Passphrase))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s.Add(signer, path)
}

// LoadDir loads every *.key file in dir. The first bad file aborts the load.
func (s *Store) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("keystore: read dir: %w", err)
	}
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != KeyExt {
			continue
		}
		path := filepath.Join(dir, de.Name())
		ski, err := s.LoadFile(path)
		if err != nil {
			return err
		}
		log.Debug().Str("path", path).Str("ski", FormatSKI(ski)).Msg("key loaded")
	}
	log.Info().Str("dir", dir).Int("keys", s.Len()).Msg("key directory loaded")
	return nil
}

// Remove drops the key that was loaded from path.
func (s *Store) Remove(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.bySrc[path]
	if !ok {
		return false
	}
	delete(s.bySrc, path)
	if e, ok := s.keys[k]; ok && e.info.Source == path {
		delete(s.keys, k)
	}
	return true
}

// Watch reloads key files as they change in the configured directory until
// ctx ends or Close is called.
func (s *Store) Watch(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.Dir) == "" {
		return ErrNoDir
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("keystore: watcher: %w", err)
	}
	if err := w.Add(s.cfg.Dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("keystore: watch %s: %w", s.cfg.Dir, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				s.handleEvent(ev)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Str("dir", s.cfg.Dir).Msg("key watch error")
			}
		}
	}()
	return nil
}

func (s *Store) handleEvent(ev fsnotify.Event) {
	if filepath.Ext(ev.Name) != KeyExt {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		if s.Remove(ev.Name) {
			log.Info().Str("path", ev.Name).Msg("key removed")
		}
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		ski, err := s.LoadFile(ev.Name)
		if err != nil {
			// Editors write in several steps; the next event retries.
			log.Warn().Err(err).Str("path", ev.Name).Msg("key reload failed")
			return
		}
		log.Info().Str("path", ev.Name).Str("ski", FormatSKI(ski)).Msg("key reloaded")
	}
}

// Close stops the watcher, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}
