package blacklist

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"hashpass/internal/logger"
)

// Store is the banned-IP set, persisted to a JSON array on disk so bans
// survive restarts. Open channels from banned IPs are closed by the hub;
// new connections and submissions are rejected at the boundary.
type Store struct {
	mu   sync.Mutex
	ips  mapset.Set[string]
	path string
	log  *logger.Logger
}

func New(path string, log *logger.Logger) *Store {
	return &Store{
		ips:  mapset.NewThreadUnsafeSet[string](),
		path: path,
		log:  log,
	}
}

// Load reads the blacklist file if present. A missing file is an empty set.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read blacklist: %w", err)
	}

	var ips []string
	if err := json.Unmarshal(data, &ips); err != nil {
		return fmt.Errorf("parse blacklist: %w", err)
	}

	s.mu.Lock()
	s.ips = mapset.NewThreadUnsafeSet(ips...)
	count := s.ips.Cardinality()
	s.mu.Unlock()

	s.log.Infof("blacklist", "loaded %d banned IPs from %s", count, s.path)
	return nil
}

// Ban adds ip and persists. Returns false if ip was already banned.
func (s *Store) Ban(ip string) bool {
	s.mu.Lock()
	added := s.ips.Add(ip)
	total := s.ips.Cardinality()
	s.mu.Unlock()

	if added {
		s.log.Infof("blacklist", "banned IP %s (total: %d)", ip, total)
		s.save()
	}
	return added
}

// Unban removes ip and persists. Returns false if ip was not banned.
func (s *Store) Unban(ip string) bool {
	s.mu.Lock()
	existed := s.ips.Contains(ip)
	s.ips.Remove(ip)
	total := s.ips.Cardinality()
	s.mu.Unlock()

	if existed {
		s.log.Infof("blacklist", "unbanned IP %s (total: %d)", ip, total)
		s.save()
	}
	return existed
}

func (s *Store) IsBanned(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ips.Contains(ip)
}

// List returns all banned IPs, sorted.
func (s *Store) List() []string {
	s.mu.Lock()
	ips := s.ips.ToSlice()
	s.mu.Unlock()
	sort.Strings(ips)
	return ips
}

func (s *Store) save() {
	data, err := json.MarshalIndent(s.List(), "", "  ")
	if err != nil {
		s.log.Errorf("blacklist", "marshal: %v", err)
		return
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		s.log.Errorf("blacklist", "write %s: %v", tmp, err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		s.log.Errorf("blacklist", "rename %s: %v", s.path, err)
	}
}
