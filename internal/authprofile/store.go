package authprofile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Profile is a single credential bound to a provider.
type Profile struct {
	ID       string `json:"-"`
	Type     string `json:"type"` // "api_key"
	Provider string `json:"provider"`
	Key      string `json:"key"`
}

// UsageStat tracks rotation/cooldown bookkeeping for one profile.
type UsageStat struct {
	LastUsed      int64 `json:"lastUsed,omitempty"`      // unix millis
	CooldownUntil int64 `json:"cooldownUntil,omitempty"` // unix millis
}

// fileSchema is the on-disk shape: {version, profiles, usageStats}.
type fileSchema struct {
	Version    int                  `json:"version"`
	Profiles   map[string]Profile   `json:"profiles"`
	UsageStats map[string]UsageStat `json:"usageStats"`
}

// Store holds auth profiles and their rotation state, backed by an
// atomically-replaced JSON file (same temp-file+rename pattern as
// internal/sessions/manager.go's Save).
type Store struct {
	mu    sync.Mutex
	path  string
	data  fileSchema
	clock func() time.Time
}

// DefaultCooldown is the default rotation cooldown applied on rate-limit
// rotation, step 6 ("hourly by default").
const DefaultCooldown = time.Hour

func NewStore(path string) (*Store, error) {
	s := &Store{path: path, clock: time.Now}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.data = fileSchema{Version: 1, Profiles: map[string]Profile{}, UsageStats: map[string]UsageStat{}}
		return nil
	}
	if err != nil {
		return err
	}
	var f fileSchema
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("authprofile: parse %s: %w", s.path, err)
	}
	if f.Profiles == nil {
		f.Profiles = map[string]Profile{}
	}
	if f.UsageStats == nil {
		f.UsageStats = map[string]UsageStat{}
	}
	s.data = f
	return nil
}

func (s *Store) save() error {
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".authprofile-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

// ForProvider returns all profile ids registered for the given provider.
func (s *Store) ForProvider(provider string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, p := range s.data.Profiles {
		if p.Provider == provider {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Store) get(id string) (Profile, bool) {
	p, ok := s.data.Profiles[id]
	if ok {
		p.ID = id
	}
	return p, ok
}

func (s *Store) inCooldown(id string, now time.Time) bool {
	st, ok := s.data.UsageStats[id]
	if !ok || st.CooldownUntil == 0 {
		return false
	}
	return now.UnixMilli() < st.CooldownUntil
}

// SelectionSource distinguishes a user-pinned profile from automatic rotation,
// step 1.
type SelectionSource string

const (
	SourceUser SelectionSource = "user"
	SourceAuto SelectionSource = "auto"
)

// Select implements step 1: if source=user, always use the
// pinned profile (even in cooldown). If source=auto, pick the
// least-recently-used eligible (not-in-cooldown) profile. When source=auto
// and every profile is in cooldown and fallbacks exist, the caller is
// expected to treat a returned ("", false) as a rate-limit FailoverError.
func (s *Store) Select(provider string, source SelectionSource, pinnedID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()

	if source == SourceUser && pinnedID != "" {
		if _, ok := s.get(pinnedID); ok {
			return pinnedID, true
		}
		return "", false
	}

	var best string
	var bestLastUsed int64 = -1
	for _, id := range s.idsForProviderLocked(provider) {
		if s.inCooldown(id, now) {
			continue
		}
		lu := s.data.UsageStats[id].LastUsed
		if bestLastUsed == -1 || lu < bestLastUsed {
			bestLastUsed = lu
			best = id
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}

func (s *Store) idsForProviderLocked(provider string) []string {
	var ids []string
	for id, p := range s.data.Profiles {
		if p.Provider == provider {
			ids = append(ids, id)
		}
	}
	return ids
}

// MarkUsed records that a profile was just selected to start an attempt.
func (s *Store) MarkUsed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.data.UsageStats[id]
	st.LastUsed = s.clock().UnixMilli()
	s.data.UsageStats[id] = st
	_ = s.save()
}

// MarkCooldown puts a profile into cooldown for the given duration.
func (s *Store) MarkCooldown(id string, d time.Duration) {
	if d <= 0 {
		d = DefaultCooldown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.data.UsageStats[id]
	st.CooldownUntil = s.clock().Add(d).UnixMilli()
	s.data.UsageStats[id] = st
	_ = s.save()
}

// ClearCooldown clears cooldown on success — only called on success, per
// open question #1 ("source clears on success only").
func (s *Store) ClearCooldown(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.data.UsageStats[id]
	st.CooldownUntil = 0
	s.data.UsageStats[id] = st
	_ = s.save()
}

// Credential returns the provider credential for a selected profile id.
func (s *Store) Credential(id string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}
