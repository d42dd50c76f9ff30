package store

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Key namespaces. Every persisted record is scoped to either a lock name or
// a host identity (the authority portion of the workspace host URL).
const (
	LockPrefix         = "lock/"
	InstallationPrefix = "installation/"
	ConfigPrefix       = "config/"
)

// HostIdentity derives the identity string used to namespace persisted
// records for a workspace host: the lowercased authority of its URL.
// A bare "host:port" without a scheme is accepted.
func HostIdentity(rawURL string) (string, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return "", fmt.Errorf("empty host URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid host URL %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("host URL %q has no authority", rawURL)
	}
	return strings.ToLower(u.Host), nil
}

func LockKey(name string) string {
	return LockPrefix + name
}

func InstallationKey(authority string) string {
	return InstallationPrefix + authority
}

func ConfigKey(authority string) string {
	return ConfigPrefix + authority
}

// LockRecord is the persisted form of a held lock. At most one holder token
// is current for a lock name at any instant.
type LockRecord struct {
	HolderToken string    `json:"holder_token"`
	Deadline    time.Time `json:"deadline"`
}

// Expired reports whether the lock's deadline has elapsed.
func (r LockRecord) Expired(now time.Time) bool {
	return now.After(r.Deadline)
}

// Installation records a successfully installed companion binary for a host.
type Installation struct {
	BinaryPath string `json:"binary_path"`
	VersionTag string `json:"version_tag,omitempty"`
}

// RunningConfig records a believed-live companion process. It is invalidated
// when the process is found dead or a newer installation supersedes it.
type RunningConfig struct {
	Host          string `json:"host"`
	SSHConfigFile string `json:"ssh_config_file"`
	APIPort       int    `json:"api_port"`
	ProcessID     int    `json:"process_id"`
	LogFilePath   string `json:"log_file_path"`
}

// Installation returns the installation record for a host identity, or nil.
func (s *Store) Installation(authority string) (*Installation, error) {
	var rec Installation
	ok, err := s.getJSON(InstallationKey(authority), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SetInstallation(authority string, rec Installation) error {
	return s.putJSON(InstallationKey(authority), rec)
}

func (s *Store) DeleteInstallation(authority string) error {
	return s.Delete(InstallationKey(authority))
}

// RunningConfig returns the running-config record for a host identity, or nil.
func (s *Store) RunningConfig(authority string) (*RunningConfig, error) {
	var rec RunningConfig
	ok, err := s.getJSON(ConfigKey(authority), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SetRunningConfig(authority string, rec RunningConfig) error {
	return s.putJSON(ConfigKey(authority), rec)
}

func (s *Store) DeleteRunningConfig(authority string) error {
	return s.Delete(ConfigKey(authority))
}

// DeleteRunningConfigIfMatches clears the running-config record only when it
// still equals rec, comparing by value. A record refreshed by another process
// in the meantime is left alone.
func (s *Store) DeleteRunningConfigIfMatches(authority string, rec RunningConfig) (bool, error) {
	current, err := s.RunningConfig(authority)
	if err != nil {
		return false, err
	}
	if current == nil || *current != rec {
		return false, nil
	}
	if err := s.DeleteRunningConfig(authority); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) getJSON(key string, v any) (bool, error) {
	data, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("malformed record under %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(key, data)
}
