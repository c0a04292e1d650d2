package client

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgproto3"
	"gopkg.in/yaml.v3"

	"github.com/gatewayd-io/pgstartup"
	"github.com/gatewayd-io/pgstartup/auth"
)

// ErrProfileNotFound is returned by Lookup for unknown profile names.
var ErrProfileNotFound = errors.New("connection profile not found")

// ConnectionProfile is one named connection target, the file-backed
// equivalent of a pg_service.conf entry.
type ConnectionProfile struct {
	Name            string `yaml:"name"`
	Address         string `yaml:"address"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	ApplicationName string `yaml:"application_name"`
	SSLMode         string `yaml:"ssl_mode"`

	// AllowedMechanisms restricts which authentication mechanisms this
	// profile will answer. Empty allows all; "*" is a wildcard.
	AllowedMechanisms []string `yaml:"allowed_mechanisms"`

	// CasbinModelPath and CasbinPolicyPath enable the Casbin-backed
	// mechanism policy for this profile (optional).
	CasbinModelPath  string `yaml:"casbin_model_path"`
	CasbinPolicyPath string `yaml:"casbin_policy_path"`
}

// SupportsMechanism reports whether the profile allows answering
// challenges of the given mechanism.
func (p *ConnectionProfile) SupportsMechanism(mechanism auth.Mechanism) bool {
	if len(p.AllowedMechanisms) == 0 {
		return true
	}
	for _, allowed := range p.AllowedMechanisms {
		if allowed == "*" || auth.Mechanism(allowed) == mechanism {
			return true
		}
	}
	return false
}

// Credentials returns the identity this profile authenticates as.
func (p *ConnectionProfile) Credentials() auth.Credentials {
	return auth.Credentials{Username: p.Username, Password: p.Password}
}

// ClientConfig maps the profile onto a client Config.
func (p *ConnectionProfile) ClientConfig() Config {
	cfg := DefaultConfig()
	if p.Address != "" {
		cfg.Address = p.Address
	}
	if p.SSLMode != "" {
		cfg.SSLMode = p.SSLMode
	}
	return cfg
}

// StartupOptions maps the profile onto flow options.
func (p *ConnectionProfile) StartupOptions() pgstartup.Options {
	return pgstartup.Options{
		ApplicationName: p.ApplicationName,
		Username:        p.Username,
		Database:        p.Database,
	}
}

// MechanismSelector wraps next with the profile's AllowedMechanisms
// restriction.
func (p *ConnectionProfile) MechanismSelector(next auth.Selector) auth.Selector {
	return auth.SelectorFunc(func(challenge pgproto3.AuthenticationResponseMessage) (auth.Handler, error) {
		if mechanism := auth.ChallengeMechanism(challenge); !p.SupportsMechanism(mechanism) {
			return nil, fmt.Errorf("%w: %s", auth.ErrMechanismNotAllowed, mechanism)
		}
		return next.Select(challenge)
	})
}

type profilesFile struct {
	Profiles []*ConnectionProfile `yaml:"profiles"`
}

// ProfileStore is a reloadable YAML-backed set of connection profiles.
type ProfileStore struct {
	path string

	mu       sync.RWMutex
	profiles map[string]*ConnectionProfile
}

// NewProfileStore loads the profiles file at path.
func NewProfileStore(path string) (*ProfileStore, error) {
	store := &ProfileStore{path: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *ProfileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading profiles file: %w", err)
	}

	var parsed profilesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parsing profiles file: %w", err)
	}

	profiles := make(map[string]*ConnectionProfile, len(parsed.Profiles))
	for _, profile := range parsed.Profiles {
		if profile.Name == "" {
			return fmt.Errorf("profile without a name in %s", s.path)
		}
		profiles[profile.Name] = profile
	}

	s.mu.Lock()
	s.profiles = profiles
	s.mu.Unlock()
	return nil
}

// Lookup returns the profile registered under name.
func (s *ProfileStore) Lookup(name string) (*ConnectionProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	return profile, nil
}

// Names returns the defined profile names, sorted.
func (s *ProfileStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reload re-reads the backing file, replacing all profiles.
func (s *ProfileStore) Reload() error {
	return s.load()
}
