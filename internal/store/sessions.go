package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	dirPrefix = "account-"
	credsFile = "creds.json"
	metaFile  = "meta.json"

	// DatabaseFile is the provider credential database inside an account directory.
	DatabaseFile = "session.db"
	// HistoryFile is the shared device history snapshot under the sessions root.
	HistoryFile = "device-history.json"
)

// Credentials is the marker written whenever the provider reports updated
// credentials. Its presence means the account completed a login at least once.
type Credentials struct {
	JID        string    `json:"jid,omitempty"`
	PushName   string    `json:"pushName,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	Registered bool      `json:"registered"`
	SavedAt    time.Time `json:"savedAt"`
}

// AccountMeta is the creation-time sidecar used to restore an account.
type AccountMeta struct {
	AccountID      string    `json:"accountId"`
	PhoneNumber    string    `json:"phoneNumber,omitempty"`
	WebhookURL     string    `json:"webhookUrl,omitempty"`
	UsePairingCode bool      `json:"usePairingCode"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SessionDir describes one account directory on disk.
type SessionDir struct {
	AccountID string
	Path      string
	ModTime   time.Time
	HasCreds  bool
}

// Sessions is the file-backed credential directory store rooted at one directory.
type Sessions struct {
	root string
}

func NewSessions(root string) (*Sessions, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions root: %w", err)
	}
	return &Sessions{root: root}, nil
}

func (s *Sessions) Root() string { return s.root }

// Dir returns <root>/account-<id>.
func (s *Sessions) Dir(accountID string) string {
	return filepath.Join(s.root, dirPrefix+accountID)
}

// Prepare creates the account directory if needed and returns its path.
func (s *Sessions) Prepare(accountID string) (string, error) {
	dir := s.Dir(accountID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return dir, nil
}

func (s *Sessions) SaveCreds(accountID string, c Credentials) error {
	if c.SavedAt.IsZero() {
		c.SavedAt = time.Now()
	}
	return writeJSONAtomic(filepath.Join(s.Dir(accountID), credsFile), c)
}

// LoadCreds returns an error wrapping fs.ErrNotExist when the marker is absent.
func (s *Sessions) LoadCreds(accountID string) (*Credentials, error) {
	var c Credentials
	if err := readJSON(filepath.Join(s.Dir(accountID), credsFile), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Sessions) SaveMeta(accountID string, m AccountMeta) error {
	return writeJSONAtomic(filepath.Join(s.Dir(accountID), metaFile), m)
}

func (s *Sessions) LoadMeta(accountID string) (*AccountMeta, error) {
	var m AccountMeta
	if err := readJSON(filepath.Join(s.Dir(accountID), metaFile), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Remove deletes the account directory. A failed first attempt is retried once
// after making every entry writable.
func (s *Sessions) Remove(accountID string) error {
	dir := s.Dir(accountID)
	err := os.RemoveAll(dir)
	if err == nil {
		return nil
	}

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		mode := os.FileMode(0o600)
		if d.IsDir() {
			mode = 0o700
		}
		_ = os.Chmod(path, mode)
		return nil
	})
	if retryErr := os.RemoveAll(dir); retryErr != nil {
		return fmt.Errorf("remove session dir %s: %w", dir, errors.Join(err, retryErr))
	}
	return nil
}

// List returns every account directory under the root. ModTime is the newest
// modification time of the directory or any file directly inside it.
func (s *Sessions) List() ([]SessionDir, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions root: %w", err)
	}

	var out []SessionDir
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		id := strings.TrimPrefix(entry.Name(), dirPrefix)
		if id == "" {
			continue
		}
		path := filepath.Join(s.root, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}

		sd := SessionDir{AccountID: id, Path: path, ModTime: info.ModTime()}
		children, _ := os.ReadDir(path)
		for _, child := range children {
			ci, err := child.Info()
			if err != nil {
				continue
			}
			if ci.ModTime().After(sd.ModTime) {
				sd.ModTime = ci.ModTime()
			}
			if child.Name() == credsFile && !child.IsDir() {
				sd.HasCreds = true
			}
		}
		out = append(out, sd)
	}
	return out, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
