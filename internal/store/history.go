package store

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MaxHistoryEntries bounds device-history.json.
const MaxHistoryEntries = 100

// HistoryEntry records one phone number / account association.
// DeviceID is the user JID without the device suffix.
type HistoryEntry struct {
	DeviceID        string    `json:"deviceId,omitempty"`
	AccountID       string    `json:"accountId"`
	PhoneNumber     string    `json:"phoneNumber,omitempty"`
	UserName        string    `json:"userName,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	FirstConnected  time.Time `json:"firstConnected"`
	LastConnected   time.Time `json:"lastConnected"`
	ConnectionCount int       `json:"connectionCount"`
}

// History is the capped device history snapshot file. Every write rewrites the
// whole file.
type History struct {
	path string
	max  int

	mu      sync.Mutex
	entries []HistoryEntry
}

// OpenHistory loads path if it exists. An unreadable file is logged and replaced
// on the next write.
func OpenHistory(path string, max int) *History {
	if max <= 0 {
		max = MaxHistoryEntries
	}
	h := &History{path: path, max: max}

	var entries []HistoryEntry
	err := readJSON(path, &entries)
	switch {
	case err == nil:
		h.entries = entries
	case errors.Is(err, fs.ErrNotExist):
	default:
		zap.L().Warn("store: device history unreadable, starting empty", zap.String("path", path), zap.Error(err))
	}
	return h
}

// Record increments the entry matching in (by device id, else by phone and
// account) or appends a new one, then persists the capped snapshot.
func (h *History) Record(in HistoryEntry) (HistoryEntry, error) {
	if in.LastConnected.IsZero() {
		in.LastConnected = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.find(in)
	var out HistoryEntry
	if idx >= 0 {
		e := &h.entries[idx]
		e.AccountID = in.AccountID
		if in.PhoneNumber != "" {
			e.PhoneNumber = in.PhoneNumber
		}
		if in.UserName != "" {
			e.UserName = in.UserName
		}
		if in.Platform != "" {
			e.Platform = in.Platform
		}
		if in.DeviceID != "" {
			e.DeviceID = in.DeviceID
		}
		e.LastConnected = in.LastConnected
		e.ConnectionCount++
		out = *e
	} else {
		in.FirstConnected = in.LastConnected
		in.ConnectionCount = 1
		h.entries = append(h.entries, in)
		out = in
	}

	if len(h.entries) > h.max {
		sortByLastConnected(h.entries)
		h.entries = h.entries[:h.max]
	}

	if err := writeJSONAtomic(h.path, h.entries); err != nil {
		return out, fmt.Errorf("persist device history: %w", err)
	}
	return out, nil
}

func (h *History) find(in HistoryEntry) int {
	for i, e := range h.entries {
		if in.DeviceID != "" {
			if e.DeviceID == in.DeviceID {
				return i
			}
			continue
		}
		if e.PhoneNumber == in.PhoneNumber && e.AccountID == in.AccountID {
			return i
		}
	}
	return -1
}

// All returns every entry, most recently connected first.
func (h *History) All() []HistoryEntry {
	h.mu.Lock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	h.mu.Unlock()

	sortByLastConnected(out)
	return out
}

// ForAccount returns the entries of one account, most recent first.
func (h *History) ForAccount(accountID string) []HistoryEntry {
	var out []HistoryEntry
	for _, e := range h.All() {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out
}

// Latest returns the most recent entry for an account.
func (h *History) Latest(accountID string) (HistoryEntry, bool) {
	entries := h.ForAccount(accountID)
	if len(entries) == 0 {
		return HistoryEntry{}, false
	}
	return entries[0], true
}

func sortByLastConnected(entries []HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastConnected.After(entries[j].LastConnected)
	})
}
