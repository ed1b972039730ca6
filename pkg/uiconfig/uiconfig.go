// Package uiconfig persists the optional UI collaborator's saved service
// and client records as two JSON files, insertion order preserved by a
// created_at timestamp. The broker and agents never read these files; this
// package exists purely for the external UI bridge to load/save through.
package uiconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Protocol names a forwarded service's transport.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// Record is one saved service or client entry.
type Record struct {
	ServiceKey       string   `json:"service_key"`
	LocalAddress     string   `json:"local_address"`
	Protocol         Protocol `json:"protocol"`
	EnableEncryption bool     `json:"enable_encryption,omitempty"`
	EnableKeepAlive  bool     `json:"enable_keep_alive"`
	CreatedAt        int64    `json:"created_at"`
}

// Store is a flat, insertion-ordered list of Records backed by one JSON
// file on disk (either services.json or clients.json).
type Store struct {
	path    string
	records []Record
}

// Load reads path, returning an empty Store if the file does not yet exist.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("uiconfig: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &s.records); err != nil {
		return nil, fmt.Errorf("uiconfig: parse %s: %w", path, err)
	}
	s.sortByCreatedAt()
	return s, nil
}

// Records returns the current records, oldest first.
func (s *Store) Records() []Record {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Add appends rec and rewrites the backing file.
func (s *Store) Add(rec Record) error {
	s.records = append(s.records, rec)
	s.sortByCreatedAt()
	return s.save()
}

// Remove deletes every record matching key and rewrites the backing file.
func (s *Store) Remove(serviceKey string) error {
	out := s.records[:0]
	for _, r := range s.records {
		if r.ServiceKey != serviceKey {
			out = append(out, r)
		}
	}
	s.records = out
	return s.save()
}

func (s *Store) sortByCreatedAt() {
	sort.SliceStable(s.records, func(i, j int) bool {
		return s.records[i].CreatedAt < s.records[j].CreatedAt
	})
}

func (s *Store) save() error {
	b, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("uiconfig: marshal %s: %w", s.path, err)
	}
	if err := os.WriteFile(s.path, b, 0o644); err != nil {
		return fmt.Errorf("uiconfig: write %s: %w", s.path, err)
	}
	return nil
}
