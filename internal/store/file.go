package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adamsuskin/grocery-sub002/internal/conflict"
	"github.com/adamsuskin/grocery-sub002/internal/mutation"
)

// document is the versioned persisted layout of the file backend.
type document struct {
	Version     int                  `json:"version"`
	Mutations   []*mutation.Mutation `json:"mutations"`
	Resolutions []*conflict.Record   `json:"resolutions,omitempty"`
	Tombstones  map[string]time.Time `json:"tombstones,omitempty"`
}

// File is a Store backed by a single JSON document on disk. Writes go
// through a temp file and rename so a crash mid-save never corrupts the
// queue.
type File struct {
	mu   sync.Mutex
	path string
	opts Options
}

// OpenFile creates a file-backed store at path. The parent directory is
// created if needed; a missing file means an empty queue.
func OpenFile(path string, opts Options) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &File{path: path, opts: opts.withDefaults()}, nil
}

func (s *File) read() (*document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &document{Version: SchemaVersion, Tombstones: map[string]time.Time{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue document: %w", err)
	}

	doc, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}
	if doc.Tombstones == nil {
		doc.Tombstones = map[string]time.Time{}
	}
	return doc, nil
}

// decodeDocument parses a queue document, migrating older layouts to the
// current version before returning.
func decodeDocument(data []byte) (*document, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse queue document: %w", err)
	}

	switch probe.Version {
	case SchemaVersion:
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse queue document: %w", err)
		}
		return &doc, nil
	case 1:
		return migrateV1(data)
	default:
		return nil, fmt.Errorf("unsupported queue document version %d", probe.Version)
	}
}

// migrateV1 upgrades the original layout: the retry counter was persisted
// as "retries" and there was no next_attempt_at, resolutions or tombstones.
func migrateV1(data []byte) (*document, error) {
	var old struct {
		Version   int `json:"version"`
		Mutations []struct {
			mutation.Mutation
			Retries int `json:"retries"`
		} `json:"mutations"`
	}
	if err := json.Unmarshal(data, &old); err != nil {
		return nil, fmt.Errorf("failed to parse v1 queue document: %w", err)
	}

	doc := &document{
		Version:    SchemaVersion,
		Tombstones: map[string]time.Time{},
	}
	for i := range old.Mutations {
		m := old.Mutations[i].Mutation
		if m.RetryCount == 0 {
			m.RetryCount = old.Mutations[i].Retries
		}
		doc.Mutations = append(doc.Mutations, &m)
	}
	return doc, nil
}

func (s *File) write(doc *document) error {
	doc.Version = SchemaVersion
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal queue document: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write queue document: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to commit queue document: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *File) Load(ctx context.Context) ([]*mutation.Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.Mutations, nil
}

// Save implements Store.
func (s *File) Save(ctx context.Context, muts []*mutation.Mutation) (*SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}

	kept, recs, res := reclaim(muts, doc.Resolutions, s.opts, time.Now())
	doc.Mutations = kept
	doc.Resolutions = recs

	cutoff := time.Now().Add(-s.opts.Retention)
	for id, at := range doc.Tombstones {
		if at.Before(cutoff) {
			delete(doc.Tombstones, id)
		}
	}

	if err := s.write(doc); err != nil {
		return nil, err
	}
	return &res, nil
}

// AppendResolution implements Store.
func (s *File) AppendResolution(ctx context.Context, rec *conflict.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Resolutions = append(doc.Resolutions, rec)
	return s.write(doc)
}

// Resolutions implements Store.
func (s *File) Resolutions(ctx context.Context) ([]*conflict.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.Resolutions, nil
}

// RecordTombstone implements Store.
func (s *File) RecordTombstone(ctx context.Context, entityID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Tombstones[entityID] = at
	return s.write(doc)
}

// HasTombstone implements Store.
func (s *File) HasTombstone(ctx context.Context, entityID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return false, err
	}
	at, ok := doc.Tombstones[entityID]
	if !ok {
		return false, nil
	}
	return time.Since(at) <= s.opts.Retention, nil
}

// Close implements Store.
func (s *File) Close() error {
	return nil
}
