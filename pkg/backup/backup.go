// Package backup stores timestamped JSON snapshots in a pluggable blob storage.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"
)

const timeLayout = "20060102T150405.000Z"

var ErrInvalidName = errors.New("invalid backup name")

// Storage is a flat namespace of named blobs.
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// Entry is one stored backup.
type Entry struct {
	Name    string    `json:"name"`
	TakenAt time.Time `json:"taken_at"`
}

// Service names, writes, reads and prunes backups under a common prefix.
type Service struct {
	storage Storage
	prefix  string
	now     func() time.Time
}

func NewService(storage Storage, prefix string) *Service {
	if prefix == "" {
		prefix = "backup"
	}
	return &Service{storage: storage, prefix: prefix, now: time.Now}
}

// Create encodes v as JSON and stores it under a name derived from the current time.
func (s *Service) Create(ctx context.Context, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup: %w", err)
	}

	name := s.name(s.now())
	if err := s.storage.Save(ctx, name, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to save backup %s: %w", name, err)
	}
	return name, nil
}

// Load decodes the named backup into v.
func (s *Service) Load(ctx context.Context, name string, v any) error {
	if _, ok := s.parse(name); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r, err := s.storage.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load backup %s: %w", name, err)
	}
	defer r.Close()

	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("failed to decode backup %s: %w", name, err)
	}
	return nil
}

// List returns the stored backups, oldest first. Names that do not follow the naming
// scheme are ignored.
func (s *Service) List(ctx context.Context) ([]Entry, error) {
	names, err := s.storage.List(ctx, s.prefix+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		if taken, ok := s.parse(name); ok {
			entries = append(entries, Entry{Name: name, TakenAt: taken})
		}
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		return a.TakenAt.Compare(b.TakenAt)
	})
	return entries, nil
}

// Latest returns the newest backup.
func (s *Service) Latest(ctx context.Context) (Entry, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("no backups under %q", s.prefix)
	}
	return entries[len(entries)-1], nil
}

// Prune deletes all but the newest keep backups and returns how many were removed.
func (s *Service) Prune(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	entries, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(entries) <= keep {
		return 0, nil
	}

	var errs []error
	removed := 0
	for _, e := range entries[:len(entries)-keep] {
		if err := s.storage.Delete(ctx, e.Name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (s *Service) Delete(ctx context.Context, name string) error {
	if _, ok := s.parse(name); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return s.storage.Delete(ctx, name)
}

func (s *Service) name(t time.Time) string {
	return fmt.Sprintf("%s-%s.json", s.prefix, t.UTC().Format(timeLayout))
}

func (s *Service) parse(name string) (time.Time, bool) {
	stamp, ok := strings.CutPrefix(name, s.prefix+"-")
	if !ok {
		return time.Time{}, false
	}
	stamp, ok = strings.CutSuffix(stamp, ".json")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(timeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
