// Package store persists timetables and reminder snapshots in a key/value
// document store with last-write-wins semantics.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"classcal/internal/config"
	appLog "classcal/internal/log"
	"classcal/internal/model"
	"classcal/internal/reminder"
)

// ErrNotFound is returned by a Backend for a key that was never written.
var ErrNotFound = errors.New("store: not found")

// Backend is a byte-level key/value store.
type Backend interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// Store maps owners' documents onto a Backend. It also keeps an index of
// every owner that ever saved a timetable, since backends cannot list keys.
type Store struct {
	b Backend

	// indexMu serializes read-modify-write of the owner index.
	indexMu sync.Mutex
}

func New(b Backend) *Store {
	return &Store{b: b}
}

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Driver {
	case "", "file":
		b, err = NewFileBackend(cfg.Path)
	case "sqlite":
		b, err = NewSQLiteBackend(ctx, cfg.Path)
	case "redis":
		b, err = NewRedisBackend(ctx, RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	appLog.Info("store opened", "driver", cfg.Driver)
	return New(b), nil
}

const ownersKey = "index/owners"

func timetableKey(owner string) string { return "timetable/" + owner }
func remindersKey(owner string) string { return "reminders/" + owner }

// SaveTimetable replaces the owner's timetable and records the owner in the
// index.
func (s *Store) SaveTimetable(ctx context.Context, owner string, tt *model.Timetable) error {
	if err := s.put(ctx, timetableKey(owner), tt); err != nil {
		return err
	}
	return s.addOwner(ctx, owner)
}

// Owners lists, sorted, the owners that have saved a timetable.
func (s *Store) Owners(ctx context.Context) ([]string, error) {
	var owners []string
	if _, err := s.get(ctx, ownersKey, &owners); err != nil {
		return nil, err
	}
	return owners, nil
}

func (s *Store) addOwner(ctx context.Context, owner string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	owners, err := s.Owners(ctx)
	if err != nil {
		return err
	}
	i, found := slices.BinarySearch(owners, owner)
	if found {
		return nil
	}
	return s.put(ctx, ownersKey, slices.Insert(owners, i, owner))
}

// LoadTimetable returns the owner's timetable, or nil when there is none.
func (s *Store) LoadTimetable(ctx context.Context, owner string) (*model.Timetable, error) {
	var tt model.Timetable
	ok, err := s.get(ctx, timetableKey(owner), &tt)
	if err != nil || !ok {
		return nil, err
	}
	return &tt, nil
}

// SaveReminders caches the last schedule result for display. It is never
// read back as the source of truth for scheduling.
func (s *Store) SaveReminders(ctx context.Context, owner string, res *reminder.ScheduleResult) error {
	return s.put(ctx, remindersKey(owner), res)
}

// LoadReminders returns the cached schedule result, or nil.
func (s *Store) LoadReminders(ctx context.Context, owner string) (*reminder.ScheduleResult, error) {
	var res reminder.ScheduleResult
	ok, err := s.get(ctx, remindersKey(owner), &res)
	if err != nil || !ok {
		return nil, err
	}
	return &res, nil
}

func (s *Store) Close() error {
	return s.b.Close()
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	if err := s.b.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.b.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}
