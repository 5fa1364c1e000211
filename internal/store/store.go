// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

// Package store is the durable client-side key/value layer backed by
// BadgerDB. It holds the authentication token read at connection time
// and the cached media read-views that terminal upload transitions
// invalidate.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Key prefixes for BadgerDB storage.
const (
	tokenKey           = "auth:token"
	mediaViewKeyPrefix = "mediaview:"
)

// Sentinel errors.
var (
	ErrTokenNotFound = errors.New("auth token not found")
	ErrViewNotFound  = errors.New("media view not found")
)

// MediaView is a cached read-view of one media item within an event,
// kept so UI surfaces can render without refetching. Invalidated when
// the item's upload reaches a terminal stage.
type MediaView struct {
	EventID   string    `json:"eventId"`
	MediaID   string    `json:"mediaId"`
	Stage     string    `json:"stage"`
	ThumbURL  string    `json:"thumbUrl,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is a BadgerDB-backed local store.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Token returns the persisted authentication token.
func (s *Store) Token() (string, error) {
	var token string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tokenKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrTokenNotFound
		}
		if err != nil {
			return fmt.Errorf("get token: %w", err)
		}
		return item.Value(func(val []byte) error {
			token = string(val)
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// SetToken persists the authentication token.
func (s *Store) SetToken(token string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(tokenKey), []byte(token))
	})
}

// ClearToken removes the persisted authentication token.
func (s *Store) ClearToken() error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(tokenKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// viewKey builds the composite key for a media view.
func viewKey(eventID, mediaID string) []byte {
	return []byte(mediaViewKeyPrefix + eventID + ":" + mediaID)
}

// PutMediaView caches a media read-view.
func (s *Store) PutMediaView(view MediaView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal media view: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(viewKey(view.EventID, view.MediaID), data)
	})
}

// GetMediaView returns a cached media read-view.
func (s *Store) GetMediaView(eventID, mediaID string) (*MediaView, error) {
	var view MediaView
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(viewKey(eventID, mediaID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrViewNotFound
		}
		if err != nil {
			return fmt.Errorf("get media view: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &view)
		})
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// InvalidateEvent drops every cached read-view for the given event so
// subsequent reads reflect the new server-side state.
func (s *Store) InvalidateEvent(eventID string) error {
	prefix := []byte(mediaViewKeyPrefix + eventID + ":")
	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete media view: %w", err)
			}
		}
		return nil
	})
}
