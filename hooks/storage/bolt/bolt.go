// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, werbenhu

// Package bolt journals sessions, subscription entries and $SYS snapshots to a boltdb file.
package bolt

import (
	"bytes"
	"errors"
	"time"

	"go.etcd.io/bbolt"

	mqtt "github.com/tinybroker/server"
	"github.com/tinybroker/server/hooks/storage"
	"github.com/tinybroker/server/packets"
	"github.com/tinybroker/server/system"
)

var (
	ErrKeyNotFound = errors.New("key not found")
)

const (
	// defaultDbFile is the default file path for the boltdb file.
	defaultDbFile = ".bolt"

	// defaultTimeout is the default time to hold a connection to the file.
	defaultTimeout = 250 * time.Millisecond

	defaultBucket = "tinybroker"
)

// Options contains configuration settings for the bolt instance.
type Options struct {
	Options *bbolt.Options `yaml:"-" json:"-"`
	Bucket  string         `yaml:"bucket" json:"bucket"`
	Path    string         `yaml:"path" json:"path"`
}

// Hook is a journal storage hook using a boltdb file store as a backend.
type Hook struct {
	mqtt.HookBase
	config *Options  // options for configuring the boltdb instance.
	db     *bbolt.DB // the boltdb instance.
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "bolt-db"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
		mqtt.OnSessionReleased,
		mqtt.OnSysInfoTick,
		mqtt.StoredSessions,
		mqtt.StoredSubscriptions,
		mqtt.StoredSysInfo,
	}, []byte{b})
}

// Init initializes and connects to the boltdb instance.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Options == nil {
		h.config.Options = &bbolt.Options{
			Timeout: defaultTimeout,
		}
	}

	if len(h.config.Path) == 0 {
		h.config.Path = defaultDbFile
	}

	if len(h.config.Bucket) == 0 {
		h.config.Bucket = defaultBucket
	}

	var err error
	h.db, err = bbolt.Open(h.config.Path, 0600, h.config.Options)
	if err != nil {
		return err
	}

	return h.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(h.config.Bucket))
		return err
	})
}

// Stop closes the boltdb instance.
func (h *Hook) Stop() error {
	if h.db == nil {
		return nil
	}

	err := h.db.Close()
	h.db = nil
	return err
}

// OnSessionEstablished journals a session when it has been promoted.
func (h *Hook) OnSessionEstablished(s *mqtt.Session, _ packets.Packet) {
	h.updateSession(s)
}

// OnDisconnect records the release time and cause of a session.
func (h *Hook) OnDisconnect(s *mqtt.Session, _ error) {
	h.updateSession(s)
}

// updateSession writes the session record to the store.
func (h *Hook) updateSession(s *mqtt.Session) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := s.Record()
	_ = h.setKv(in.ID, &in)
}

// OnSubscribed adds one record per new subscription entry.
func (h *Hook) OnSubscribed(_ *mqtt.Session, _ packets.Packet, added []mqtt.Subscription) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	for _, sub := range added {
		in := sub.Record()
		_ = h.setKv(in.ID, &in)
	}
}

// OnUnsubscribed deletes the records of entries removed by an unsubscribe.
func (h *Hook) OnUnsubscribed(_ *mqtt.Session, _ packets.Packet, removed []mqtt.Subscription) {
	h.deleteSubscriptions(removed)
}

// OnSessionReleased deletes the records of entries owned by a released session.
func (h *Hook) OnSessionReleased(_ *mqtt.Session, removed []mqtt.Subscription) {
	h.deleteSubscriptions(removed)
}

// deleteSubscriptions removes subscription entry records from the store.
func (h *Hook) deleteSubscriptions(removed []mqtt.Subscription) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	for _, sub := range removed {
		_ = h.delKv(storage.SubscriptionRecordKey(sub.ID))
	}
}

// OnSysInfoTick stores the latest system info in the store.
func (h *Hook) OnSysInfoTick(sys *system.Info) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := &storage.SystemInfo{
		ID:   storage.SysInfoKey,
		T:    storage.SysInfoKey,
		Info: *sys.Clone(),
	}

	_ = h.setKv(in.ID, in)
}

// StoredSessions returns all journalled sessions from the store.
func (h *Hook) StoredSessions() (v []storage.Session, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return v, storage.ErrDBFileNotOpen
	}

	err = h.iterKv(storage.SessionKey, func(value []byte) error {
		obj := storage.Session{}
		err := obj.UnmarshalBinary(value)
		if err == nil {
			v = append(v, obj)
		}
		return err
	})
	return
}

// StoredSubscriptions returns all journalled subscription entries from the store.
func (h *Hook) StoredSubscriptions() (v []storage.Subscription, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return v, storage.ErrDBFileNotOpen
	}

	v = make([]storage.Subscription, 0)
	err = h.iterKv(storage.SubscriptionKey, func(value []byte) error {
		obj := storage.Subscription{}
		err := obj.UnmarshalBinary(value)
		if err == nil {
			v = append(v, obj)
		}
		return err
	})
	return
}

// StoredSysInfo returns the system info from the store.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return v, storage.ErrDBFileNotOpen
	}

	err = h.getKv(storage.SysInfoKey, &v)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return
	}

	return v, nil
}

// setKv stores a key-value pair in the database.
func (h *Hook) setKv(k string, v storage.Serializable) error {
	err := h.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(h.config.Bucket))
		data, err := v.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(k), data)
	})
	if err != nil {
		h.Log.Error("failed to upsert data", "error", err, "key", k)
	}
	return err
}

// delKv deletes a key-value pair from the database.
func (h *Hook) delKv(k string) error {
	err := h.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(h.config.Bucket)).Delete([]byte(k))
	})
	if err != nil {
		h.Log.Error("failed to delete data", "error", err, "key", k)
	}
	return err
}

// getKv retrieves the value associated with a key from the database.
func (h *Hook) getKv(k string, v storage.Serializable) error {
	err := h.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket([]byte(h.config.Bucket)).Get([]byte(k))
		if value == nil {
			return ErrKeyNotFound
		}

		return v.UnmarshalBinary(value)
	})
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		h.Log.Error("failed to get data", "error", err, "key", k)
	}
	return err
}

// iterKv iterates over key-value pairs with keys having the specified prefix in the database.
func (h *Hook) iterKv(prefix string, visit func([]byte) error) error {
	p := []byte(prefix + "_")
	err := h.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(h.config.Bucket)).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := visit(v); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		h.Log.Error("failed to iter data", "error", err, "prefix", prefix)
	}
	return err
}
