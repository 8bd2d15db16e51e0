// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, gsagula, werbenhu

// Package badger journals sessions, subscription entries and $SYS snapshots to a badger store.
package badger

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	mqtt "github.com/tinybroker/server"
	"github.com/tinybroker/server/hooks/storage"
	"github.com/tinybroker/server/packets"
	"github.com/tinybroker/server/system"
)

const (
	// defaultDbFile is the default file path for the badger db file.
	defaultDbFile         = ".badger"
	defaultGcInterval     = 5 * 60 // gc interval in seconds
	defaultGcDiscardRatio = 0.5
)

// Options contains configuration settings for the BadgerDB instance.
type Options struct {
	Options *badgerdb.Options `yaml:"-" json:"-"`
	Path    string            `yaml:"path" json:"path"`
	// GcDiscardRatio specifies the ratio of log discard compared to the maximum possible log discard.
	// It must be in the range (0.0, 1.0), both endpoints excluded, otherwise the default of 0.5 is used.
	GcDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio"`
	GcInterval     int64   `yaml:"gc_interval" json:"gc_interval"`
}

// Hook is a journal storage hook using a BadgerDB file store as a backend.
type Hook struct {
	mqtt.HookBase
	config   *Options      // options for configuring the BadgerDB instance.
	gcTicker *time.Ticker  // ticker for BadgerDB garbage collection.
	gcDone   chan struct{} // closed to stop the gc loop.
	db       *badgerdb.DB  // the BadgerDB instance.
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "badger-db"
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

// gcLoop periodically reclaims space in the value log files.
// Refer to: https://dgraph.io/docs/badger/get-started/#garbage-collection
func (h *Hook) gcLoop() {
	for {
		select {
		case <-h.gcDone:
			return
		case <-h.gcTicker.C:
			// a nil error means a file was rewritten and another pass may be worthwhile.
			for h.db.RunValueLogGC(h.config.GcDiscardRatio) == nil {
			}
		}
	}
}

// Init initializes and connects to the badger instance.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		h.config = new(Options)
	} else {
		h.config = config.(*Options)
	}

	if len(h.config.Path) == 0 {
		h.config.Path = defaultDbFile
	}

	if h.config.GcInterval == 0 {
		h.config.GcInterval = defaultGcInterval
	}

	if h.config.GcDiscardRatio <= 0.0 || h.config.GcDiscardRatio >= 1.0 {
		h.config.GcDiscardRatio = defaultGcDiscardRatio
	}

	if h.config.Options == nil {
		defaultOpts := badgerdb.DefaultOptions(h.config.Path)
		h.config.Options = &defaultOpts
	}
	h.config.Options.Logger = h

	var err error
	h.db, err = badgerdb.Open(*h.config.Options)
	if err != nil {
		return err
	}

	h.gcDone = make(chan struct{})
	h.gcTicker = time.NewTicker(time.Duration(h.config.GcInterval) * time.Second)
	go h.gcLoop()

	return nil
}

// Stop closes the badger instance.
func (h *Hook) Stop() error {
	if h.db == nil {
		return nil
	}

	if h.gcTicker != nil {
		h.gcTicker.Stop()
		close(h.gcDone)
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
	if err != nil && !errors.Is(err, badgerdb.ErrKeyNotFound) {
		return
	}

	return v, nil
}

// Errorf satisfies the badger interface for an error logger.
func (h *Hook) Errorf(m string, v ...any) {
	h.Log.Error(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...))
}

// Warningf satisfies the badger interface for a warning logger.
func (h *Hook) Warningf(m string, v ...any) {
	h.Log.Warn(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...))
}

// Infof satisfies the badger interface for an info logger.
func (h *Hook) Infof(m string, v ...any) {
	h.Log.Info(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...))
}

// Debugf satisfies the badger interface for a debug logger.
func (h *Hook) Debugf(m string, v ...any) {
	h.Log.Debug(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...))
}

// setKv stores a key-value pair in the database.
func (h *Hook) setKv(k string, v storage.Serializable) error {
	err := h.db.Update(func(txn *badgerdb.Txn) error {
		data, err := v.MarshalBinary()
		if err != nil {
			return err
		}
		return txn.Set([]byte(k), data)
	})
	if err != nil {
		h.Log.Error("failed to upsert data", "error", err, "key", k)
	}
	return err
}

// delKv deletes a key-value pair from the database.
func (h *Hook) delKv(k string) error {
	err := h.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(k))
	})
	if err != nil {
		h.Log.Error("failed to delete data", "error", err, "key", k)
	}
	return err
}

// getKv retrieves the value associated with a key from the database.
func (h *Hook) getKv(k string, v storage.Serializable) error {
	return h.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(k))
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return v.UnmarshalBinary(value)
	})
}

// iterKv iterates over key-value pairs with keys having the specified prefix in the database.
func (h *Hook) iterKv(prefix string, visit func([]byte) error) error {
	p := []byte(prefix + "_")
	err := h.db.View(func(txn *badgerdb.Txn) error {
		iterator := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer iterator.Close()

		for iterator.Seek(p); iterator.ValidForPrefix(p); iterator.Next() {
			value, err := iterator.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			if err := visit(value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		h.Log.Error("failed to find data", "error", err, "prefix", prefix)
	}
	return err
}
