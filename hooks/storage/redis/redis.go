// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package redis journals sessions, subscription entries and $SYS snapshots to redis hashes.
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	redis "github.com/go-redis/redis/v8"

	mqtt "github.com/tinybroker/server"
	"github.com/tinybroker/server/hooks/storage"
	"github.com/tinybroker/server/packets"
	"github.com/tinybroker/server/system"
)

// defaultAddr is the default address to the redis service.
const defaultAddr = "localhost:6379"

// defaultHPrefix is a prefix to better identify hsets created by the broker.
const defaultHPrefix = "tinybroker-"

// Options contains configuration settings for the redis instance.
// Address, Username, Password and Database are used only when Options is nil.
type Options struct {
	HPrefix  string         `yaml:"h_prefix" json:"h_prefix"`
	Address  string         `yaml:"address" json:"address"`
	Username string         `yaml:"username" json:"username"`
	Password string         `yaml:"password" json:"password"`
	Database int            `yaml:"database" json:"database"`
	Options  *redis.Options `yaml:"-" json:"-"`
}

// Hook is a journal storage hook using Redis as a backend. Each record type
// is kept in its own hash, keyed by the record id.
type Hook struct {
	mqtt.HookBase
	config *Options        // options for connecting to the Redis instance.
	db     *redis.Client   // the Redis instance
	ctx    context.Context // a context for the connection
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "redis-db"
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

// hKey returns a hash set key with a unique prefix.
func (h *Hook) hKey(s string) string {
	return h.config.HPrefix + s
}

// Init initializes and connects to the redis service.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	h.ctx = context.Background()

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Options == nil {
		if h.config.Address == "" {
			h.config.Address = defaultAddr
		}

		h.config.Options = &redis.Options{
			Addr:     h.config.Address,
			Username: h.config.Username,
			Password: h.config.Password,
			DB:       h.config.Database,
		}
	}

	if h.config.HPrefix == "" {
		h.config.HPrefix = defaultHPrefix
	}

	h.Log.Info("connecting to redis service",
		"address", h.config.Options.Addr,
		"username", h.config.Options.Username,
		"password-len", len(h.config.Options.Password),
		"db", h.config.Options.DB)

	h.db = redis.NewClient(h.config.Options)
	_, err := h.db.Ping(h.ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping service: %w", err)
	}

	h.Log.Info("connected to redis service")

	return nil
}

// Stop closes the redis connection.
func (h *Hook) Stop() error {
	if h.db == nil {
		return nil
	}

	h.Log.Info("disconnecting from redis service")
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
	err := h.db.HSet(h.ctx, h.hKey(storage.SessionKey), in.ID, &in).Err()
	if err != nil {
		h.Log.Error("failed to hset session data", "error", err, "data", in)
	}
}

// OnSubscribed adds one record per new subscription entry.
func (h *Hook) OnSubscribed(_ *mqtt.Session, _ packets.Packet, added []mqtt.Subscription) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	for _, sub := range added {
		in := sub.Record()
		err := h.db.HSet(h.ctx, h.hKey(storage.SubscriptionKey), in.ID, &in).Err()
		if err != nil {
			h.Log.Error("failed to hset subscription data", "error", err, "data", in)
		}
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

	if len(removed) == 0 {
		return
	}

	ids := make([]string, len(removed))
	for i, sub := range removed {
		ids[i] = storage.SubscriptionRecordKey(sub.ID)
	}

	err := h.db.HDel(h.ctx, h.hKey(storage.SubscriptionKey), ids...).Err()
	if err != nil {
		h.Log.Error("failed to delete subscription data", "error", err, "ids", ids)
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

	err := h.db.HSet(h.ctx, h.hKey(storage.SysInfoKey), storage.SysInfoKey, in).Err()
	if err != nil {
		h.Log.Error("failed to hset server info data", "error", err, "data", in)
	}
}

// StoredSessions returns all journalled sessions from the store, ordered by id.
func (h *Hook) StoredSessions() (v []storage.Session, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return v, storage.ErrDBFileNotOpen
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(storage.SessionKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		h.Log.Error("failed to HGetAll session data", "error", err)
		return
	}

	for _, row := range rows {
		var d storage.Session
		if err = d.UnmarshalBinary([]byte(row)); err != nil {
			h.Log.Error("failed to unmarshal session data", "error", err, "data", row)
			continue
		}

		v = append(v, d)
	}

	sort.Slice(v, func(i, j int) bool {
		return v[i].ID < v[j].ID
	})

	return v, nil
}

// StoredSubscriptions returns all journalled subscription entries from the store, in entry order.
func (h *Hook) StoredSubscriptions() (v []storage.Subscription, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return v, storage.ErrDBFileNotOpen
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(storage.SubscriptionKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		h.Log.Error("failed to HGetAll subscription data", "error", err)
		return
	}

	v = make([]storage.Subscription, 0, len(rows))
	for _, row := range rows {
		var d storage.Subscription
		if err = d.UnmarshalBinary([]byte(row)); err != nil {
			h.Log.Error("failed to unmarshal subscription data", "error", err, "data", row)
			continue
		}

		v = append(v, d)
	}

	sort.Slice(v, func(i, j int) bool {
		return v[i].Entry < v[j].Entry
	})

	return v, nil
}

// StoredSysInfo returns the system info from the store.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return v, storage.ErrDBFileNotOpen
	}

	row, err := h.db.HGet(h.ctx, h.hKey(storage.SysInfoKey), storage.SysInfoKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return
	}

	if err = v.UnmarshalBinary([]byte(row)); err != nil {
		h.Log.Error("failed to unmarshal sys info data", "error", err, "data", row)
	}

	return v, nil
}
