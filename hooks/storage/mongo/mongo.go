// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mongo journals sessions, subscription entries and $SYS snapshots to a MongoDB collection.
package mongo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	mqtt "github.com/tinybroker/server"
	"github.com/tinybroker/server/hooks/storage"
	"github.com/tinybroker/server/packets"
	"github.com/tinybroker/server/system"
)

const (
	defaultURI        = "mongodb://localhost:27017"
	defaultDatabase   = "tinybroker"
	defaultCollection = "journal"
	defaultTimeout    = 5 * time.Second
)

// Options contains configuration settings for the MongoDB client.
type Options struct {
	URI        string        `yaml:"uri" json:"uri"`
	Database   string        `yaml:"database" json:"database"`
	Collection string        `yaml:"collection" json:"collection"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// document is the stored form of a journal record. The record itself is kept
// in its serialized form so every backend shares one encoding.
type document struct {
	ID   string `bson:"_id"`
	T    string `bson:"t"`
	Data []byte `bson:"data"`
}

// Hook is a journal storage hook using MongoDB as a backend.
type Hook struct {
	mqtt.HookBase
	config *Options          // options for connecting to the MongoDB instance.
	client *mongo.Client     // the MongoDB client
	coll   *mongo.Collection // the journal collection
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "mongo-db"
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

// Init connects to the MongoDB deployment and verifies it with a ping.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.URI == "" {
		h.config.URI = defaultURI
	}

	if h.config.Database == "" {
		h.config.Database = defaultDatabase
	}

	if h.config.Collection == "" {
		h.config.Collection = defaultCollection
	}

	if h.config.Timeout <= 0 {
		h.config.Timeout = defaultTimeout
	}

	h.Log.Info("connecting to mongo service", "database", h.config.Database, "collection", h.config.Collection)

	opts := options.Client().
		ApplyURI(h.config.URI).
		SetAppName("tinybroker").
		SetConnectTimeout(h.config.Timeout).
		SetServerSelectionTimeout(h.config.Timeout).
		SetPoolMonitor(&event.PoolMonitor{
			Event: func(evt *event.PoolEvent) {
				switch evt.Type {
				case event.ConnectionCreated, event.ConnectionClosed:
					h.Log.Debug("mongo pool event", "type", evt.Type, "address", evt.Address)
				}
			},
		})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to connect to service: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return fmt.Errorf("failed to ping service: %w", err)
	}

	h.client = client
	h.coll = client.Database(h.config.Database).Collection(h.config.Collection)

	_, err = h.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "t", Value: 1}},
		Options: options.Index().SetName("journal_type"),
	})
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	h.Log.Info("connected to mongo service")

	return nil
}

// Stop disconnects from the MongoDB deployment.
func (h *Hook) Stop() error {
	if h.client == nil {
		return nil
	}

	h.Log.Info("disconnecting from mongo service")
	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	err := h.client.Disconnect(ctx)
	h.client = nil
	h.coll = nil
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

func (h *Hook) updateSession(s *mqtt.Session) {
	if h.coll == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := s.Record()
	_ = h.setKv(in.ID, in.T, &in)
}

// OnSubscribed adds one record per new subscription entry.
func (h *Hook) OnSubscribed(_ *mqtt.Session, _ packets.Packet, added []mqtt.Subscription) {
	if h.coll == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	for _, sub := range added {
		in := sub.Record()
		_ = h.setKv(in.ID, in.T, &in)
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
	if h.coll == nil {
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

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	_, err := h.coll.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	if err != nil {
		h.Log.Error("failed to delete subscription data", "error", err, "ids", ids)
	}
}

// OnSysInfoTick stores the latest system info in the store.
func (h *Hook) OnSysInfoTick(sys *system.Info) {
	if h.coll == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := &storage.SystemInfo{
		ID:   storage.SysInfoKey,
		T:    storage.SysInfoKey,
		Info: *sys.Clone(),
	}
	_ = h.setKv(in.ID, in.T, in)
}

// StoredSessions returns all journalled sessions, ordered by id.
func (h *Hook) StoredSessions() (v []storage.Session, err error) {
	if h.coll == nil {
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

// StoredSubscriptions returns all journalled subscription entries, in entry order.
func (h *Hook) StoredSubscriptions() (v []storage.Subscription, err error) {
	if h.coll == nil {
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

	sort.Slice(v, func(i, j int) bool {
		return v[i].Entry < v[j].Entry
	})
	return
}

// StoredSysInfo returns the system info from the store.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	if h.coll == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return v, storage.ErrDBFileNotOpen
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	var doc document
	err = h.coll.FindOne(ctx, bson.D{{Key: "_id", Value: storage.SysInfoKey}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return v, nil
	}
	if err != nil {
		return
	}

	err = v.UnmarshalBinary(doc.Data)
	return
}

// setKv upserts a record document.
func (h *Hook) setKv(k, t string, v storage.Serializable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	_, err = h.coll.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: k}},
		document{ID: k, T: t, Data: data},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		h.Log.Error("failed to upsert data", "error", err, "key", k)
	}
	return err
}

// iterKv visits every record of the given type in id order.
func (h *Hook) iterKv(t string, visit func([]byte) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	cur, err := h.coll.Find(ctx, bson.D{{Key: "t", Value: t}}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		h.Log.Error("failed to find data", "error", err, "type", t)
		return err
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return err
		}

		if err := visit(doc.Data); err != nil {
			return err
		}
	}

	return cur.Err()
}
