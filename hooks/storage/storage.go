// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package storage defines the journal records written by the storage hooks.
// The journal is observational: it is never read back into live broker state.
package storage

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/tinybroker/server/system"
)

const (
	SessionKey      = "SESS" // unique key to denote Sessions in a store
	SubscriptionKey = "SUB"  // unique key to denote Subscriptions in a store
	SysInfoKey      = "SYS"  // unique key to denote server system information in a store
)

var (
	// ErrDBFileNotOpen indicates that the file database (e.g. bolt/badger) wasn't open for reading.
	ErrDBFileNotOpen = errors.New("db file not open")
)

// Serializable is an interface for objects that can be serialized and deserialized.
type Serializable interface {
	UnmarshalBinary([]byte) error
	MarshalBinary() (data []byte, err error)
}

// SessionRecordKey returns the primary key of a session record.
func SessionRecordKey(clientID string) string {
	return SessionKey + "_" + clientID
}

// SubscriptionRecordKey returns the primary key of a subscription entry record.
func SubscriptionRecordKey(entryID uint64) string {
	return SubscriptionKey + "_" + strconv.FormatUint(entryID, 10)
}

// Session is a storable record of a session's connection.
type Session struct {
	ID              string `json:"id" storm:"id"`          // the storage key
	T               string `json:"t"`                      // the data type (session)
	Client          string `json:"client"`                 // the client id
	Handle          string `json:"handle"`                 // the unique connection handle
	Remote          string `json:"remote"`                 // the remote address of the client
	Listener        string `json:"listener"`               // the listener the session was accepted on
	Username        []byte `json:"username,omitempty"`     // the username of the client
	Cause           string `json:"cause,omitempty"`        // why the session was closed
	Connected       int64  `json:"connected"`              // unix time the session was promoted
	Disconnected    int64  `json:"disconnected,omitempty"` // unix time the session was released
	Keepalive       uint16 `json:"keepalive"`              // the keepalive requested by the client
	ProtocolVersion byte   `json:"protocolVersion"`        // mqtt protocol version of the client
	Clean           bool   `json:"clean"`                  // if the client requested a clean session
}

// MarshalBinary encodes the values into a json string.
func (d Session) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Session) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Subscription is a storable record of a single subscription entry.
type Subscription struct {
	ID     string `json:"id" storm:"id"`    // the storage key
	T      string `json:"t"`                // the data type (subscription)
	Client string `json:"client"`           // the client id of the owning session
	Handle string `json:"handle,omitempty"` // the connection handle of the owning session
	Topic  string `json:"topic"`            // the exact topic
	Entry  uint64 `json:"entry"`            // the registry entry id
	Qos    byte   `json:"qos"`              // the granted qos
}

// MarshalBinary encodes the values into a json string.
func (d Subscription) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Subscription) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// SystemInfo is a storable representation of the system information values.
type SystemInfo struct {
	system.Info        // embed the system info struct
	T           string `json:"t"`             // the data type
	ID          string `json:"id" storm:"id"` // the storage key
}

// MarshalBinary encodes the values into a json string.
func (d SystemInfo) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *SystemInfo) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}
