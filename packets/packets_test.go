// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var connectBody = []byte{
	0, 4, // Protocol Name - MSB+LSB
	'M', 'Q', 'T', 'T', // Protocol Name
	4,     // Protocol Version
	194,   // Packet Flags: username, password, clean session
	0, 30, // Keepalive
	0, 3, // Client ID - MSB+LSB
	'z', 'e', 'n', // Client ID "zen"
	0, 5, // Username MSB+LSB
	'm', 'o', 'c', 'h', 'i',
	0, 4, // Password MSB+LSB
	',', '.', '/', ';',
}

func TestConnectDecode(t *testing.T) {
	pk := Packet{FixedHeader: FixedHeader{Type: Connect}}
	err := pk.ConnectDecode(connectBody)
	require.NoError(t, err)

	require.Equal(t, []byte("MQTT"), pk.ProtocolName)
	require.Equal(t, byte(4), pk.ProtocolVersion)
	require.True(t, pk.CleanSession)
	require.True(t, pk.UsernameFlag)
	require.True(t, pk.PasswordFlag)
	require.False(t, pk.WillFlag)
	require.Equal(t, uint16(30), pk.Keepalive)
	require.Equal(t, "zen", pk.ClientIdentifier)
	require.Equal(t, []byte("mochi"), pk.Username)
	require.Equal(t, []byte(",./;"), pk.Password)
	require.Equal(t, CodeSuccess, pk.ConnectValidate())
}

func TestConnectEncode(t *testing.T) {
	pk := Packet{
		FixedHeader:      FixedHeader{Type: Connect},
		ProtocolName:     []byte("MQTT"),
		ProtocolVersion:  4,
		CleanSession:     true,
		UsernameFlag:     true,
		PasswordFlag:     true,
		Keepalive:        30,
		ClientIdentifier: "zen",
		Username:         []byte("mochi"),
		Password:         []byte(",./;"),
	}

	buf := new(bytes.Buffer)
	require.NoError(t, pk.Encode(buf))
	require.Equal(t, append([]byte{Connect << 4, byte(len(connectBody))}, connectBody...), buf.Bytes())
}

func TestConnectDecodeMalformed(t *testing.T) {
	tt := []struct {
		desc string
		raw  []byte
		err  error
	}{
		{"protocol name", []byte{0, 4, 'M', 'Q'}, ErrMalformedProtocolName},
		{"protocol version", []byte{0, 4, 'M', 'Q', 'T', 'T'}, ErrMalformedProtocolVersion},
		{"flags", []byte{0, 4, 'M', 'Q', 'T', 'T', 4}, ErrMalformedFlags},
		{"keepalive", []byte{0, 4, 'M', 'Q', 'T', 'T', 4, 0, 0}, ErrMalformedKeepalive},
		{"client id", []byte{0, 4, 'M', 'Q', 'T', 'T', 4, 0, 0, 30, 0, 5, 'a'}, ErrMalformedClientID},
		{"username flag no value", []byte{0, 4, 'M', 'Q', 'T', 'T', 4, 128, 0, 30, 0, 1, 'a'}, ErrProtocolViolationFlagNoUsername},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			pk := Packet{FixedHeader: FixedHeader{Type: Connect}}
			require.ErrorIs(t, pk.ConnectDecode(tx.raw), tx.err)
		})
	}
}

func TestConnectValidate(t *testing.T) {
	valid := func() Packet {
		return Packet{
			ProtocolName:     []byte("MQTT"),
			ProtocolVersion:  4,
			CleanSession:     true,
			ClientIdentifier: "zen",
		}
	}

	tt := []struct {
		desc   string
		mutate func(pk *Packet)
		code   Code
	}{
		{"valid", func(pk *Packet) {}, CodeSuccess},
		{"v3.1", func(pk *Packet) { pk.ProtocolName = []byte("MQIsdp"); pk.ProtocolVersion = 3 }, CodeSuccess},
		{"bad protocol name", func(pk *Packet) { pk.ProtocolName = []byte("MQXX") }, ErrProtocolViolationProtocolName},
		{"bad protocol version", func(pk *Packet) { pk.ProtocolVersion = 5 }, ErrUnsupportedProtocolVersion},
		{"bad v3.1 version", func(pk *Packet) { pk.ProtocolName = []byte("MQIsdp") }, ErrUnsupportedProtocolVersion},
		{"reserved bit", func(pk *Packet) { pk.ReservedBit = 1 }, ErrProtocolViolationReservedBit},
		{"empty client id persistent", func(pk *Packet) { pk.ClientIdentifier = ""; pk.CleanSession = false }, ErrIdentifierRejected},
		{"empty client id clean", func(pk *Packet) { pk.ClientIdentifier = "" }, CodeSuccess},
		{"will retain without will", func(pk *Packet) { pk.WillRetain = true }, ErrProtocolViolationWillFlagSurplusRet},
		{"will flag no topic", func(pk *Packet) { pk.WillFlag = true }, ErrProtocolViolationWillFlagNoPayload},
		{"password flag no password", func(pk *Packet) { pk.PasswordFlag = true }, ErrProtocolViolationFlagNoPassword},
		{"password no flag", func(pk *Packet) { pk.Password = []byte("p") }, ErrProtocolViolationPasswordNoFlag},
		{"username no flag", func(pk *Packet) { pk.Username = []byte("u") }, ErrProtocolViolationUsernameNoFlag},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			pk := valid()
			tx.mutate(&pk)
			require.Equal(t, tx.code, pk.ConnectValidate())
		})
	}
}

func TestConnackEncodeDecode(t *testing.T) {
	pk := Packet{FixedHeader: FixedHeader{Type: Connack}, ReturnCode: CodeAccepted.Code}
	buf := new(bytes.Buffer)
	require.NoError(t, pk.Encode(buf))
	require.Equal(t, []byte{Connack << 4, 2, 0, 0}, buf.Bytes())

	out := Packet{FixedHeader: FixedHeader{Type: Connack}}
	require.NoError(t, out.Decode([]byte{1, 3}))
	require.True(t, out.SessionPresent)
	require.Equal(t, ErrServerUnavailable.Code, out.ReturnCode)

	require.ErrorIs(t, out.Decode([]byte{}), ErrMalformedSessionPresent)
	require.ErrorIs(t, out.Decode([]byte{0}), ErrMalformedReturnCode)
}

func TestPublishDecode(t *testing.T) {
	pk := Packet{FixedHeader: FixedHeader{Type: Publish, Qos: 1}}
	err := pk.Decode([]byte{0, 3, 'a', '/', 'b', 0, 7, 'h', 'i'})
	require.NoError(t, err)
	require.Equal(t, "a/b", pk.TopicName)
	require.Equal(t, uint16(7), pk.PacketID)
	require.Equal(t, []byte("hi"), pk.Payload)
	require.Equal(t, CodeSuccess, pk.PublishValidate())
}

func TestPublishDecodeMalformed(t *testing.T) {
	pk := Packet{FixedHeader: FixedHeader{Type: Publish, Qos: 1}}
	require.ErrorIs(t, pk.Decode([]byte{0, 5, 'a'}), ErrMalformedTopic)

	pk = Packet{FixedHeader: FixedHeader{Type: Publish, Qos: 1}}
	require.ErrorIs(t, pk.Decode([]byte{0, 1, 'a', 0}), ErrMalformedPacketID)
}

func TestPublishEncode(t *testing.T) {
	pk := Packet{
		FixedHeader: FixedHeader{Type: Publish},
		TopicName:   "t2",
		Payload:     []byte("x"),
	}

	buf := new(bytes.Buffer)
	require.NoError(t, pk.Encode(buf))
	require.Equal(t, []byte{Publish << 4, 5, 0, 2, 't', '2', 'x'}, buf.Bytes())

	pk = Packet{
		FixedHeader: FixedHeader{Type: Publish, Qos: 1},
		TopicName:   "t2",
		PacketID:    9,
		Payload:     []byte("x"),
	}

	buf.Reset()
	require.NoError(t, pk.Encode(buf))
	require.Equal(t, []byte{Publish<<4 | 1<<1, 7, 0, 2, 't', '2', 0, 9, 'x'}, buf.Bytes())
}

func TestPublishEncodeNoPacketID(t *testing.T) {
	pk := Packet{FixedHeader: FixedHeader{Type: Publish, Qos: 2}, TopicName: "a"}
	require.ErrorIs(t, pk.Encode(new(bytes.Buffer)), ErrProtocolViolationNoPacketID)
}

func TestPublishValidate(t *testing.T) {
	tt := []struct {
		desc string
		pk   Packet
		code Code
	}{
		{"qos 0", Packet{TopicName: "a/b"}, CodeSuccess},
		{"qos 1 no id", Packet{FixedHeader: FixedHeader{Qos: 1}, TopicName: "a/b"}, ErrProtocolViolationNoPacketID},
		{"qos 0 with id", Packet{TopicName: "a/b", PacketID: 3}, ErrProtocolViolationSurplusPacketID},
		{"empty topic", Packet{}, ErrProtocolViolationEmptyTopic},
		{"wildcard plus", Packet{TopicName: "a/+"}, ErrProtocolViolationSurplusWildcard},
		{"wildcard hash", Packet{TopicName: "a/#"}, ErrProtocolViolationSurplusWildcard},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			require.Equal(t, tx.code, tx.pk.PublishValidate())
		})
	}
}

func TestSubscribeDecode(t *testing.T) {
	pk := Packet{FixedHeader: FixedHeader{Type: Subscribe, Qos: 1}}
	err := pk.Decode([]byte{
		0, 10, // Packet ID
		0, 2, 't', '1', 0,
		0, 2, 't', '2', 1,
		0, 2, 't', '1', 2,
	})
	require.NoError(t, err)
	require.Equal(t, uint16(10), pk.PacketID)
	require.Equal(t, []string{"t1", "t2", "t1"}, pk.Topics)
	require.Equal(t, []byte{0, 1, 2}, pk.Qoss)
	require.Equal(t, CodeSuccess, pk.SubscribeValidate())
}

func TestSubscribeDecodeBadQos(t *testing.T) {
	pk := Packet{FixedHeader: FixedHeader{Type: Subscribe, Qos: 1}}
	err := pk.Decode([]byte{0, 10, 0, 2, 't', '1', 3})
	require.ErrorIs(t, err, ErrProtocolViolationQosOutOfRange)

	pk = Packet{FixedHeader: FixedHeader{Type: Subscribe, Qos: 1}}
	err = pk.Decode([]byte{0, 10, 0, 2, 't', '1'})
	require.ErrorIs(t, err, ErrMalformedQos)
}

func TestSubscribeValidate(t *testing.T) {
	pk := Packet{Topics: []string{"a"}, Qoss: []byte{0}}
	require.Equal(t, ErrProtocolViolationNoPacketID, pk.SubscribeValidate())

	pk = Packet{PacketID: 1}
	require.Equal(t, ErrMalformedNoTopics, pk.SubscribeValidate())

	pk = Packet{PacketID: 1, Topics: []string{""}, Qoss: []byte{0}}
	require.Equal(t, ErrProtocolViolationEmptyTopic, pk.SubscribeValidate())

	pk = Packet{PacketID: 1, Topics: []string{"a", "b"}, Qoss: []byte{0}}
	require.Equal(t, ErrMalformedQos, pk.SubscribeValidate())

	pk = Packet{PacketID: 1, Topics: []string{"a"}, Qoss: []byte{3}}
	require.Equal(t, ErrProtocolViolationQosOutOfRange, pk.SubscribeValidate())
}

func TestSubscribeEncode(t *testing.T) {
	pk := Packet{
		FixedHeader: FixedHeader{Type: Subscribe},
		PacketID:    10,
		Topics:      []string{"t1", "t2"},
		Qoss:        []byte{0, 1},
	}

	buf := new(bytes.Buffer)
	require.NoError(t, pk.Encode(buf))
	require.Equal(t, []byte{
		Subscribe<<4 | 1<<1, 12,
		0, 10,
		0, 2, 't', '1', 0,
		0, 2, 't', '2', 1,
	}, buf.Bytes())

	pk.Qoss = []byte{0}
	require.ErrorIs(t, pk.Encode(new(bytes.Buffer)), ErrMalformedQos)
}

func TestSubackEncodeDecode(t *testing.T) {
	pk := Packet{
		FixedHeader: FixedHeader{Type: Suback},
		PacketID:    10,
		ReturnCodes: []byte{0, 1, 2},
	}

	buf := new(bytes.Buffer)
	require.NoError(t, pk.Encode(buf))
	require.Equal(t, []byte{Suback << 4, 5, 0, 10, 0, 1, 2}, buf.Bytes())

	out := Packet{FixedHeader: FixedHeader{Type: Suback}}
	require.NoError(t, out.Decode([]byte{0, 10, 0, 1, 2}))
	require.Equal(t, uint16(10), out.PacketID)
	require.Equal(t, []byte{0, 1, 2}, out.ReturnCodes)
}

func TestUnsubscribeDecode(t *testing.T) {
	pk := Packet{FixedHeader: FixedHeader{Type: Unsubscribe, Qos: 1}}
	err := pk.Decode([]byte{0, 11, 0, 2, 't', '1', 0, 3, 'a', '/', 'b'})
	require.NoError(t, err)
	require.Equal(t, uint16(11), pk.PacketID)
	require.Equal(t, []string{"t1", "a/b"}, pk.Topics)
	require.Equal(t, CodeSuccess, pk.UnsubscribeValidate())

	pk = Packet{PacketID: 11}
	require.Equal(t, ErrMalformedNoTopics, pk.UnsubscribeValidate())
}

func TestUnsubscribeEncode(t *testing.T) {
	pk := Packet{
		FixedHeader: FixedHeader{Type: Unsubscribe},
		PacketID:    11,
		Topics:      []string{"t1"},
	}

	buf := new(bytes.Buffer)
	require.NoError(t, pk.Encode(buf))
	require.Equal(t, []byte{Unsubscribe<<4 | 1<<1, 6, 0, 11, 0, 2, 't', '1'}, buf.Bytes())
}

func TestPacketIDOnlyEncode(t *testing.T) {
	tt := []struct {
		pkType byte
		header byte
	}{
		{Puback, Puback << 4},
		{Pubrec, Pubrec << 4},
		{Pubrel, Pubrel<<4 | 1<<1},
		{Pubcomp, Pubcomp << 4},
		{Unsuback, Unsuback << 4},
	}

	for _, tx := range tt {
		t.Run(PacketNames[tx.pkType], func(t *testing.T) {
			pk := Packet{FixedHeader: FixedHeader{Type: tx.pkType}, PacketID: 5}
			buf := new(bytes.Buffer)
			require.NoError(t, pk.Encode(buf))
			require.Equal(t, []byte{tx.header, 2, 0, 5}, buf.Bytes())

			out := Packet{FixedHeader: FixedHeader{Type: tx.pkType}}
			require.NoError(t, out.Decode([]byte{0, 5}))
			require.Equal(t, uint16(5), out.PacketID)
			require.ErrorIs(t, out.Decode([]byte{0}), ErrMalformedPacketID)
		})
	}
}

func TestEmptyPacketsEncode(t *testing.T) {
	for _, pkType := range []byte{Pingreq, Pingresp, Disconnect} {
		pk := Packet{FixedHeader: FixedHeader{Type: pkType}}
		buf := new(bytes.Buffer)
		require.NoError(t, pk.Encode(buf))
		require.Equal(t, []byte{pkType << 4, 0}, buf.Bytes())
		require.NoError(t, pk.Decode(nil))
	}
}

func TestUnsupportedPacketType(t *testing.T) {
	pk := Packet{FixedHeader: FixedHeader{Type: 15}}
	err := pk.Encode(new(bytes.Buffer))
	require.True(t, errors.Is(err, ErrProtocolViolationUnsupportedPacket))

	err = pk.Decode([]byte{})
	require.True(t, errors.Is(err, ErrProtocolViolationUnsupportedPacket))
}

func TestPacketCopy(t *testing.T) {
	pk := Packet{
		FixedHeader: FixedHeader{Type: Publish, Qos: 1, Retain: true},
		TopicName:   "a/b",
		Payload:     []byte("hello"),
		PacketID:    3,
	}

	c := pk.Copy()
	require.Equal(t, pk.TopicName, c.TopicName)
	require.Equal(t, pk.Payload, c.Payload)
	require.Equal(t, pk.FixedHeader.Qos, c.FixedHeader.Qos)

	c.Payload[0] = 'j'
	require.Equal(t, []byte("hello"), pk.Payload)
}

func TestFormatID(t *testing.T) {
	pk := Packet{PacketID: 31201}
	require.Equal(t, "31201", pk.FormatID())
}
