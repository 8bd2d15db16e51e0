// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package packets encodes and decodes MQTT v3.1.1 (and v3.1) control packets.
package packets

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// All of the valid packet types and their packet identifier.
const (
	Reserved    byte = iota // 0 - we use this in packet tests to indicate special-test or all packets.
	Connect                 // 1
	Connack                 // 2
	Publish                 // 3
	Puback                  // 4
	Pubrec                  // 5
	Pubrel                  // 6
	Pubcomp                 // 7
	Subscribe               // 8
	Suback                  // 9
	Unsubscribe             // 10
	Unsuback                // 11
	Pingreq                 // 12
	Pingresp                // 13
	Disconnect              // 14
)

// PacketNames is a map of packet bytes to human-readable names, for easier debugging.
var PacketNames = map[byte]string{
	0:  "Reserved",
	1:  "Connect",
	2:  "Connack",
	3:  "Publish",
	4:  "Puback",
	5:  "Pubrec",
	6:  "Pubrel",
	7:  "Pubcomp",
	8:  "Subscribe",
	9:  "Suback",
	10: "Unsubscribe",
	11: "Unsuback",
	12: "Pingreq",
	13: "Pingresp",
	14: "Disconnect",
}

// ProtocolVersion 3 uses the MQIsdp protocol name, 4 uses MQTT.
var (
	protocolNameV31  = []byte("MQIsdp")
	protocolNameV311 = []byte("MQTT")
)

// Packet is an MQTT packet. Instead of providing a packet interface and variant
// packet structs, this is a single concrete packet type to cover all packet
// types, which allows us to take advantage of various compiler optimizations.
type Packet struct {
	FixedHeader      FixedHeader `json:"fixedHeader"`
	Topics           []string    `json:"topics,omitempty"`      // subscribe / unsubscribe topics
	Qoss             []byte      `json:"qoss,omitempty"`        // requested qos for each subscribe topic
	ReturnCodes      []byte      `json:"returnCodes,omitempty"` // suback return codes, positional with Topics
	ProtocolName     []byte      `json:"protocolName,omitempty"`
	Payload          []byte      `json:"payload,omitempty"`
	Username         []byte      `json:"username,omitempty"`
	Password         []byte      `json:"-"`
	WillMessage      []byte      `json:"willMessage,omitempty"`
	ClientIdentifier string      `json:"clientId,omitempty"`
	TopicName        string      `json:"topicName,omitempty"`
	WillTopic        string      `json:"willTopic,omitempty"`
	Created          int64       `json:"created,omitempty"` // unix timestamp indicating time packet was created/received on the server
	PacketID         uint16      `json:"packetId,omitempty"`
	Keepalive        uint16      `json:"keepalive,omitempty"`
	ReturnCode       byte        `json:"returnCode,omitempty"`
	ProtocolVersion  byte        `json:"protocolVersion,omitempty"`
	WillQos          byte        `json:"willQos,omitempty"`
	ReservedBit      byte        `json:"-"`
	CleanSession     bool        `json:"cleanSession,omitempty"`
	WillFlag         bool        `json:"willFlag,omitempty"`
	WillRetain       bool        `json:"willRetain,omitempty"`
	UsernameFlag     bool        `json:"-"`
	PasswordFlag     bool        `json:"-"`
	SessionPresent   bool        `json:"sessionPresent,omitempty"`
}

// Copy creates a new instance of a packet carrying the same type, topic and payload.
func (pk *Packet) Copy() Packet {
	p := Packet{
		FixedHeader: FixedHeader{
			Type:   pk.FixedHeader.Type,
			Retain: pk.FixedHeader.Retain,
			Qos:    pk.FixedHeader.Qos,
		},
		ClientIdentifier: pk.ClientIdentifier,
		TopicName:        pk.TopicName,
		Created:          pk.Created,
		PacketID:         pk.PacketID,
	}

	if len(pk.Payload) > 0 {
		p.Payload = append([]byte{}, pk.Payload...)
	}

	if len(pk.Topics) > 0 {
		p.Topics = append([]string{}, pk.Topics...)
		p.Qoss = append([]byte{}, pk.Qoss...)
	}

	return p
}

// FormatID returns the PacketID field as a decimal integer.
func (pk *Packet) FormatID() string {
	return strconv.FormatUint(uint64(pk.PacketID), 10)
}

// String returns a short readable representation of a packet, used in debug logs.
func (pk Packet) String() string {
	return fmt.Sprintf("%s id=%d qos=%d topic=%q topics=%v", PacketNames[pk.FixedHeader.Type], pk.PacketID, pk.FixedHeader.Qos, pk.TopicName, pk.Topics)
}

// ConnectEncode encodes a connect packet.
func (pk *Packet) ConnectEncode(buf *bytes.Buffer) error {
	nb := bytes.NewBuffer([]byte{})
	nb.Write(encodeBytes(pk.ProtocolName))
	nb.WriteByte(pk.ProtocolVersion)
	nb.WriteByte(
		encodeBool(pk.CleanSession)<<1 |
			encodeBool(pk.WillFlag)<<2 |
			pk.WillQos<<3 |
			encodeBool(pk.WillRetain)<<5 |
			encodeBool(pk.PasswordFlag)<<6 |
			encodeBool(pk.UsernameFlag)<<7,
	)
	nb.Write(encodeUint16(pk.Keepalive))
	nb.Write(encodeString(pk.ClientIdentifier))

	if pk.WillFlag {
		nb.Write(encodeString(pk.WillTopic))
		nb.Write(encodeBytes(pk.WillMessage))
	}

	if pk.UsernameFlag {
		nb.Write(encodeBytes(pk.Username))
	}

	if pk.PasswordFlag {
		nb.Write(encodeBytes(pk.Password))
	}

	pk.FixedHeader.Remaining = nb.Len()
	pk.FixedHeader.Encode(buf)
	buf.Write(nb.Bytes())

	return nil
}

// ConnectDecode decodes a connect packet.
func (pk *Packet) ConnectDecode(buf []byte) error {
	var offset int
	var err error

	pk.ProtocolName, offset, err = decodeBytes(buf, 0)
	if err != nil {
		return ErrMalformedProtocolName
	}

	pk.ProtocolVersion, offset, err = decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedProtocolVersion
	}

	flags, offset, err := decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedFlags
	}

	pk.ReservedBit = 1 & flags
	pk.CleanSession = 1&(flags>>1) > 0
	pk.WillFlag = 1&(flags>>2) > 0
	pk.WillQos = 3 & (flags >> 3) // this one is not a bool
	pk.WillRetain = 1&(flags>>5) > 0
	pk.PasswordFlag = 1&(flags>>6) > 0
	pk.UsernameFlag = 1&(flags>>7) > 0

	pk.Keepalive, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return ErrMalformedKeepalive
	}

	pk.ClientIdentifier, offset, err = decodeString(buf, offset) // [MQTT-3.1.3-1] [MQTT-3.1.3-2] [MQTT-3.1.3-3] [MQTT-3.1.3-4]
	if err != nil {
		return ErrMalformedClientID
	}

	if pk.WillFlag { // [MQTT-3.1.2-7]
		pk.WillTopic, offset, err = decodeString(buf, offset) // [MQTT-3.1.3-11]
		if err != nil {
			return ErrMalformedWillTopic
		}

		pk.WillMessage, offset, err = decodeBytes(buf, offset)
		if err != nil {
			return ErrMalformedWillPayload
		}
	}

	if pk.UsernameFlag { // [MQTT-3.1.3-12]
		if offset >= len(buf) { // we are at the end of the packet
			return ErrProtocolViolationFlagNoUsername // [MQTT-3.1.2-17]
		}

		pk.Username, offset, err = decodeBytes(buf, offset)
		if err != nil {
			return ErrMalformedUsername
		}
	}

	if pk.PasswordFlag {
		pk.Password, _, err = decodeBytes(buf, offset)
		if err != nil {
			return ErrMalformedPassword
		}
	}

	return nil
}

// ConnectValidate ensures the connect packet is compliant. The returned code is
// the connack return code that should be sent to the client if it is not a success.
func (pk *Packet) ConnectValidate() Code {
	switch {
	case bytes.Equal(pk.ProtocolName, protocolNameV31):
		if pk.ProtocolVersion != 3 {
			return ErrUnsupportedProtocolVersion
		}
	case bytes.Equal(pk.ProtocolName, protocolNameV311):
		if pk.ProtocolVersion != 4 {
			return ErrUnsupportedProtocolVersion // [MQTT-3.1.2-2]
		}
	default:
		return ErrProtocolViolationProtocolName // [MQTT-3.1.2-1]
	}

	if pk.ReservedBit != 0 {
		return ErrProtocolViolationReservedBit // [MQTT-3.1.2-3]
	}

	if len(pk.Password) > 65535 {
		return ErrProtocolViolationPasswordTooLong
	}

	if len(pk.Username) > 65535 {
		return ErrProtocolViolationUsernameTooLong
	}

	if !pk.UsernameFlag && len(pk.Username) > 0 {
		return ErrProtocolViolationUsernameNoFlag // [MQTT-3.1.2-18]
	}

	if pk.PasswordFlag && len(pk.Password) == 0 {
		return ErrProtocolViolationFlagNoPassword // [MQTT-3.1.2-21]
	}

	if !pk.PasswordFlag && len(pk.Password) > 0 {
		return ErrProtocolViolationPasswordNoFlag // [MQTT-3.1.2-20]
	}

	if pk.WillFlag && len(pk.WillTopic) == 0 {
		return ErrProtocolViolationWillFlagNoPayload // [MQTT-3.1.2-9]
	}

	if !pk.WillFlag && pk.WillRetain {
		return ErrProtocolViolationWillFlagSurplusRet // [MQTT-3.1.2-15]
	}

	if pk.WillQos > 2 {
		return ErrProtocolViolationQosOutOfRange // [MQTT-3.1.2-14]
	}

	if len(pk.ClientIdentifier) == 0 && !pk.CleanSession {
		return ErrIdentifierRejected // [MQTT-3.1.3-8]
	}

	return CodeSuccess
}

// ConnackEncode encodes a Connack packet.
func (pk *Packet) ConnackEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 2
	pk.FixedHeader.Encode(buf)
	buf.WriteByte(encodeBool(pk.SessionPresent))
	buf.WriteByte(pk.ReturnCode)
	return nil
}

// ConnackDecode decodes a Connack packet.
func (pk *Packet) ConnackDecode(buf []byte) error {
	var offset int
	var err error

	pk.SessionPresent, offset, err = decodeByteBool(buf, 0)
	if err != nil {
		return ErrMalformedSessionPresent
	}

	pk.ReturnCode, _, err = decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedReturnCode
	}

	return nil
}

// DisconnectEncode encodes a Disconnect packet.
func (pk *Packet) DisconnectEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 0
	pk.FixedHeader.Encode(buf)
	return nil
}

// PingreqEncode encodes a Pingreq packet.
func (pk *Packet) PingreqEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 0
	pk.FixedHeader.Encode(buf)
	return nil
}

// PingrespEncode encodes a Pingresp packet.
func (pk *Packet) PingrespEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 0
	pk.FixedHeader.Encode(buf)
	return nil
}

// PublishEncode encodes a Publish packet.
func (pk *Packet) PublishEncode(buf *bytes.Buffer) error {
	nb := bytes.NewBuffer([]byte{})
	nb.Write(encodeString(pk.TopicName)) // [MQTT-3.3.2-1]

	if pk.FixedHeader.Qos > 0 {
		if pk.PacketID == 0 {
			return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
		}
		nb.Write(encodeUint16(pk.PacketID))
	}

	pk.FixedHeader.Remaining = nb.Len() + len(pk.Payload)
	pk.FixedHeader.Encode(buf)
	buf.Write(nb.Bytes())
	buf.Write(pk.Payload)

	return nil
}

// PublishDecode extracts the data values from the packet.
func (pk *Packet) PublishDecode(buf []byte) error {
	var offset int
	var err error

	pk.TopicName, offset, err = decodeString(buf, 0) // [MQTT-3.3.2-1]
	if err != nil {
		return ErrMalformedTopic
	}

	if pk.FixedHeader.Qos > 0 {
		pk.PacketID, offset, err = decodeUint16(buf, offset)
		if err != nil {
			return ErrMalformedPacketID
		}
	}

	pk.Payload = append([]byte{}, buf[offset:]...)

	return nil
}

// PublishValidate validates a publish packet.
func (pk *Packet) PublishValidate() Code {
	if pk.FixedHeader.Qos > 0 && pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	if pk.FixedHeader.Qos == 0 && pk.PacketID > 0 {
		return ErrProtocolViolationSurplusPacketID // [MQTT-2.3.1-5]
	}

	if len(pk.TopicName) == 0 {
		return ErrProtocolViolationEmptyTopic // [MQTT-4.7.3-1]
	}

	if strings.ContainsAny(pk.TopicName, "+#") {
		return ErrProtocolViolationSurplusWildcard // [MQTT-3.3.2-2]
	}

	return CodeSuccess
}

// encodePacketIDOnly encodes packets which carry nothing but a packet id.
func (pk *Packet) encodePacketIDOnly(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 2
	pk.FixedHeader.Encode(buf)
	buf.Write(encodeUint16(pk.PacketID))
	return nil
}

// decodePacketIDOnly decodes packets which carry nothing but a packet id.
func (pk *Packet) decodePacketIDOnly(buf []byte) error {
	var err error
	pk.PacketID, _, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}
	return nil
}

// PubackEncode encodes a Puback packet.
func (pk *Packet) PubackEncode(buf *bytes.Buffer) error {
	return pk.encodePacketIDOnly(buf)
}

// PubackDecode decodes a Puback packet.
func (pk *Packet) PubackDecode(buf []byte) error {
	return pk.decodePacketIDOnly(buf)
}

// PubrecEncode encodes a Pubrec packet.
func (pk *Packet) PubrecEncode(buf *bytes.Buffer) error {
	return pk.encodePacketIDOnly(buf)
}

// PubrecDecode decodes a Pubrec packet.
func (pk *Packet) PubrecDecode(buf []byte) error {
	return pk.decodePacketIDOnly(buf)
}

// PubrelEncode encodes a Pubrel packet.
func (pk *Packet) PubrelEncode(buf *bytes.Buffer) error {
	return pk.encodePacketIDOnly(buf)
}

// PubrelDecode decodes a Pubrel packet.
func (pk *Packet) PubrelDecode(buf []byte) error {
	return pk.decodePacketIDOnly(buf)
}

// PubcompEncode encodes a Pubcomp packet.
func (pk *Packet) PubcompEncode(buf *bytes.Buffer) error {
	return pk.encodePacketIDOnly(buf)
}

// PubcompDecode decodes a Pubcomp packet.
func (pk *Packet) PubcompDecode(buf []byte) error {
	return pk.decodePacketIDOnly(buf)
}

// UnsubackEncode encodes an Unsuback packet.
func (pk *Packet) UnsubackEncode(buf *bytes.Buffer) error {
	return pk.encodePacketIDOnly(buf)
}

// UnsubackDecode decodes an Unsuback packet.
func (pk *Packet) UnsubackDecode(buf []byte) error {
	return pk.decodePacketIDOnly(buf)
}

// SubackEncode encodes a Suback packet.
func (pk *Packet) SubackEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 2 + len(pk.ReturnCodes)
	pk.FixedHeader.Encode(buf)
	buf.Write(encodeUint16(pk.PacketID))
	buf.Write(pk.ReturnCodes) // [MQTT-3.9.3-1]
	return nil
}

// SubackDecode decodes a Suback packet.
func (pk *Packet) SubackDecode(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return ErrMalformedPacketID
	}

	pk.ReturnCodes = append([]byte{}, buf[offset:]...)

	return nil
}

// SubscribeEncode encodes a Subscribe packet.
func (pk *Packet) SubscribeEncode(buf *bytes.Buffer) error {
	if pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	if len(pk.Topics) != len(pk.Qoss) {
		return ErrMalformedQos
	}

	nb := bytes.NewBuffer([]byte{})
	nb.Write(encodeUint16(pk.PacketID))
	for i, topic := range pk.Topics {
		nb.Write(encodeString(topic))
		nb.WriteByte(pk.Qoss[i])
	}

	pk.FixedHeader.Remaining = nb.Len()
	pk.FixedHeader.Encode(buf)
	buf.Write(nb.Bytes())

	return nil
}

// SubscribeDecode decodes a Subscribe packet.
func (pk *Packet) SubscribeDecode(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}

	for offset < len(buf) {
		var topic string
		topic, offset, err = decodeString(buf, offset) // [MQTT-3.8.3-1]
		if err != nil {
			return ErrMalformedTopic
		}

		var qos byte
		qos, offset, err = decodeByte(buf, offset)
		if err != nil {
			return ErrMalformedQos
		}

		if qos > 2 {
			return ErrProtocolViolationQosOutOfRange // [MQTT-3.8.3-4]
		}

		pk.Topics = append(pk.Topics, topic)
		pk.Qoss = append(pk.Qoss, qos)
	}

	return nil
}

// SubscribeValidate ensures the packet is compliant.
func (pk *Packet) SubscribeValidate() Code {
	if pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	if len(pk.Topics) == 0 {
		return ErrMalformedNoTopics // [MQTT-3.8.3-3]
	}

	if len(pk.Qoss) != len(pk.Topics) {
		return ErrMalformedQos
	}

	for i, topic := range pk.Topics {
		if len(topic) == 0 {
			return ErrProtocolViolationEmptyTopic
		}

		if pk.Qoss[i] > 2 {
			return ErrProtocolViolationQosOutOfRange // [MQTT-3.8.3-4]
		}
	}

	return CodeSuccess
}

// UnsubscribeEncode encodes an Unsubscribe packet.
func (pk *Packet) UnsubscribeEncode(buf *bytes.Buffer) error {
	if pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	nb := bytes.NewBuffer([]byte{})
	nb.Write(encodeUint16(pk.PacketID))
	for _, topic := range pk.Topics {
		nb.Write(encodeString(topic))
	}

	pk.FixedHeader.Remaining = nb.Len()
	pk.FixedHeader.Encode(buf)
	buf.Write(nb.Bytes())

	return nil
}

// UnsubscribeDecode decodes an Unsubscribe packet.
func (pk *Packet) UnsubscribeDecode(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}

	for offset < len(buf) {
		var topic string
		topic, offset, err = decodeString(buf, offset) // [MQTT-3.10.3-1]
		if err != nil {
			return ErrMalformedTopic
		}

		pk.Topics = append(pk.Topics, topic)
	}

	return nil
}

// UnsubscribeValidate validates an Unsubscribe packet.
func (pk *Packet) UnsubscribeValidate() Code {
	if pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	if len(pk.Topics) == 0 {
		return ErrMalformedNoTopics // [MQTT-3.10.3-2]
	}

	return CodeSuccess
}

// Encode writes the wire representation of any supported packet type to buf.
func (pk *Packet) Encode(buf *bytes.Buffer) error {
	switch pk.FixedHeader.Type {
	case Connect:
		return pk.ConnectEncode(buf)
	case Connack:
		return pk.ConnackEncode(buf)
	case Publish:
		return pk.PublishEncode(buf)
	case Puback:
		return pk.PubackEncode(buf)
	case Pubrec:
		return pk.PubrecEncode(buf)
	case Pubrel:
		pk.FixedHeader.Qos = 1 // [MQTT-3.6.1-1]
		return pk.PubrelEncode(buf)
	case Pubcomp:
		return pk.PubcompEncode(buf)
	case Subscribe:
		pk.FixedHeader.Qos = 1 // [MQTT-3.8.1-1]
		return pk.SubscribeEncode(buf)
	case Suback:
		return pk.SubackEncode(buf)
	case Unsubscribe:
		pk.FixedHeader.Qos = 1 // [MQTT-3.10.1-1]
		return pk.UnsubscribeEncode(buf)
	case Unsuback:
		return pk.UnsubackEncode(buf)
	case Pingreq:
		return pk.PingreqEncode(buf)
	case Pingresp:
		return pk.PingrespEncode(buf)
	case Disconnect:
		return pk.DisconnectEncode(buf)
	default:
		return fmt.Errorf("%w: %d", ErrProtocolViolationUnsupportedPacket, pk.FixedHeader.Type)
	}
}

// Decode reads the variable header and payload of a packet whose fixed header has
// already been decoded into pk.FixedHeader.
func (pk *Packet) Decode(buf []byte) error {
	switch pk.FixedHeader.Type {
	case Connect:
		return pk.ConnectDecode(buf)
	case Connack:
		return pk.ConnackDecode(buf)
	case Publish:
		return pk.PublishDecode(buf)
	case Puback:
		return pk.PubackDecode(buf)
	case Pubrec:
		return pk.PubrecDecode(buf)
	case Pubrel:
		return pk.PubrelDecode(buf)
	case Pubcomp:
		return pk.PubcompDecode(buf)
	case Subscribe:
		return pk.SubscribeDecode(buf)
	case Suback:
		return pk.SubackDecode(buf)
	case Unsubscribe:
		return pk.UnsubscribeDecode(buf)
	case Unsuback:
		return pk.UnsubackDecode(buf)
	case Pingreq, Pingresp, Disconnect:
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrProtocolViolationUnsupportedPacket, pk.FixedHeader.Type)
	}
}
