// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinybroker/server/packets"
)

var (
	// ErrProtocolViolationNotConnected indicates a packet other than CONNECT was received before the session was connected.
	ErrProtocolViolationNotConnected = fmt.Errorf("%w: session not connected", packets.ErrProtocolViolationRequireFirstConnect)

	// ErrInternalConsistency indicates the registry and the active session set disagree.
	ErrInternalConsistency = errors.New("internal consistency violation")
)

// Broker owns the active session set and the subscription registry, and reacts
// to decoded protocol events. Changes to the session set and the registry, and
// the match and enqueue steps of each fan-out, are serialized by a single
// mutex, so publishes are queued to every subscriber in the order they were
// processed.
type Broker struct {
	Sessions *Sessions  // the active (connected) session set
	Registry *Registry  // subscription entries
	ops      *ops       // server values shared with sessions
	mu       sync.Mutex // serializes session set, registry and fan-out
	journal  *hookOrder // orders registry change hooks outside of mu
}

// hookOrder runs hook calls in the order their tickets were issued. Tickets
// are taken under the broker mutex, so registry change hooks observe changes
// in the order they were applied without holding up fan-out.
type hookOrder struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64 // the next ticket to issue
	serving uint64 // the ticket allowed to run
}

// newHookOrder returns a new instance of hookOrder.
func newHookOrder() *hookOrder {
	o := new(hookOrder)
	o.cond = sync.NewCond(&o.mu)
	return o
}

// ticket issues the next position in the hook order.
func (o *hookOrder) ticket() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.next
	o.next++
	return t
}

// run waits for the ticket's turn and calls fn.
func (o *hookOrder) run(t uint64, fn func()) {
	o.mu.Lock()
	for o.serving != t {
		o.cond.Wait()
	}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.serving++
		o.cond.Broadcast()
		o.mu.Unlock()
	}()

	fn()
}

// newBroker returns a new instance of Broker.
func newBroker(o *ops) *Broker {
	return &Broker{
		Sessions: NewSessions(),
		Registry: NewRegistry(),
		ops:      o,
		journal:  newHookOrder(),
	}
}

// NewSession returns a new Connecting session for an accepted connection.
// Closing the session runs the broker release for it.
func (b *Broker) NewSession(c net.Conn, listener string) *Session {
	s := newSession(c, listener, b.ops)
	s.onClose = b.release
	return s
}

// Dispatch routes an inbound packet to its handler. Any packet other than
// CONNECT received before the session is connected is a protocol violation.
// A returned error indicates the session should be closed.
func (b *Broker) Dispatch(s *Session, pk packets.Packet) error {
	var err error

	if s.State() != StateConnected && pk.FixedHeader.Type != packets.Connect {
		err = fmt.Errorf("%w: %s", ErrProtocolViolationNotConnected, packets.PacketNames[pk.FixedHeader.Type])
		b.ops.hooks.OnPacketProcessed(s, pk, err)
		return err
	}

	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = b.HandleConnect(s, pk)
	case packets.Disconnect:
		err = b.HandleDisconnect(s, pk)
	case packets.Pingreq:
		err = b.handlePingreq(s, pk)
	case packets.Publish:
		err = b.HandlePublish(s, pk)
	case packets.Puback, packets.Pubcomp:
		// outbound qos flows are not tracked.
	case packets.Pubrec:
		err = b.handlePubrec(s, pk)
	case packets.Pubrel:
		err = b.handlePubrel(s, pk)
	case packets.Subscribe:
		err = b.HandleSubscribe(s, pk)
	case packets.Unsubscribe:
		err = b.HandleUnsubscribe(s, pk)
	default:
		err = fmt.Errorf("%w: %s", packets.ErrProtocolViolationUnsupportedPacket, packets.PacketNames[pk.FixedHeader.Type])
	}

	b.ops.hooks.OnPacketProcessed(s, pk, err)
	return err
}

// HandleConnect validates a CONNECT packet, promotes the session, adds it to
// the active set and acknowledges it. Sessions are never resumed, so the
// CONNACK always carries sessionPresent=false.
func (b *Broker) HandleConnect(s *Session, pk packets.Packet) error {
	if s.State() == StateConnected {
		return packets.ErrProtocolViolationSecondConnect // [MQTT-3.1.0-2]
	}

	code := pk.ConnectValidate()
	if code != packets.CodeSuccess {
		if code.Code <= packets.ErrNotAuthorized.Code { // connack return codes
			if err := b.sendConnack(s, code); err != nil {
				return fmt.Errorf("invalid connection send ack: %w", err)
			}
		}
		return code // [MQTT-3.1.4-1] [MQTT-3.2.2-5]
	}

	s.Properties.Username = pk.Username
	s.Properties.ProtocolVersion = pk.ProtocolVersion

	b.mu.Lock()
	if int64(b.Sessions.Len()) >= b.ops.options.Capabilities.MaximumClients {
		b.mu.Unlock()
		if err := b.sendConnack(s, packets.ErrServerUnavailable); err != nil {
			return fmt.Errorf("invalid connection send ack: %w", err)
		}
		return packets.ErrServerUnavailable
	}

	if err := s.Promote(pk.ClientIdentifier, pk.CleanSession, pk.Keepalive); err != nil {
		b.mu.Unlock()
		return err
	}
	b.Sessions.Add(s)
	b.mu.Unlock()

	connected := atomic.AddInt64(&b.ops.info.ClientsConnected, 1)
	atomic.AddInt64(&b.ops.info.ClientsTotal, 1)
	if connected > atomic.LoadInt64(&b.ops.info.ClientsMaximum) {
		atomic.StoreInt64(&b.ops.info.ClientsMaximum, connected)
	}

	startWatchdog(s)

	if err := b.sendConnack(s, packets.CodeAccepted); err != nil { // [MQTT-3.2.0-1]
		return fmt.Errorf("ack connection packet: %w", err)
	}

	b.ops.hooks.OnSessionEstablished(s, pk)
	b.ops.log.Debug("session established", "client", s.ID, "remote", s.Net.Remote, "listener", s.Net.Listener)

	return nil
}

// sendConnack writes a CONNACK with the given return code.
func (b *Broker) sendConnack(s *Session, code packets.Code) error {
	return s.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Connack,
		},
		SessionPresent: false, // [MQTT-3.2.2-1] [MQTT-3.2.2-4]
		ReturnCode:     code.Code,
	})
}

// HandleDisconnect closes the session. No reply is sent.
func (b *Broker) HandleDisconnect(s *Session, _ packets.Packet) error {
	s.Close(packets.CodeDisconnect) // [MQTT-3.14.4-1]
	return nil
}

// HandleError closes the session after a transport, decode or protocol error.
func (b *Broker) HandleError(s *Session, err error) {
	switch {
	case s.Closed(), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		b.ops.log.Debug("session connection ended", "error", err, "client", s.ID, "remote", s.Net.Remote, "listener", s.Net.Listener)
	default:
		b.ops.log.Warn("error processing packet", "error", err, "client", s.ID, "remote", s.Net.Remote, "listener", s.Net.Listener)
	}

	s.Close(err)
}

// handlePingreq responds to a PINGREQ.
func (b *Broker) handlePingreq(s *Session, _ packets.Packet) error {
	return s.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Pingresp, // [MQTT-3.12.4-1]
		},
	})
}

// handlePubrec answers a subscriber's PUBREC with a PUBREL.
func (b *Broker) handlePubrec(s *Session, pk packets.Packet) error {
	return s.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Pubrel,
			Qos:  1,
		},
		PacketID: pk.PacketID, // [MQTT-4.3.3-1]
	})
}

// handlePubrel completes an inbound qos 2 flow with a PUBCOMP.
func (b *Broker) handlePubrel(s *Session, pk packets.Packet) error {
	return s.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Pubcomp,
		},
		PacketID: pk.PacketID, // [MQTT-4.3.3-1]
	})
}

// HandleSubscribe adds one registry entry per requested topic, granting the
// requested qos, and replies with a single SUBACK whose return codes are in
// request order.
func (b *Broker) HandleSubscribe(s *Session, pk packets.Packet) error {
	code := pk.SubscribeValidate()
	if code != packets.CodeSuccess {
		return code
	}

	codes := make([]byte, len(pk.Topics))
	added := make([]Subscription, 0, len(pk.Topics))

	b.mu.Lock()
	if !b.Sessions.Has(s) {
		b.mu.Unlock()
		return ErrSessionClosed
	}

	for i, topic := range pk.Topics {
		added = append(added, b.Registry.Insert(topic, s, pk.Qoss[i]))
		codes[i] = pk.Qoss[i] // [MQTT-3.9.3-1]
	}
	t := b.journal.ticket()
	b.mu.Unlock()

	b.journal.run(t, func() {
		b.ops.hooks.OnSubscribed(s, pk, added)
	})

	atomic.AddInt64(&b.ops.info.Subscriptions, int64(len(added)))

	return s.WritePacket(packets.Packet{ // [MQTT-3.8.4-1] [MQTT-3.8.4-4]
		FixedHeader: packets.FixedHeader{
			Type: packets.Suback,
		},
		PacketID:    pk.PacketID, // [MQTT-3.8.4-2]
		ReturnCodes: codes,
	})
}

// HandleUnsubscribe removes every registry entry on each requested topic,
// whichever session owns it, and replies with a single UNSUBACK.
func (b *Broker) HandleUnsubscribe(s *Session, pk packets.Packet) error {
	code := pk.UnsubscribeValidate()
	if code != packets.CodeSuccess {
		return code
	}

	var removed []Subscription

	b.mu.Lock()
	for _, topic := range pk.Topics {
		removed = append(removed, b.Registry.RemoveByTopic(topic)...)
	}
	t := b.journal.ticket()
	b.mu.Unlock()

	b.journal.run(t, func() {
		b.ops.hooks.OnUnsubscribed(s, pk, removed)
	})

	atomic.AddInt64(&b.ops.info.Subscriptions, -int64(len(removed)))

	return s.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Unsuback,
		},
		PacketID: pk.PacketID, // [MQTT-3.10.4-4]
	})
}

// HandlePublish acknowledges an inbound publish according to its qos and fans
// it out to every subscriber of the exact topic. The retain flag is ignored.
func (b *Broker) HandlePublish(s *Session, pk packets.Packet) error {
	code := pk.PublishValidate()
	if code != packets.CodeSuccess {
		return code
	}

	switch pk.FixedHeader.Qos {
	case 1:
		if err := s.WritePacket(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Puback},
			PacketID:    pk.PacketID, // [MQTT-4.3.2-2]
		}); err != nil {
			return err
		}
	case 2:
		if err := s.WritePacket(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
			PacketID:    pk.PacketID, // [MQTT-4.3.3-2]
		}); err != nil {
			return err
		}
	}

	delivered := b.fanout(pk)
	b.ops.hooks.OnPublished(s, pk, delivered)

	return nil
}

// Publish fans out a message originating from the server itself, such as
// the $SYS topics. It returns the number of subscribers the message was
// queued for.
func (b *Broker) Publish(topic string, payload []byte, qos byte) int {
	return b.fanout(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Publish,
			Qos:  qos,
		},
		TopicName: topic,
		Payload:   payload,
		Created:   time.Now().Unix(),
	})
}

// dropped is a delivery which could not be queued for a subscriber.
type dropped struct {
	session *Session
	err     error
}

// fanout queues the publish for each entry on the topic at the lesser of the
// entry qos and the publish qos. Delivery failures are counted and skipped.
func (b *Broker) fanout(pk packets.Packet) int {
	var delivered int
	var drops []dropped
	var orphans []*Session

	b.mu.Lock()
	for _, sub := range b.Registry.Matching(pk.TopicName) {
		if !b.Sessions.Has(sub.Session) {
			orphans = append(orphans, sub.Session)
			continue
		}

		qos := min(sub.Qos, pk.FixedHeader.Qos)
		if err := sub.Session.PublishOut(pk.TopicName, pk.Payload, qos); err != nil {
			drops = append(drops, dropped{session: sub.Session, err: err})
			continue
		}

		delivered++
	}
	b.mu.Unlock()

	for _, d := range drops {
		atomic.AddInt64(&b.ops.info.MessagesDropped, 1)
		b.ops.log.Warn("message dropped", "error", d.err, "client", d.session.ID, "topic", pk.TopicName)
		b.ops.hooks.OnPublishDropped(d.session, pk, d.err)
	}

	for _, o := range orphans {
		b.ops.log.Error("subscription owned by inactive session", "error", ErrInternalConsistency, "client", o.ID, "topic", pk.TopicName)
		o.Close(ErrInternalConsistency)
	}

	return delivered
}
