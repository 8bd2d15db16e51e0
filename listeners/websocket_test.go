// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestNewWebsocket(t *testing.T) {
	l := NewWebsocket(basicConfig)
	require.Equal(t, "t1", l.id)
	require.Equal(t, testAddr, l.address)
}

func TestWebsocketID(t *testing.T) {
	l := NewWebsocket(basicConfig)
	require.Equal(t, "t1", l.ID())
}

func TestWebsocketAddress(t *testing.T) {
	l := NewWebsocket(basicConfig)
	require.Equal(t, testAddr, l.Address())
}

func TestWebsocketProtocol(t *testing.T) {
	l := NewWebsocket(basicConfig)
	require.Equal(t, "ws", l.Protocol())
}

func TestWebsocketProtocolTLS(t *testing.T) {
	l := NewWebsocket(tlsConfig)
	require.Equal(t, "wss", l.Protocol())
}

func TestWebsocketInit(t *testing.T) {
	l := NewWebsocket(basicConfig)
	require.Nil(t, l.listen)
	err := l.Init(logger)
	require.NoError(t, err)
	require.NotNil(t, l.listen)
}

func TestWebsocketServeAndClose(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: freeAddr(t)})
	_ = l.Init(logger)

	o := make(chan bool)
	go func(o chan bool) {
		l.Serve(MockEstablisher)
		o <- true
	}(o)

	time.Sleep(time.Millisecond * 10)

	var closed bool
	l.Close(func(id string) {
		closed = true
	})

	require.True(t, closed)
	<-o
}

func TestWebsocketUpgrade(t *testing.T) {
	l := NewWebsocket(basicConfig)
	_ = l.Init(logger)

	received := make(chan []byte, 1)
	l.establish = func(id string, c net.Conn) error {
		buf := make([]byte, 6)
		_, err := io.ReadFull(c, buf)
		received <- buf
		if err != nil {
			return err
		}

		_, err = c.Write([]byte{0xd0, 0}) // pingresp
		return err
	}

	s := httptest.NewServer(http.HandlerFunc(l.handler))
	defer s.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	// the payload spans two frames
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("tiny")))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("mq")))
	require.Equal(t, []byte("tinymq"), <-received)

	op, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, op)
	require.Equal(t, []byte{0xd0, 0}, msg)
}

func TestWebsocketRejectsTextFrames(t *testing.T) {
	l := NewWebsocket(basicConfig)
	_ = l.Init(logger)

	errs := make(chan error, 1)
	l.establish = func(id string, c net.Conn) error {
		_, err := c.Read(make([]byte, 4))
		errs <- err
		return err
	}

	s := httptest.NewServer(http.HandlerFunc(l.handler))
	defer s.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("mqtt")))
	require.ErrorIs(t, <-errs, ErrInvalidMessage)
}
