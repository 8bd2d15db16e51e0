// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: jason@zgwit.com

package listeners

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"log/slog"
)

// ErrUnixAddressInUse indicates the socket path exists and is not a socket.
var ErrUnixAddressInUse = errors.New("unix socket path is not a socket")

// UnixSock is a listener for establishing client connections on a local
// unix domain socket. A stale socket file left by a previous run is replaced,
// and the socket file is removed again when the listener closes.
type UnixSock struct {
	sync.RWMutex
	id      string       // the internal id of the listener
	address string       // the socket path to bind to
	listen  net.Listener // a net.Listener which will listen for new clients
	log     *slog.Logger // server logger
	end     uint32       // ensure the close methods are only called once
}

// NewUnixSock initialises and returns a new UnixSock listener, listening on a socket path.
func NewUnixSock(config Config) *UnixSock {
	return &UnixSock{
		id:      config.ID,
		address: config.Address,
	}
}

// ID returns the id of the listener.
func (l *UnixSock) ID() string {
	return l.id
}

// Address returns the socket path of the listener.
func (l *UnixSock) Address() string {
	return l.address
}

// Protocol returns the protocol of the listener.
func (l *UnixSock) Protocol() string {
	return "unix"
}

// Init removes any stale socket file and binds the socket path.
func (l *UnixSock) Init(log *slog.Logger) error {
	l.log = log

	if err := removeStaleSocket(l.address); err != nil {
		return fmt.Errorf("unix listener %s: %w", l.id, err)
	}

	var err error
	l.listen, err = net.Listen("unix", l.address)
	if err != nil {
		return fmt.Errorf("unix listener %s: %w", l.id, err)
	}

	return nil
}

// removeStaleSocket removes path if it is a socket. Any other file at the
// path is left alone.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%w: %s", ErrUnixAddressInUse, path)
	}

	return os.Remove(path)
}

// Serve starts waiting for new unix socket connections, and calls the
// establish connection callback for any received.
func (l *UnixSock) Serve(establish EstablishFn) {
	for {
		if atomic.LoadUint32(&l.end) == 1 {
			return
		}

		conn, err := l.listen.Accept()
		if err != nil {
			if atomic.LoadUint32(&l.end) == 0 {
				l.log.Error("unix accept failed", "error", err, "listener", l.id)
			}
			return
		}

		if atomic.LoadUint32(&l.end) == 0 {
			go func() {
				if err := establish(l.id, conn); err != nil {
					l.log.Warn("session ended with error", "error", err, "listener", l.id)
				}
			}()
		}
	}
}

// Close closes the listener and any client connections, and removes the
// socket file.
func (l *UnixSock) Close(closeClients CloseFn) {
	l.Lock()
	defer l.Unlock()

	if atomic.CompareAndSwapUint32(&l.end, 0, 1) {
		closeClients(l.id)
	}

	if l.listen != nil {
		if err := l.listen.Close(); err != nil {
			return
		}
		_ = os.Remove(l.address)
	}
}
