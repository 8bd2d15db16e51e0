// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mqtt provides a minimal MQTT v3.1.1 broker which routes publishes to
// exact-match topic subscribers.
package mqtt

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jinzhu/copier"

	"github.com/tinybroker/server/listeners"
	"github.com/tinybroker/server/system"
)

const (
	Version                       = "1.0.0" // the current server version.
	SysPrefix                     = "$SYS"  // the prefix of the server statistics topics
	defaultSysTopicInterval int64 = 1       // the interval between $SYS topic publishes
	defaultMaximumClients   int64 = 10000   // connected sessions allowed when no limit is configured
)

var (
	ErrListenerIDExists   = errors.New("listener id already exists") // a listener with the same id already exists
	ErrConnectionClosed   = errors.New("connection not open")        // connection is closed
	ErrServerShuttingDown = errors.New("server shutting down")       // the session was closed by a server shutdown
)

// Capabilities indicates the capabilities and limits provided by the server.
type Capabilities struct {
	MaximumClients             int64           `yaml:"maximum_clients" json:"maximum_clients"`                             // maximum number of connected clients
	MaximumClientWritesPending int32           `yaml:"maximum_client_writes_pending" json:"maximum_client_writes_pending"` // maximum number of pending message writes for a client
	MaximumPacketSize          uint32          `yaml:"maximum_packet_size" json:"maximum_packet_size"`                     // maximum packet size, no limit if 0
	Compatibilities            Compatibilities `yaml:"compatibilities" json:"compatibilities"`                             // version compatibilities the server provides
}

// NewDefaultServerCapabilities defines the default features and capabilities provided by the server.
func NewDefaultServerCapabilities() *Capabilities {
	return &Capabilities{
		MaximumClients:             defaultMaximumClients,
		MaximumClientWritesPending: 1024 * 8,
		MaximumPacketSize:          0,
	}
}

// Compatibilities provides flags for using compatibility modes.
type Compatibilities struct {
	RestoreSysInfoOnRestart bool `yaml:"restore_sys_info_on_restart" json:"restore_sys_info_on_restart"` // restore system info from store as if server never stopped
}

// Options contains configurable options for the server.
type Options struct {
	// Listeners specifies any listeners which should be dynamically added on serve. Used when setting listeners by config.
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`

	// Hooks specifies any hooks which should be dynamically added on serve. Used when setting hooks by config.
	Hooks []HookLoadConfig `yaml:"hooks" json:"hooks"`

	// Capabilities defines the server features and behaviour. If you only wish to modify
	// several of these values, set them explicitly - e.g.
	// 	server.Options.Capabilities.MaximumClientWritesPending = 16 * 1024
	Capabilities *Capabilities `yaml:"capabilities" json:"capabilities"`

	// ClientNetReadBufferSize specifies the size of the client *bufio.Reader read buffer.
	ClientNetReadBufferSize int `yaml:"client_net_read_buffer_size" json:"client_net_read_buffer_size"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the servers default logger configuration.
	Logger *slog.Logger `yaml:"-" json:"-"`

	// SysTopicResendInterval specifies the interval between $SYS topic updates in seconds.
	SysTopicResendInterval int64 `yaml:"sys_topic_resend_interval" json:"sys_topic_resend_interval"`
}

// Server is an MQTT broker server. It should be created with server.New()
// in order to ensure all the internal fields are correctly populated.
type Server struct {
	Options   *Options             // configurable server options
	Listeners *listeners.Listeners // listeners are network interfaces which listen for new connections
	Broker    *Broker              // the session set, registry and packet handlers
	attached  *Sessions            // every session running on a listener, connected or not
	Info      *system.Info         // values about the server commonly known as $SYS topics
	Log       *slog.Logger         // minimal no-alloc logger
	hooks     *Hooks               // hooks contains hooks for extra functionality such as auth and persistent storage
	loop      *loop                // loop contains tickers for the system event loop
	done      chan bool            // indicate that the server is ending
}

// loop contains interval tickers for the system events loop.
type loop struct {
	sysTopics *time.Ticker // interval ticker for sending updating $SYS topics
}

// ops contains server values which can be propagated to other structs.
type ops struct {
	options *Options     // a pointer to the server options and capabilities, for referencing in sessions
	info    *system.Info // pointers to server system info
	hooks   *Hooks       // pointer to the server hooks
	log     *slog.Logger // a structured logger for the session
}

// New returns a new instance of mqtt broker. Optional parameters
// can be specified to override some default settings (see Options).
func New(opts *Options) *Server {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	s := &Server{
		done:      make(chan bool),
		Listeners: listeners.New(),
		attached:  NewSessions(),
		Options:   opts,
		Info: &system.Info{
			Version: Version,
			Started: time.Now().Unix(),
		},
		loop: &loop{
			sysTopics: time.NewTicker(time.Second * time.Duration(opts.SysTopicResendInterval)),
		},
		Log: opts.Logger,
		hooks: &Hooks{
			Log: opts.Logger,
		},
	}

	s.Broker = newBroker(&ops{
		options: s.Options,
		info:    s.Info,
		hooks:   s.hooks,
		log:     s.Log,
	})

	return s
}

// ensureDefaults ensures that the server starts with sane default values, if none are provided.
func (o *Options) ensureDefaults() {
	if o.Capabilities == nil {
		o.Capabilities = NewDefaultServerCapabilities()
	}

	if o.Capabilities.MaximumClients <= 0 {
		o.Capabilities.MaximumClients = defaultMaximumClients
	}

	if o.Capabilities.MaximumClientWritesPending == 0 {
		o.Capabilities.MaximumClientWritesPending = 1024 * 8
	}

	if o.SysTopicResendInterval == 0 {
		o.SysTopicResendInterval = defaultSysTopicInterval
	}

	if o.ClientNetReadBufferSize == 0 {
		o.ClientNetReadBufferSize = 1024 * 2
	}

	if o.Logger == nil {
		log := slog.New(slog.NewTextHandler(os.Stdout, nil))
		o.Logger = log
	}
}

// AddHook attaches a new Hook to the server. Ideally, this should be called
// before the server is started with s.Serve(). Each hook receives its own
// copy of the server capabilities.
func (s *Server) AddHook(hook Hook, config any) error {
	caps := new(Capabilities)
	if err := copier.CopyWithOption(caps, s.Options.Capabilities, copier.Option{DeepCopy: true}); err != nil {
		return fmt.Errorf("copy capabilities for hook %s: %w", hook.ID(), err)
	}

	nl := s.Log.With("hook", hook.ID())
	hook.SetOpts(nl, &HookOptions{
		Capabilities: caps,
	})

	s.Log.Info("added hook", "hook", hook.ID())
	return s.hooks.Add(hook, config)
}

// AddHooksFromConfig adds hooks to the server which were specified in the hooks config (usually from a config file).
// New built-in hooks should be added to this list.
func (s *Server) AddHooksFromConfig(hooks []HookLoadConfig) error {
	for _, h := range hooks {
		if err := s.AddHook(h.Hook, h.Config); err != nil {
			return err
		}
	}
	return nil
}

// AddListener adds a new network listener to the server, for receiving incoming client connections.
func (s *Server) AddListener(l listeners.Listener) error {
	if _, ok := s.Listeners.Get(l.ID()); ok {
		return ErrListenerIDExists
	}

	nl := s.Log.With("listener", l.ID())
	err := l.Init(nl)
	if err != nil {
		return err
	}

	s.Listeners.Add(l)

	s.Log.Info("attached listener", "id", l.ID(), "protocol", l.Protocol(), "address", l.Address())
	return nil
}

// AddListenersFromConfig adds listeners to the server which were specified in the listeners config (usually from a config file).
// New built-in listeners should be added to this list.
func (s *Server) AddListenersFromConfig(configs []listeners.Config) error {
	for _, conf := range configs {
		var l listeners.Listener
		switch strings.ToLower(conf.Type) {
		case listeners.TypeTCP:
			l = listeners.NewTCP(conf)
		case listeners.TypeWS:
			l = listeners.NewWebsocket(conf)
		case listeners.TypeUnix:
			l = listeners.NewUnixSock(conf)
		case listeners.TypeHealthCheck:
			l = listeners.NewHTTPHealthCheck(conf, s.Info)
		case listeners.TypeSysInfo:
			l = listeners.NewHTTPStats(conf, s.Info)
		case listeners.TypeMock:
			l = listeners.NewMockListener(conf.ID, conf.Address)
		default:
			s.Log.Error("listener type unavailable by config", "listener", conf.Type)
			continue
		}
		if err := s.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

// Serve starts the event loops responsible for establishing client connections
// on all attached listeners, publishing the system topics, and starting all hooks.
func (s *Server) Serve() error {
	s.Log.Info("tinybroker starting", "version", Version)
	defer s.Log.Info("tinybroker server started")

	if len(s.Options.Listeners) > 0 {
		err := s.AddListenersFromConfig(s.Options.Listeners)
		if err != nil {
			return err
		}
	}

	if len(s.Options.Hooks) > 0 {
		err := s.AddHooksFromConfig(s.Options.Hooks)
		if err != nil {
			return err
		}
	}

	if s.hooks.Provides(
		StoredSessions,
		StoredSubscriptions,
		StoredSysInfo,
	) {
		err := s.readStore()
		if err != nil {
			return err
		}
	}

	go s.eventLoop()                            // spin up event loop for issuing $SYS values and closing server.
	s.Listeners.ServeAll(s.EstablishConnection) // start listening on all listeners.
	s.publishSysTopics()                        // begin publishing $SYS system values.
	s.hooks.OnStarted()

	return nil
}

// eventLoop loops forever, running various server housekeeping methods at different intervals.
func (s *Server) eventLoop() {
	s.Log.Debug("system event loop started")
	defer s.Log.Debug("system event loop halted")

	for {
		select {
		case <-s.done:
			s.loop.sysTopics.Stop()
			return
		case <-s.loop.sysTopics.C:
			s.publishSysTopics()
		}
	}
}

// EstablishConnection establishes a new session when a listener accepts a new connection.
func (s *Server) EstablishConnection(listener string, c net.Conn) error {
	sess := s.Broker.NewSession(c, listener)
	return s.attachSession(sess)
}

// attachSession runs the session until its connection ends. The reader runs on
// the calling goroutine and the outbound writer on its own.
func (s *Server) attachSession(sess *Session) error {
	s.Listeners.ClientsWg.Add(1)
	defer s.Listeners.ClientsWg.Done()

	s.attached.Add(sess)
	defer s.attached.Delete(sess)

	select {
	case <-s.done:
		sess.Close(ErrServerShuttingDown)
	default:
	}

	go sess.WriteLoop()

	err := sess.Read(s.Broker.Dispatch)
	if err != nil {
		s.Broker.HandleError(sess, err)
	}

	sess.Close(ErrConnectionClosed)
	s.Log.Debug("session disconnected", "client", sess.ID, "remote", sess.Net.Remote, "listener", sess.Net.Listener, "cause", sess.StopCause())

	if err != nil && !errors.Is(err, net.ErrClosed) && !isEOF(err) {
		return err
	}

	return nil
}

// Publish publishes a publish packet into the broker as if it were sent from
// the server itself, returning the number of sessions it was queued for.
func (s *Server) Publish(topic string, payload []byte, qos byte) int {
	return s.Broker.Publish(topic, payload, qos)
}

// publishSysTopics publishes the current values to the server $SYS topics.
// Due to the int to string conversions this method is not as cheap as
// some of the others so the publishing interval should be set appropriately.
func (s *Server) publishSysTopics() {
	s.Info.Refresh(time.Now().Unix())
	atomic.StoreInt64(&s.Info.ClientsDisconnected, atomic.LoadInt64(&s.Info.ClientsTotal)-atomic.LoadInt64(&s.Info.ClientsConnected))

	info := s.Info.Clone()
	topics := map[string]string{
		SysPrefix + "/broker/version":              s.Info.Version,
		SysPrefix + "/broker/time":                 Int64toa(info.Time),
		SysPrefix + "/broker/uptime":               Int64toa(info.Uptime),
		SysPrefix + "/broker/started":              Int64toa(info.Started),
		SysPrefix + "/broker/load/bytes/received":  Int64toa(info.BytesReceived),
		SysPrefix + "/broker/load/bytes/sent":      Int64toa(info.BytesSent),
		SysPrefix + "/broker/clients/connected":    Int64toa(info.ClientsConnected),
		SysPrefix + "/broker/clients/disconnected": Int64toa(info.ClientsDisconnected),
		SysPrefix + "/broker/clients/maximum":      Int64toa(info.ClientsMaximum),
		SysPrefix + "/broker/clients/total":        Int64toa(info.ClientsTotal),
		SysPrefix + "/broker/packets/received":     Int64toa(info.PacketsReceived),
		SysPrefix + "/broker/packets/sent":         Int64toa(info.PacketsSent),
		SysPrefix + "/broker/messages/received":    Int64toa(info.MessagesReceived),
		SysPrefix + "/broker/messages/sent":        Int64toa(info.MessagesSent),
		SysPrefix + "/broker/messages/dropped":     Int64toa(info.MessagesDropped),
		SysPrefix + "/broker/subscriptions":        Int64toa(info.Subscriptions),
		SysPrefix + "/broker/system/memory":        Int64toa(info.MemoryAlloc),
		SysPrefix + "/broker/system/rss":           Int64toa(info.MemoryRSS),
		SysPrefix + "/broker/system/threads":       Int64toa(info.Threads),
	}

	keys := make([]string, 0, len(topics))
	for topic := range topics {
		keys = append(keys, topic)
	}
	sort.Strings(keys)

	for _, topic := range keys {
		s.Broker.Publish(topic, []byte(topics[topic]), 0)
	}

	s.hooks.OnSysInfoTick(info)
}

// Close attempts to gracefully shut down the server, all listeners, sessions, and stores.
func (s *Server) Close() error {
	close(s.done)
	s.Log.Info("gracefully stopping server")
	s.Listeners.CloseAll(s.closeListenerSessions)
	s.hooks.OnStopped()
	s.hooks.Stop()

	s.Log.Info("tinybroker server stopped")
	return nil
}

// closeListenerSessions closes all sessions on the specified listener,
// including those which have not yet sent CONNECT.
func (s *Server) closeListenerSessions(listener string) {
	for _, sess := range s.attached.GetByListener(listener) {
		sess.Close(ErrServerShuttingDown)
	}
}

// readStore reads in any data from the persistent datastore (if applicable).
// Sessions and subscriptions are never restored; only their presence is
// reported. System counters are restored when RestoreSysInfoOnRestart is set.
func (s *Server) readStore() error {
	if s.hooks.Provides(StoredSessions) {
		sessions, err := s.hooks.StoredSessions()
		if err != nil {
			return fmt.Errorf("failed to load sessions; %w", err)
		}
		s.Log.Debug("journal sessions from previous run", "len", len(sessions))
	}

	if s.hooks.Provides(StoredSubscriptions) {
		subs, err := s.hooks.StoredSubscriptions()
		if err != nil {
			return fmt.Errorf("load subscriptions; %w", err)
		}
		s.Log.Debug("journal subscriptions from previous run", "len", len(subs))
	}

	if s.hooks.Provides(StoredSysInfo) {
		sysInfo, err := s.hooks.StoredSysInfo()
		if err != nil {
			return fmt.Errorf("load server info; %w", err)
		}
		s.loadServerInfo(sysInfo.Info)
	}

	return nil
}

// loadServerInfo restores server info from the datastore.
func (s *Server) loadServerInfo(v system.Info) {
	if !s.Options.Capabilities.Compatibilities.RestoreSysInfoOnRestart {
		return
	}

	atomic.StoreInt64(&s.Info.BytesReceived, v.BytesReceived)
	atomic.StoreInt64(&s.Info.BytesSent, v.BytesSent)
	atomic.StoreInt64(&s.Info.ClientsMaximum, v.ClientsMaximum)
	atomic.StoreInt64(&s.Info.ClientsTotal, v.ClientsTotal)
	atomic.StoreInt64(&s.Info.ClientsDisconnected, v.ClientsDisconnected)
	atomic.StoreInt64(&s.Info.MessagesReceived, v.MessagesReceived)
	atomic.StoreInt64(&s.Info.MessagesSent, v.MessagesSent)
	atomic.StoreInt64(&s.Info.MessagesDropped, v.MessagesDropped)
	atomic.StoreInt64(&s.Info.PacketsReceived, v.PacketsReceived)
	atomic.StoreInt64(&s.Info.PacketsSent, v.PacketsSent)
}

// isEOF returns true if the error marks the orderly end of a connection.
func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, ErrConnectionClosed)
}

// Int64toa converts an int64 to a string.
func Int64toa(v int64) string {
	return strconv.FormatInt(v, 10)
}
