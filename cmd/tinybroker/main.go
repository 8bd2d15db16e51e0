// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	mqtt "github.com/tinybroker/server"
	"github.com/tinybroker/server/config"
	"github.com/tinybroker/server/listeners"
)

func main() {
	tcpAddr := flag.String("tcp", ":1883", "network address for TCP listener")
	wsAddr := flag.String("ws", ":1882", "network address for Websocket listener")
	infoAddr := flag.String("info", ":8080", "network address for web info dashboard listener")
	path := flag.String("config", "", "path to a YAML or JSON config file; replaces the listener flags")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	done := make(chan bool, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		done <- true
	}()

	fmt.Println(color.MagentaString("tinybroker %s initializing...", mqtt.Version))

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	var server *mqtt.Server
	var err error
	if *path != "" {
		server, err = configureFromFile(*path, logger)
	} else {
		server, err = configureFromFlags(*tcpAddr, *wsAddr, *infoAddr, logger)
	}
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		err := server.Serve()
		if err != nil {
			log.Fatal(err)
		}
	}()
	fmt.Println(color.New(color.BgMagenta, color.FgWhite).Sprint("  Started!  "))

	<-done
	fmt.Println(color.New(color.BgRed, color.FgWhite).Sprint("  Caught Signal  "))

	_ = server.Close()
	fmt.Println(color.New(color.BgGreen, color.FgBlack).Sprint("  Finished  "))
}

// configureFromFile builds a server from a config file. Listeners and hooks
// named in the file are attached when the server starts.
func configureFromFile(path string, logger *slog.Logger) (*mqtt.Server, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	opts, err := config.FromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if opts == nil {
		opts = new(mqtt.Options)
	}
	opts.Logger = logger

	return mqtt.New(opts), nil
}

// configureFromFlags builds a server with a tcp, websocket and stats listener.
func configureFromFlags(tcpAddr, wsAddr, infoAddr string, logger *slog.Logger) (*mqtt.Server, error) {
	server := mqtt.New(&mqtt.Options{
		Logger: logger,
	})

	tcp := listeners.NewTCP(listeners.Config{
		Type:    listeners.TypeTCP,
		ID:      "t1",
		Address: tcpAddr,
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, err
	}

	ws := listeners.NewWebsocket(listeners.Config{
		Type:    listeners.TypeWS,
		ID:      "ws1",
		Address: wsAddr,
	})
	if err := server.AddListener(ws); err != nil {
		return nil, err
	}

	stats := listeners.NewHTTPStats(listeners.Config{
		Type:    listeners.TypeSysInfo,
		ID:      "info",
		Address: infoAddr,
	}, server.Info)
	if err := server.AddListener(stats); err != nil {
		return nil, err
	}

	return server, nil
}
