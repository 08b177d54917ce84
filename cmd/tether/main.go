// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tethermq/tether"
	"github.com/tethermq/tether/hooks/auth"
	"github.com/tethermq/tether/hooks/debug"
	"github.com/tethermq/tether/listeners"
)

func main() {
	tcpAddr := flag.String("tcp", ":1883", "network address for TCP listener")
	wsAddr := flag.String("ws", ":1882", "network address for Websocket listener")
	infoAddr := flag.String("info", ":8080", "network address for web info dashboard listener")
	verbose := flag.Bool("debug", false, "log low-level packet activity")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	done := make(chan bool, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		done <- true
	}()

	server := tether.New(nil)
	_ = server.AddHook(new(auth.AllowHook), nil)

	if *verbose {
		err := server.AddHook(new(debug.Hook), &debug.Options{
			ShowPacketData: true,
		})
		if err != nil {
			log.Fatal(err)
		}
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "t1",
		Address: *tcpAddr,
	})
	err := server.AddListener(tcp)
	if err != nil {
		log.Fatal(err)
	}

	ws := listeners.NewWebsocket(listeners.Config{
		ID:      "ws1",
		Address: *wsAddr,
	})
	err = server.AddListener(ws)
	if err != nil {
		log.Fatal(err)
	}

	stats := listeners.NewHTTPStats(listeners.Config{
		ID:      "stats",
		Address: *infoAddr,
	}, server.Info)
	err = server.AddListener(stats)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		err := server.Serve()
		if err != nil {
			log.Fatal(err)
		}
	}()

	<-done
	server.Log.Warn("caught signal, stopping...")
	_ = server.Close()
	server.Log.Info("main.go finished")
}
