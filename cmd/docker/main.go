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
	"github.com/tethermq/tether/listeners"
)

func main() {
	configFile := flag.String("config", "/tether/config.yaml", "path to server config file")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	done := make(chan bool, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		done <- true
	}()

	options, err := tether.OpenConfigFile(*configFile)
	if err != nil {
		log.Fatal(err)
	}

	server := tether.New(options)
	if options == nil {
		// no config file provided, fall back to a default open broker
		_ = server.AddHook(new(auth.AllowHook), nil)
		err = server.AddListener(listeners.NewTCP(listeners.Config{
			ID:      "t1",
			Address: ":1883",
		}))
		if err != nil {
			log.Fatal(err)
		}
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
