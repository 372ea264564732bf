package main

import (
	"flag"
	"fmt"

	"github.com/samsamfire/gocanhack/pkg/config"
	"github.com/samsamfire/gocanhack/pkg/engine"
	"github.com/samsamfire/gocanhack/pkg/http"
	"github.com/samsamfire/gocanhack/pkg/port/virtual"
	log "github.com/sirupsen/logrus"
)

var DEFAULT_PROFILE = "sim"
var DEFAULT_HTTP_PORT = 8090
var DEFAULT_CHANNEL = "sim0"

func main() {
	log.SetLevel(log.DebugLevel)
	// Command line arguments
	profileName := flag.String("t", DEFAULT_PROFILE, "timing profile name e.g. sim,pico")
	profilePath := flag.String("p", "", "timing profile file path, embedded profiles are used when empty")
	channel := flag.String("c", DEFAULT_CHANNEL, "channel name the engine is exposed under")
	port := flag.Int("a", DEFAULT_HTTP_PORT, "gateway listen port")
	flag.Parse()

	profiles := config.Default()
	if *profilePath != "" {
		var err error
		profiles, err = config.Parse(*profilePath)
		if err != nil {
			panic(err)
		}
	}
	timings, err := profiles.Timings(*profileName)
	if err != nil {
		panic(err)
	}

	// The demo engine runs on the simulated wire, a real deployment swaps in
	// a hardware port implementation
	eng := engine.NewCanHack(virtual.NewWire(nil), timings, nil)
	eng.SetTimeout(10_000_000)

	gateway := http.NewGatewayServer()
	gateway.AddChannel(*channel, eng)
	log.Infof("[MAIN] listening on :%v, channel %v, profile %v", *port, *channel, *profileName)
	err = gateway.ListenAndServe(fmt.Sprintf(":%d", *port))
	if err != nil {
		panic(err)
	}
}
