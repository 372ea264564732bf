package http

import (
	"net/http"
	"regexp"

	"github.com/samsamfire/gocanhack/pkg/engine"
)

const API_VERSION = "1.0"
const MAX_SEQUENCE_NB = 2<<31 - 1
const URI_PATTERN = `/canhack/(\d+\.\d+)/(\d{1,10})/([a-z0-9_\-]{1,32})/(.*)`

var regURI = regexp.MustCompile(URI_PATTERN)

// GatewayServer exposes the engine primitives over JSON / HTTP. Every engine
// instance is registered under a channel name, commands on one channel are
// serialized because a running primitive monopolises its wire.
type GatewayServer struct {
	serveMux *http.ServeMux
	routes   map[string]GatewayRequestHandler
	channels map[string]*engine.CanHack
}

// Create a new gateway
func NewGatewayServer() *GatewayServer {
	gw := &GatewayServer{
		channels: make(map[string]*engine.CanHack),
		routes:   make(map[string]GatewayRequestHandler),
	}
	gw.serveMux = http.NewServeMux()
	gw.serveMux.HandleFunc("/", gw.handleRequest) // This base route handles all the requests

	gw.addRoute("set/frame", gw.handleSetFrame)
	gw.addRoute("get/frame", gw.handleGetFrame)
	gw.addRoute("set/masks", gw.handleSetMasks)
	gw.addRoute("set/timeout", gw.handleSetTimeout)
	gw.addRoute("send", gw.handleSend)
	gw.addRoute("send/janus", gw.handleSendJanus)
	gw.addRoute("spoof", gw.handleSpoof)
	gw.addRoute("spoof/passive", gw.handleSpoofPassive)
	gw.addRoute("attack/error", gw.handleErrorAttack)
	gw.addRoute("wave", gw.handleSquareWave)
	gw.addRoute("loopback", gw.handleLoopback)
	gw.addRoute("stop", gw.handleStop)

	return gw
}

// AddChannel registers an engine under a channel name. Channels must be
// registered before serving.
func (g *GatewayServer) AddChannel(name string, eng *engine.CanHack) {
	g.channels[name] = eng
}

// Process server, blocking
func (gateway *GatewayServer) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, gateway.serveMux)
}

// Add a route to the server for handling a specific command
func (g *GatewayServer) addRoute(command string, handler GatewayRequestHandler) {
	g.routes[command] = handler
}
