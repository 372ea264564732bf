package http

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/jpillora/maplock"
	canhack "github.com/samsamfire/gocanhack"
	"github.com/samsamfire/gocanhack/pkg/engine"
	log "github.com/sirupsen/logrus"
)

// One lock per channel name, a primitive owns the wire until it returns
var locks = maplock.New()

// Wrapper around [http.ResponseWriter] but keeps track of any writes already done
// This allows us to perform default behaviour if handler has not already sent a response
// Handlers receive it by value, the flag is shared through a pointer so the
// copies all report to the same request
type doneWriter struct {
	http.ResponseWriter
	done *bool
}

// Handle a [GatewayRequest]
type GatewayRequestHandler func(w doneWriter, req *GatewayRequest) error

func (w *doneWriter) WriteHeader(status int) {
	*w.done = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *doneWriter) Write(b []byte) (int, error) {
	*w.done = true
	return w.ResponseWriter.Write(b)
}

// Create a new sanitized api request object from raw http request
func NewGatewayRequestFromRaw(r *http.Request) (*GatewayRequest, error) {
	match := regURI.FindStringSubmatch(r.URL.Path)
	if len(match) != 5 {
		log.Error("[HTTP][SERVER] request does not match a known API pattern")
		return nil, ErrGwSyntaxError
	}
	apiVersion := match[1]
	if apiVersion != API_VERSION {
		log.Errorf("[HTTP][SERVER] api version %v is not supported", apiVersion)
		return nil, ErrGwRequestNotSupported
	}
	sequence, err := strconv.Atoi(match[2])
	if err != nil || sequence > MAX_SEQUENCE_NB {
		log.Errorf("[HTTP][SERVER] error processing sequence number %v", match[2])
		return nil, ErrGwSyntaxError
	}

	// Unmarshall request body
	var parameters json.RawMessage
	err = json.NewDecoder(r.Body).Decode(&parameters)
	if err != nil && err != io.EOF {
		log.Warnf("[HTTP][SERVER] failed to unmarshal request body : %v", err)
		return nil, ErrGwSyntaxError
	}
	request := &GatewayRequest{
		channel:    match[3],
		command:    match[4],
		sequence:   uint32(sequence),
		parameters: parameters,
	}
	return request, nil
}

// Default handler of any HTTP gateway request
// This parses a typical request and forwards it to the correct handler
func (gateway *GatewayServer) handleRequest(w http.ResponseWriter, raw *http.Request) {
	log.Debugf("[HTTP][SERVER] new request : %v", raw.URL)
	req, err := NewGatewayRequestFromRaw(raw)
	if err != nil {
		w.Write(NewResponseError(0, err))
		return
	}
	// An api command (URI) is in the form /command/sub-command/... etc...
	// We first check inside a map that the full command is present inside of a
	// handler map. If full command is not found we then check again
	// but with truncated command up to the first "/".
	var route GatewayRequestHandler
	route, ok := gateway.routes[req.command]
	if !ok {
		indexFirstSep := strings.Index(req.command, "/")
		var firstCommand string
		if indexFirstSep != -1 {
			firstCommand = req.command[:indexFirstSep]
		} else {
			firstCommand = req.command
		}
		route, ok = gateway.routes[firstCommand]
		if !ok {
			log.Debugf("[HTTP][SERVER] no handler found for : '%v' or '%v'", req.command, firstCommand)
			w.Write(NewResponseError(int(req.sequence), ErrGwRequestNotSupported))
			return
		}
	}
	// Stop must reach a channel whose primitive is still running, so it
	// skips the channel lock. Everything else queues.
	if req.command != "stop" {
		locks.Lock(req.channel)
		defer locks.Unlock(req.channel)
	}
	// Process the actual command
	dw := doneWriter{ResponseWriter: w, done: new(bool)}
	err = route(dw, req)
	if err != nil {
		w.Write(NewResponseError(int(req.sequence), err))
		return
	}
	if !*dw.done {
		// No response specific command has been given, reply with default success
		dw.Write(NewResponseSuccess(int(req.sequence)))
	}
}

func (gateway *GatewayServer) engine(req *GatewayRequest) (*engine.CanHack, error) {
	eng, ok := gateway.channels[req.channel]
	if !ok {
		log.Errorf("[HTTP][SERVER] no channel named '%v'", req.channel)
		return nil, ErrGwUnsupportedChannel
	}
	return eng, nil
}

// Parse a numeric string field, 0x prefixed values are allowed. An empty
// string parses as 0 so optional fields can be omitted.
func parseField(value string, bitSize int) (uint64, error) {
	if value == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(value, 0, bitSize)
	if err != nil {
		return 0, ErrGwSyntaxError
	}
	return v, nil
}

func parseData(value string) ([]byte, error) {
	raw := strings.TrimPrefix(value, "0x")
	if raw == "" {
		return []byte{}, nil
	}
	data, err := hex.DecodeString(raw)
	if err != nil {
		return nil, ErrGwSyntaxError
	}
	return data, nil
}

func (gw *GatewayServer) handleSetFrame(w doneWriter, req *GatewayRequest) error {
	eng, err := gw.engine(req)
	if err != nil {
		return err
	}
	var fr FrameRequest
	if err := json.Unmarshal(req.parameters, &fr); err != nil {
		return ErrGwSyntaxError
	}
	idA, err := parseField(fr.IdA, 32)
	if err != nil {
		return err
	}
	idB, err := parseField(fr.IdB, 32)
	if err != nil {
		return err
	}
	dlc, err := parseField(fr.Dlc, 32)
	if err != nil {
		return err
	}
	data, err := parseData(fr.Data)
	if err != nil {
		return err
	}
	err = eng.SetFrame(uint32(idA), uint32(idB), fr.Rtr, fr.Ide, uint32(dlc), data, fr.Second, fr.Fd, fr.Brs, fr.Esi)
	if err != nil {
		log.Errorf("[HTTP][SERVER] frame rejected : %v", err)
		return ErrGwIllegalFrame
	}
	return nil
}

func (gw *GatewayServer) handleGetFrame(w doneWriter, req *GatewayRequest) error {
	eng, err := gw.engine(req)
	if err != nil {
		return err
	}
	var fr SendRequest
	if len(req.parameters) > 0 {
		if err := json.Unmarshal(req.parameters, &fr); err != nil {
			return ErrGwSyntaxError
		}
	}
	f := eng.GetFrame(fr.Second)
	if !f.FrameSet {
		return ErrGwFrameNotSet
	}
	var bits strings.Builder
	for i := uint16(0); i < f.TxBits; i++ {
		bits.WriteByte('0' + f.TxBitstream[i])
	}
	resp := FrameResponse{
		Sequence:   strconv.Itoa(int(req.sequence)),
		Response:   "OK",
		Bits:       bits.String(),
		TxBits:     int(f.TxBits),
		Fd:         f.Fd,
		Brs:        f.Brs,
		StuffCount: int(f.StuffCount),
	}
	respRaw, err := json.Marshal(resp)
	if err != nil {
		return ErrGwRequestNotProcessed
	}
	w.Write(respRaw)
	return nil
}

func (gw *GatewayServer) handleSetMasks(w doneWriter, req *GatewayRequest) error {
	eng, err := gw.engine(req)
	if err != nil {
		return err
	}
	if !eng.GetFrame(false).FrameSet {
		return ErrGwFrameNotSet
	}
	eng.SetAttackMasks()
	return nil
}

func (gw *GatewayServer) handleSetTimeout(w doneWriter, req *GatewayRequest) error {
	eng, err := gw.engine(req)
	if err != nil {
		return err
	}
	var timeout TimeoutRequest
	if err := json.Unmarshal(req.parameters, &timeout); err != nil {
		return ErrGwSyntaxError
	}
	value, err := parseField(timeout.Value, 32)
	if err != nil {
		return err
	}
	eng.SetTimeout(uint32(value))
	return nil
}

func (gw *GatewayServer) handleSend(w doneWriter, req *GatewayRequest) error {
	eng, err := gw.engine(req)
	if err != nil {
		return err
	}
	var send SendRequest
	if len(req.parameters) > 0 {
		if err := json.Unmarshal(req.parameters, &send); err != nil {
			return ErrGwSyntaxError
		}
	}
	retries, err := parseField(send.Retries, 32)
	if err != nil {
		return err
	}
	if !eng.GetFrame(send.Second).FrameSet {
		return ErrGwFrameNotSet
	}
	if !eng.SendFrame(uint32(retries), send.Second) {
		return ErrGwPrimitiveFailed
	}
	return nil
}

func parseJanusTimes(syncTime, splitTime, syncTimeFd, splitTimeFd, retries string) (times [4]canhack.Ctr, nRetries uint32, err error) {
	fields := []string{syncTime, splitTime, syncTimeFd, splitTimeFd}
	for i, field := range fields {
		v, err := parseField(field, 32)
		if err != nil {
			return times, 0, err
		}
		times[i] = canhack.Ctr(v)
	}
	v, err := parseField(retries, 32)
	if err != nil {
		return times, 0, err
	}
	return times, uint32(v), nil
}

func (gw *GatewayServer) handleSendJanus(w doneWriter, req *GatewayRequest) error {
	eng, err := gw.engine(req)
	if err != nil {
		return err
	}
	var janus JanusRequest
	if err := json.Unmarshal(req.parameters, &janus); err != nil {
		return ErrGwSyntaxError
	}
	times, retries, err := parseJanusTimes(janus.SyncTime, janus.SplitTime, janus.SyncTimeFd, janus.SplitTimeFd, janus.Retries)
	if err != nil {
		return err
	}
	if !eng.GetFrame(false).FrameSet || !eng.GetFrame(true).FrameSet {
		return ErrGwFrameNotSet
	}
	if !eng.SendJanusFrame(times[0], times[1], times[2], times[3], retries) {
		return ErrGwPrimitiveFailed
	}
	return nil
}

func (gw *GatewayServer) handleSpoof(w doneWriter, req *GatewayRequest) error {
	eng, err := gw.engine(req)
	if err != nil {
		return err
	}
	var spoof SpoofRequest
	if err := json.Unmarshal(req.parameters, &spoof); err != nil {
		return ErrGwSyntaxError
	}
	times, retries, err := parseJanusTimes(spoof.SyncTime, spoof.SplitTime, spoof.SyncTimeFd, spoof.SplitTimeFd, spoof.Retries)
	if err != nil {
		return err
	}
	if !eng.GetFrame(false).FrameSet {
		return ErrGwFrameNotSet
	}
	if !eng.SpoofFrame(spoof.Janus, times[0], times[1], times[2], times[3], retries) {
		return ErrGwPrimitiveFailed
	}
	return nil
}

func (gw *GatewayServer) handleSpoofPassive(w doneWriter, req *GatewayRequest) error {
	eng, err := gw.engine(req)
	if err != nil {
		return err
	}
	var spoof SpoofPassiveRequest
	if err := json.Unmarshal(req.parameters, &spoof); err != nil {
		return ErrGwSyntaxError
	}
	offset, err := parseField(spoof.LoopbackOffset, 32)
	if err != nil {
		return err
	}
	if !eng.GetFrame(false).FrameSet {
		return ErrGwFrameNotSet
	}
	if !eng.SpoofFrameErrorPassive(canhack.Ctr(offset)) {
		return ErrGwPrimitiveFailed
	}
	return nil
}

func (gw *GatewayServer) handleErrorAttack(w doneWriter, req *GatewayRequest) error {
	eng, err := gw.engine(req)
	if err != nil {
		return err
	}
	var attack ErrorAttackRequest
	if err := json.Unmarshal(req.parameters, &attack); err != nil {
		return ErrGwSyntaxError
	}
	repeat, err := parseField(attack.Repeat, 32)
	if err != nil {
		return err
	}
	eofMask, err := parseField(attack.EofMask, 32)
	if err != nil {
		return err
	}
	eofMatch, err := parseField(attack.EofMatch, 32)
	if err != nil {
		return err
	}
	if !eng.GetFrame(false).FrameSet {
		return ErrGwFrameNotSet
	}
	if !eng.ErrorAttack(uint32(repeat), attack.InjectError, uint32(eofMask), uint32(eofMatch)) {
		return ErrGwPrimitiveFailed
	}
	return nil
}

func (gw *GatewayServer) handleSquareWave(w doneWriter, req *GatewayRequest) error {
	eng, err := gw.engine(req)
	if err != nil {
		return err
	}
	eng.SendSquareWave()
	return nil
}

func (gw *GatewayServer) handleLoopback(w doneWriter, req *GatewayRequest) error {
	eng, err := gw.engine(req)
	if err != nil {
		return err
	}
	var loopback LoopbackRequest
	if len(req.parameters) > 0 {
		if err := json.Unmarshal(req.parameters, &loopback); err != nil {
			return ErrGwSyntaxError
		}
	}
	eng.Loopback(loopback.Fd)
	return nil
}

func (gw *GatewayServer) handleStop(w doneWriter, req *GatewayRequest) error {
	eng, err := gw.engine(req)
	if err != nil {
		return err
	}
	eng.Stop()
	return nil
}
