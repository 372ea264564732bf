package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

type GatewayClient struct {
	client            *http.Client
	baseURL           string
	apiVersion        string
	currentSequenceNb int
	channel           string
}

func NewGatewayClient(baseURL string, apiVersion string, channel string) *GatewayClient {
	return &GatewayClient{
		client:     &http.Client{},
		baseURL:    baseURL,
		channel:    channel,
		apiVersion: apiVersion,
	}
}

// Extract error if any inside of reponse
func (resp *GatewayResponse) GetError() error {
	// Check if any gateway errors
	if !strings.HasPrefix(resp.Response, "ERROR:") {
		return nil
	}
	responseSplitted := strings.Split(resp.Response, ":")
	if len(responseSplitted) != 2 {
		return fmt.Errorf("error decoding error field ('ERROR:' : %v)", resp.Response)
	}
	var errorCode uint64
	errorCode, err := strconv.ParseUint(responseSplitted[1], 0, 64)
	if err != nil {
		return fmt.Errorf("error decoding error field ('ERROR:' : %v)", err)
	}
	return NewGatewayError(int(errorCode))
}

// HTTP request to the gateway
// Does high level error checking : http related errors, json decode errors
// or wrong sequence number
func (client *GatewayClient) do(method string, command string, body any) (resp *GatewayResponse, raw []byte, err error) {
	client.currentSequenceNb += 1
	uri := client.baseURL + "/canhack" + fmt.Sprintf("/%s/%d/%s/%s", client.apiVersion, client.currentSequenceNb, client.channel, command)
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, uri, reader)
	if err != nil {
		log.Errorf("[HTTP][CLIENT] http error : %v", err)
		return nil, nil, err
	}
	// HTTP request
	httpResp, err := client.client.Do(req)
	if err != nil {
		log.Errorf("[HTTP][CLIENT] http error : %v", err)
		return nil, nil, err
	}
	defer httpResp.Body.Close()
	raw, err = io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, nil, err
	}
	// Decode JSON "generic" response
	jsonRsp := new(GatewayResponse)
	err = json.Unmarshal(raw, jsonRsp)
	if err != nil {
		log.Errorf("[HTTP][CLIENT] error decoding json response : %v", err)
		return nil, nil, err
	}
	// Check if sequence number is correct
	sequence, err := strconv.Atoi(jsonRsp.Sequence)
	if client.currentSequenceNb != sequence || err != nil {
		log.Errorf("[HTTP][CLIENT][SEQ:%v] sequence number does not match expected value (%v)", jsonRsp.Sequence, client.currentSequenceNb)
		return nil, nil, fmt.Errorf("error in sequence number")
	}
	return jsonRsp, raw, nil
}

// command sends a request and returns the gateway error, if any
func (client *GatewayClient) command(command string, body any) error {
	resp, _, err := client.do(http.MethodPut, command, body)
	if err != nil {
		return err
	}
	return resp.GetError()
}

// SetFrame loads one of the two frame slots
func (client *GatewayClient) SetFrame(frame FrameRequest) error {
	return client.command("set/frame", frame)
}

// GetFrame reads back an encoded frame slot
func (client *GatewayClient) GetFrame(second bool) (*FrameResponse, error) {
	resp, raw, err := client.do(http.MethodGet, "get/frame", SendRequest{Second: second})
	if err != nil {
		return nil, err
	}
	if err := resp.GetError(); err != nil {
		return nil, err
	}
	frameResp := new(FrameResponse)
	if err := json.Unmarshal(raw, frameResp); err != nil {
		return nil, err
	}
	return frameResp, nil
}

// SetMasks arms the attack masks from frame 1
func (client *GatewayClient) SetMasks() error {
	return client.command("set/masks", nil)
}

// SetTimeout arms the engine watchdog
func (client *GatewayClient) SetTimeout(timeout uint32) error {
	return client.command("set/timeout", TimeoutRequest{Value: strconv.FormatUint(uint64(timeout), 10)})
}

// Send transmits a frame slot
func (client *GatewayClient) Send(retries uint32, second bool) error {
	return client.command("send", SendRequest{Retries: strconv.FormatUint(uint64(retries), 10), Second: second})
}

// SendJanus transmits both slots as one dual interpretation frame
func (client *GatewayClient) SendJanus(janus JanusRequest) error {
	return client.command("send/janus", janus)
}

// Spoof waits for the target identifier, then transmits frame 1 (or the Janus
// pair) at the next arbitration window
func (client *GatewayClient) Spoof(spoof SpoofRequest) error {
	return client.command("spoof", spoof)
}

// SpoofPassive overwrites a frame transmitted by an error passive victim
func (client *GatewayClient) SpoofPassive(loopbackOffset uint32) error {
	return client.command("spoof/passive", SpoofPassiveRequest{LoopbackOffset: strconv.FormatUint(uint64(loopbackOffset), 10)})
}

// ErrorAttack injects error frames into matching target frames
func (client *GatewayClient) ErrorAttack(attack ErrorAttackRequest) error {
	return client.command("attack/error", attack)
}

// SquareWave transmits the test square wave
func (client *GatewayClient) SquareWave() error {
	return client.command("wave", nil)
}

// Loopback mirrors RX onto the debug pin
func (client *GatewayClient) Loopback(fd bool) error {
	return client.command("loopback", LoopbackRequest{Fd: fd})
}

// Stop makes the running primitive give up
func (client *GatewayClient) Stop() error {
	return client.command("stop", nil)
}
