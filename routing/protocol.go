package routing

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/yllada/proxy-tunnel/common"
)

// Action names a routing daemon request or response.
type Action string

const (
	ActionConfigureRouting Action = "configureRouting"
	ActionResetRouting     Action = "resetRouting"
	ActionStatusChanged    Action = "statusChanged"
)

// StatusCode is the daemon's verdict on a request.
type StatusCode int

const (
	StatusSuccess                 StatusCode = 0
	StatusGenericFailure          StatusCode = 1
	StatusUnsupportedRoutingTable StatusCode = 2
)

// Request is sent by the client.
type Request struct {
	Action     Action         `json:"action"`
	Parameters map[string]any `json:"parameters"`
}

// Response is sent by the daemon, either as the answer to a request or
// pushed unsolicited.
type Response struct {
	Action           Action              `json:"action"`
	StatusCode       StatusCode          `json:"statusCode"`
	ErrorMessage     string              `json:"errorMessage,omitempty"`
	ConnectionStatus common.TunnelStatus `json:"connectionStatus"`
}

func configureRequest(proxyIP string, isAutoConnect bool) Request {
	return Request{
		Action: ActionConfigureRouting,
		Parameters: map[string]any{
			"proxyIp":       proxyIP,
			"isAutoConnect": isAutoConnect,
		},
	}
}

func resetRequest() Request {
	return Request{Action: ActionResetRouting, Parameters: map[string]any{}}
}

// frameDecoder splits the daemon's byte stream into JSON values. The
// daemon writes values back to back without a delimiter, and a single
// read may carry a partial value or several.
type frameDecoder struct {
	buf []byte
}

// feed appends b and returns every complete response. Values that are not
// valid responses are returned in bad; a syntax error drops everything
// buffered so the stream can resynchronise on the next write.
func (d *frameDecoder) feed(b []byte) (msgs []Response, bad [][]byte) {
	d.buf = append(d.buf, b...)
	for {
		d.buf = bytes.TrimLeft(d.buf, " \t\r\n")
		if len(d.buf) == 0 {
			d.buf = nil
			return msgs, bad
		}

		dec := json.NewDecoder(bytes.NewReader(d.buf))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return msgs, bad
			}
			bad = append(bad, d.buf)
			d.buf = nil
			return msgs, bad
		}
		d.buf = d.buf[dec.InputOffset():]

		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			bad = append(bad, raw)
			continue
		}
		msgs = append(msgs, resp)
	}
}
