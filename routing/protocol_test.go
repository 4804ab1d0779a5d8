package routing

import (
	"encoding/json"
	"testing"

	"github.com/yllada/proxy-tunnel/common"
)

func TestFrameDecoder(t *testing.T) {
	tests := []struct {
		name    string
		chunks  []string
		wantN   int
		wantBad int
	}{
		{"single", []string{`{"action":"statusChanged","connectionStatus":1}`}, 1, 0},
		{"concatenated", []string{`{"action":"statusChanged"}{"action":"resetRouting"}`}, 2, 0},
		{"whitespace between values", []string{"{\"action\":\"a\"}\n  {\"action\":\"b\"}\n"}, 2, 0},
		{"split value", []string{`{"action":"configure`, `Routing","statusCode":0}`}, 1, 0},
		{"partial only", []string{`{"action":`}, 0, 0},
		{"syntax error", []string{`{"action" nope}`}, 0, 1},
		{"wrong shape", []string{`"hello"{"action":"statusChanged"}`}, 1, 1},
		{"wrong field type", []string{`{"statusCode":"zero"}`}, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dec frameDecoder
			var n, bad int
			for _, chunk := range tt.chunks {
				msgs, b := dec.feed([]byte(chunk))
				n += len(msgs)
				bad += len(b)
			}
			if n != tt.wantN || bad != tt.wantBad {
				t.Errorf("got %d messages and %d bad, want %d and %d", n, bad, tt.wantN, tt.wantBad)
			}
		})
	}
}

func TestFrameDecoder_RecoversAfterSyntaxError(t *testing.T) {
	var dec frameDecoder
	if _, bad := dec.feed([]byte(`{oops`)); len(bad) != 1 {
		t.Fatalf("bad = %d, want 1", len(bad))
	}
	msgs, bad := dec.feed([]byte(`{"action":"statusChanged","connectionStatus":2}`))
	if len(bad) != 0 || len(msgs) != 1 {
		t.Fatalf("got %d messages and %d bad after resync", len(msgs), len(bad))
	}
	if msgs[0].ConnectionStatus != common.StatusReconnecting {
		t.Errorf("status = %v, want Reconnecting", msgs[0].ConnectionStatus)
	}
}

func TestRequestEncoding(t *testing.T) {
	data, err := json.Marshal(configureRequest("192.0.2.1", true))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"action":"configureRouting","parameters":{"isAutoConnect":true,"proxyIp":"192.0.2.1"}}`
	if string(data) != want {
		t.Errorf("configure = %s, want %s", data, want)
	}

	data, err = json.Marshal(resetRequest())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"action":"resetRouting","parameters":{}}` {
		t.Errorf("reset = %s", data)
	}
}
