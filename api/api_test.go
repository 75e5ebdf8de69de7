package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ciena/ofctl/dpid"
	"github.com/ciena/ofctl/registry"
	"github.com/ciena/ofctl/transport"
	of "github.com/netrack/openflow"
	log "github.com/sirupsen/logrus"
)

type MockSwitches struct {
	Known    map[dpid.DatapathID]dpid.DatapathID
	Messages []*transport.Frame
	Commands []string
	Args     [][]string
	Closed   []dpid.DatapathID
}

func NewMockSwitches(ids ...dpid.DatapathID) *MockSwitches {
	m := &MockSwitches{Known: make(map[dpid.DatapathID]dpid.DatapathID)}
	for _, id := range ids {
		m.Known[id] = id
	}
	return m
}

func (m *MockSwitches) Identities() []dpid.DatapathID {
	ids := make([]dpid.DatapathID, 0, len(m.Known))
	for id := range m.Known {
		ids = append(ids, id)
	}
	return ids
}

func (m *MockSwitches) Original(id dpid.DatapathID) dpid.DatapathID {
	if original, ok := m.Known[id]; ok {
		return original
	}
	return id
}

func (m *MockSwitches) SendCommand(_ context.Context, id dpid.DatapathID, frame *transport.Frame, _ bool) error {
	if _, ok := m.Known[id]; !ok {
		return registry.ErrUnknownDevice
	}
	m.Messages = append(m.Messages, frame)
	return nil
}

func (m *MockSwitches) SendRemoteCommand(_ context.Context, id dpid.DatapathID, command string, args []string, _ bool) error {
	if _, ok := m.Known[id]; !ok {
		return registry.ErrUnknownDevice
	}
	m.Commands = append(m.Commands, command)
	m.Args = append(m.Args, args)
	return nil
}

func (m *MockSwitches) Disconnect(id dpid.DatapathID) error {
	if _, ok := m.Known[id]; !ok {
		return registry.ErrUnknownDevice
	}
	delete(m.Known, id)
	m.Closed = append(m.Closed, id)
	return nil
}

func packetOut() []byte {
	return transport.NewFrame(of.TypePacketOut, 1, []byte{0xff, 0xff, 0xff, 0xff}).Bytes()
}

func TestPacketOutNoDPID(t *testing.T) {
	log.SetLevel(log.DebugLevel)
	api := NewAPI(":4242", NewMockSwitches())

	resp := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "http://example.com/devices", nil)
	req.Header.Add("Content-type", "application/octet-stream")
	api.ServeHTTP(resp, req)
	if resp.Code != 405 {
		t.Errorf("Incorrect response code, expected 405, got %d", resp.Code)
	}
}

func TestPacketOutUnknownDPID(t *testing.T) {
	api := NewAPI(":4242", NewMockSwitches())

	resp := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "http://example.com/devices/0x1", bytes.NewReader(packetOut()))
	req.Header.Add("Content-type", "application/octet-stream")
	api.ServeHTTP(resp, req)
	if resp.Code != 404 {
		t.Errorf("Incorrect response code, expected 404, got %d", resp.Code)
	}
}

func TestPacketOutInvalidDPID(t *testing.T) {
	api := NewAPI(":4242", NewMockSwitches())

	resp := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "http://example.com/devices/switch-one", bytes.NewReader(packetOut()))
	req.Header.Add("Content-type", "application/octet-stream")
	api.ServeHTTP(resp, req)
	if resp.Code != 404 {
		t.Errorf("Incorrect response code, expected 404, got %d", resp.Code)
	}
}

func TestPacketOutKnownDPID(t *testing.T) {
	log.SetLevel(log.DebugLevel)
	mock := NewMockSwitches(0x1)
	api := NewAPI(":4242", mock)

	resp := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "http://example.com:4242/devices/of:0x0000000000000001", bytes.NewReader(packetOut()))
	req.Header.Add("Content-type", "application/octet-stream")
	api.ServeHTTP(resp, req)
	if resp.Code != 200 {
		t.Errorf("Incorrect response code, expected 200, got %d", resp.Code)
	}
	if len(mock.Messages) != 1 {
		t.Fatalf("Expected 1 message, found %d", len(mock.Messages))
	}
	if mock.Messages[0].Header.Type != of.TypePacketOut {
		t.Errorf("Expected packet out, got %s", mock.Messages[0].Header.Type.String())
	}
}

func TestPacketOutMalformed(t *testing.T) {
	mock := NewMockSwitches(0x1)
	api := NewAPI(":4242", mock)

	for _, body := range [][]byte{
		{0x04, 0x0d},
		append(packetOut(), 0x00),
	} {
		resp := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "http://example.com:4242/devices/0x1", bytes.NewReader(body))
		req.Header.Add("Content-type", "application/octet-stream")
		api.ServeHTTP(resp, req)
		if resp.Code != 400 {
			t.Errorf("Incorrect response code, expected 400, got %d", resp.Code)
		}
	}
	if len(mock.Messages) != 0 {
		t.Errorf("Expected no messages, found %d", len(mock.Messages))
	}
}

func TestRemoteCommand(t *testing.T) {
	mock := NewMockSwitches(0x1)
	api := NewAPI(":4242", mock)

	resp := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "http://example.com:4242/devices/0x1/commands/get-logs",
		strings.NewReader(`{"args":["10.0.0.1","4000"]}`))
	api.ServeHTTP(resp, req)
	if resp.Code != 202 {
		t.Errorf("Incorrect response code, expected 202, got %d", resp.Code)
	}
	if len(mock.Commands) != 1 || mock.Commands[0] != "get-logs" {
		t.Fatalf("Expected get-logs command, found %v", mock.Commands)
	}
	if len(mock.Args[0]) != 2 || mock.Args[0][1] != "4000" {
		t.Errorf("Unexpected command arguments %v", mock.Args[0])
	}

	resp = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "http://example.com:4242/devices/0x1/commands/reboot", nil)
	api.ServeHTTP(resp, req)
	if resp.Code != 202 {
		t.Errorf("Incorrect response code for command without body, expected 202, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "http://example.com:4242/devices/0x2/commands/reboot", nil)
	api.ServeHTTP(resp, req)
	if resp.Code != 404 {
		t.Errorf("Incorrect response code for unknown device, expected 404, got %d", resp.Code)
	}
}

func TestDisconnect(t *testing.T) {
	mock := NewMockSwitches(0x1)
	api := NewAPI(":4242", mock)

	resp := httptest.NewRecorder()
	req := httptest.NewRequest("DELETE", "http://example.com:4242/devices/0x1", nil)
	api.ServeHTTP(resp, req)
	if resp.Code != 204 {
		t.Errorf("Incorrect response code, expected 204, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	req = httptest.NewRequest("DELETE", "http://example.com:4242/devices/0x1", nil)
	api.ServeHTTP(resp, req)
	if resp.Code != 404 {
		t.Errorf("Incorrect response code, expected 404, got %d", resp.Code)
	}
}

func TestListDevicesEmpty(t *testing.T) {
	log.SetLevel(log.DebugLevel)
	api := NewAPI(":4242", NewMockSwitches())

	resp := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "http://example.com:4242/devices", nil)
	api.ServeHTTP(resp, req)
	if resp.Code != 200 {
		t.Errorf("Incorrect response code, expected 200, got %d", resp.Code)
	}

	decoder := json.NewDecoder(resp.Body)
	list := &DevicesResponse{}
	if err := decoder.Decode(list); err != nil {
		t.Errorf("Failed to decode response : %s", err)
	}
	if len(list.Devices) != 0 {
		t.Errorf("Expected 0 devices, got %d", len(list.Devices))
	}
}

func TestListDevices(t *testing.T) {
	log.SetLevel(log.DebugLevel)
	mock := NewMockSwitches(0x1)
	mock.Known[0x2a] = 0x1000000000000005
	api := NewAPI(":4242", mock)

	resp := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "http://example.com:4242/devices", nil)
	api.ServeHTTP(resp, req)
	if resp.Code != 200 {
		t.Errorf("Incorrect response code, expected 200, got %d", resp.Code)
	}

	decoder := json.NewDecoder(resp.Body)
	list := &DevicesResponse{}
	if err := decoder.Decode(list); err != nil {
		t.Errorf("Failed to decode response : %s", err)
	}
	if len(list.Devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(list.Devices))
	}
	for _, device := range list.Devices {
		if device.DPID == "of:0x000000000000002a" && device.Original != "of:0x1000000000000005" {
			t.Errorf("Expected original DPID of aliased device, got %s", device.Original)
		}
	}
}

func TestMetrics(t *testing.T) {
	api := NewAPI(":4242", NewMockSwitches())

	resp := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "http://example.com:4242/metrics", nil)
	api.ServeHTTP(resp, req)
	if resp.Code != 200 {
		t.Errorf("Incorrect response code, expected 200, got %d", resp.Code)
	}
}
