// This package implements the ofctl REST API that can be used to list the
// connected switches and to send messages and commands to them
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ciena/ofctl/dpid"
	"github.com/ciena/ofctl/metrics"
	"github.com/ciena/ofctl/registry"
	"github.com/ciena/ofctl/transport"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Switches is what the API needs from the controller
type Switches interface {
	Identities() []dpid.DatapathID
	Original(id dpid.DatapathID) dpid.DatapathID
	SendCommand(ctx context.Context, id dpid.DatapathID, frame *transport.Frame, block bool) error
	SendRemoteCommand(ctx context.Context, id dpid.DatapathID, command string, args []string, block bool) error
	Disconnect(id dpid.DatapathID) error
}

// ofctl API
type API struct {
	ListenOn string

	switches Switches
	router   *mux.Router
}

// Device as listed by the API. Original differs from DPID only for switches
// whose datapath id was aliased.
type Device struct {
	DPID     string `json:"dpid"`
	Original string `json:"original"`
}

// Used to create a HTTP response that lists all the known devices
type DevicesResponse struct {
	Devices []Device `json:"devices"`
}

// Body of a remote command request
type CommandRequest struct {
	Args []string `json:"args"`
}

func formatDPID(id dpid.DatapathID) string {
	return fmt.Sprintf("of:0x%016x", uint64(id))
}

// Returns the list of devices known to the system as a JSON array
func (api *API) ListDevicesHandler(resp http.ResponseWriter, req *http.Request) {
	ids := api.switches.Identities()
	data := DevicesResponse{
		Devices: make([]Device, len(ids)),
	}
	for i, id := range ids {
		data.Devices[i] = Device{
			DPID:     formatDPID(id),
			Original: formatDPID(api.switches.Original(id)),
		}
	}

	// Convert it to bytes and return it
	out, err := json.Marshal(data)
	if err != nil {
		http.Error(resp,
			fmt.Sprintf("Unable to marshal device list : %s", err.Error()),
			http.StatusInternalServerError)
		return
	}
	resp.Header().Set("Content-type", "application/json")
	resp.Write(out)
}

// parseDevice extracts the DPID from the URL, writing the error response if
// it can't be parsed
func parseDevice(resp http.ResponseWriter, req *http.Request) (dpid.DatapathID, bool) {
	vars := mux.Vars(req)
	id, err := dpid.Parse(vars["dpid"])
	if err != nil {
		log.WithFields(log.Fields{
			"dpid": vars["dpid"],
		}).Warn("Unable to parse given DPID")
		http.Error(resp, fmt.Sprintf("DPID doesn't reference a device, '%s' : %s", vars["dpid"], err), http.StatusNotFound)
		return dpid.Zero, false
	}
	return id, true
}

// sendError maps a dispatch failure onto a response
func sendError(resp http.ResponseWriter, id dpid.DatapathID, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownDevice):
		http.Error(resp, fmt.Sprintf("DPID not found, '%s'", formatDPID(id)), http.StatusNotFound)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, transport.ErrWouldBlock):
		http.Error(resp, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(resp, err.Error(), http.StatusInternalServerError)
	}
}

// Handles an HTTP request to send an OpenFlow message to a given switch. The
// payload of the request should be the []byte of a complete OpenFlow message,
// including the open flow header.
func (api *API) PacketOutHandler(resp http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()

	id, ok := parseDevice(resp, req)
	if !ok {
		return
	}
	log.WithFields(log.Fields{
		"dpid": id.String(),
	}).Debug("Packet out request received")

	// Read the OpenFlow message from the body
	data, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(resp, err.Error(), http.StatusInternalServerError)
		return
	}
	r := bytes.NewReader(data)
	frame, err := transport.ReadFrame(r)
	if err != nil || r.Len() != 0 {
		if err == nil {
			err = fmt.Errorf("%d trailing bytes after message", r.Len())
		}
		http.Error(resp, fmt.Sprintf("Invalid OpenFlow message : %s", err), http.StatusBadRequest)
		return
	}

	if err := api.switches.SendCommand(req.Context(), id, frame, true); err != nil {
		sendError(resp, id, err)
	}
}

// Handles an HTTP request to send a remote command to a given switch
func (api *API) CommandHandler(resp http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()

	id, ok := parseDevice(resp, req)
	if !ok {
		return
	}
	command := mux.Vars(req)["command"]

	var body CommandRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && err != io.EOF {
		http.Error(resp, fmt.Sprintf("Invalid command request : %s", err), http.StatusBadRequest)
		return
	}

	log.WithFields(log.Fields{
		"dpid":    id.String(),
		"command": command,
		"args":    body.Args,
	}).Debug("Remote command request received")
	if err := api.switches.SendRemoteCommand(req.Context(), id, command, body.Args, true); err != nil {
		sendError(resp, id, err)
		return
	}
	resp.WriteHeader(http.StatusAccepted)
}

// Handles an HTTP request to close the connection to a given switch
func (api *API) DisconnectHandler(resp http.ResponseWriter, req *http.Request) {
	id, ok := parseDevice(resp, req)
	if !ok {
		return
	}
	if err := api.switches.Disconnect(id); err != nil {
		sendError(resp, id, err)
		return
	}
	resp.WriteHeader(http.StatusNoContent)
}

// Properly instantiates a new API instance.
func NewAPI(listenOn string, switches Switches) *API {
	api := &API{
		ListenOn: listenOn,
		switches: switches,
		router:   mux.NewRouter(),
	}

	api.router.
		HandleFunc("/devices/{dpid}", api.PacketOutHandler).
		Methods("POST").
		Headers("Content-type", "application/octet-stream")
	api.router.
		HandleFunc("/devices/{dpid}/commands/{command}", api.CommandHandler).
		Methods("POST")
	api.router.
		HandleFunc("/devices/{dpid}", api.DisconnectHandler).
		Methods("DELETE")
	api.router.
		HandleFunc("/devices", api.ListDevicesHandler).
		Methods("GET")
	api.router.
		Handle("/metrics", promhttp.Handler()).
		Methods("GET")
	return api
}

func (api *API) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	api.router.ServeHTTP(resp, req)
}

// ListenAndServe serves the API until ctx is done
func (api *API) ListenAndServe(ctx context.Context) error {
	metrics.RegisterMetrics()

	srv := &http.Server{
		Addr:         api.ListenOn,
		Handler:      api.router,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	log.WithFields(log.Fields{
		"connect-point": api.ListenOn,
	}).Debug("Listening for REST API requests")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
