package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/ciena/ofctl/transport"
	"github.com/kelseyhightower/envconfig"
	"github.com/netrack/openflow/ofp"
	log "github.com/sirupsen/logrus"
)

// App is the application configuration and runtime information
type App struct {
	ShowHelp   bool   `envconfig:"HELP" default:"false" desc:"show this message"`
	OfCtlAPI   string `envconfig:"OFCTL_API" default:"http://127.0.0.1:8002" desc:"HOST:PORT on which to connect to OFCTL REST API"`
	Device     string `envconfig:"DEVICE" required:"true" desc:"DPID of device on which to packet out"`
	Port       string `envconfig:"PORT" required:"true" desc:"Port on device on which to packet out"`
	InPort     string `envconfig:"IN_PORT" default:"CONTROLLER" desc:"Port the packet is considered to have arrived on, excluded when flooding"`
	PacketFile string `envconfig:"PACKET_FILE" required:"true" desc:"File from which to read packet to send, or '-' for stdin"`
}

// parsePort understands the reserved port names as well as port numbers
func parsePort(port string) (ofp.PortNo, error) {
	switch strings.ToUpper(port) {
	case "IN":
		return transport.PortIn, nil
	case "TABLE":
		return transport.PortTable, nil
	case "NORMAL":
		return transport.PortNormal, nil
	case "FLOOD":
		return transport.PortFlood, nil
	case "ALL":
		return transport.PortAll, nil
	case "CONTROLLER":
		return transport.PortController, nil
	case "LOCAL":
		return transport.PortLocal, nil
	}
	val, err := strconv.ParseUint(port, 10, 32)
	if err != nil {
		return 0, err
	}
	return ofp.PortNo(val), nil
}

func main() {
	var app App

	var flags flag.FlagSet
	err := flags.Parse(os.Args[1:])
	if err != nil {
		if err = envconfig.Usage("", &(app)); err != nil {
			log.
				WithError(err).
				Fatal("Unable to display usage information")
		}
		return
	}

	err = envconfig.Process("", &app)
	if err != nil {
		log.
			WithError(err).
			Fatal("Unable to process configuration")
	}
	if app.ShowHelp {
		if err = envconfig.Usage("", &(app)); err != nil {
			log.
				WithError(err).
				Fatal("Unable to display usage information")
		}
		return
	}

	// Read packet file, which is expected to be a space separate bunch of
	// bytes
	var data bytes.Buffer
	var scanner *bufio.Scanner
	if app.PacketFile == "-" {
		scanner = bufio.NewScanner(os.Stdin)
	} else {
		reader, err := os.Open(app.PacketFile)
		if err != nil {
			log.
				WithFields(log.Fields{
					"file": app.PacketFile,
				}).
				WithError(err).
				Fatal("Unable to read packet file")
		}
		defer reader.Close()
		scanner = bufio.NewScanner(reader)
	}

	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		val, err := strconv.ParseUint(scanner.Text(), 16, 8)
		if err != nil {
			log.
				WithFields(log.Fields{
					"byte": scanner.Text(),
				}).
				WithError(err).
				Fatal("Unable to parse value to byte")
		}
		data.WriteByte(uint8(val))
	}
	if err := scanner.Err(); err != nil {
		log.
			WithError(err).
			Fatal("Unable to read input")
	}

	outPort, err := parsePort(app.Port)
	if err != nil {
		log.
			WithFields(log.Fields{
				"port": app.Port,
			}).
			WithError(err).
			Fatal("Unable to parse specified port value")
	}
	inPort, err := parsePort(app.InPort)
	if err != nil {
		log.
			WithFields(log.Fields{
				"port": app.InPort,
			}).
			WithError(err).
			Fatal("Unable to parse specified in port value")
	}

	// Build packet out message
	message := transport.PacketOutFrame(&transport.PacketOut{
		BufferID: ofp.NoBuffer,
		InPort:   inPort,
		Actions:  transport.OutputTo(outPort),
		Data:     data.Bytes(),
	}).Bytes()

	log.Debug("POSTING")
	url := fmt.Sprintf("%s/devices/%s", app.OfCtlAPI, app.Device)
	resp, err := http.Post(url, "application/octet-stream", bytes.NewReader(message))
	if err != nil {
		log.
			WithFields(log.Fields{
				"ofctl": app.OfCtlAPI,
			}).
			WithError(err).
			Fatal("Unable to connect to ofctl API end point")
	} else if int(resp.StatusCode/100) != 2 {
		log.
			WithFields(log.Fields{
				"ofctl":         app.OfCtlAPI,
				"response-code": resp.StatusCode,
				"response":      resp.Status,
			}).
			Fatal("Non success code returned from ofctl")
	}
}
