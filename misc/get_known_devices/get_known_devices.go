package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/ciena/ofctl/api"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

type App struct {
	ShowHelp bool   `envconfig:"HELP" default:"false" desc:"show this message"`
	OfCtlAPI string `envconfig:"OFCTL_API" default:"http://127.0.0.1:8002" desc:"HOST:PORT on which to connect to OFCTL REST API"`
	Raw      bool   `envconfig:"RAW" default:"false" desc:"print the JSON response as returned"`
}

func main() {
	var app App

	var flags flag.FlagSet
	err := flags.Parse(os.Args[1:])
	if err != nil {
		envconfig.Usage("", &(app))
		return
	}

	err = envconfig.Process("", &app)
	if err != nil {
		log.WithError(err).Fatal("Unable to parse application configuration")
	}
	if app.ShowHelp {
		envconfig.Usage("", &app)
		return
	}

	resp, err := http.Get(fmt.Sprintf("%s/devices", app.OfCtlAPI))
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
	defer resp.Body.Close()

	var list api.DevicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		log.
			WithFields(log.Fields{
				"ofctl": app.OfCtlAPI,
			}).
			WithError(err).
			Fatal("Unable to read response from ofctl")
	}

	if app.Raw {
		out, _ := json.Marshal(list)
		fmt.Println(string(out))
		return
	}
	for _, device := range list.Devices {
		if device.Original != device.DPID {
			fmt.Printf("%s (reported as %s)\n", device.DPID, device.Original)
		} else {
			fmt.Println(device.DPID)
		}
	}
}
