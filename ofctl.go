// OFCTL command to start an OpenFlow controller. This command parses the
// environment for configuration information, accepts and dials switches and
// serves the REST API until it is interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ciena/ofctl/api"
	"github.com/ciena/ofctl/controller"
	"github.com/ciena/ofctl/events"
	"github.com/ciena/ofctl/metrics"
	"github.com/ciena/ofctl/transport"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

// Maintains the application configuration and runtime state
type App struct {
	ShowHelp        bool          `envconfig:"HELP" default:"false" desc:"show this message"`
	ListenOn        string        `envconfig:"LISTEN_ON" default:":6653" desc:"connection on which to listen for open flow devices, empty to disable"`
	ConnectTo       []string      `envconfig:"CONNECT_TO" desc:"list of open flow devices to connect to"`
	Reliable        bool          `envconfig:"RELIABLE" default:"true" desc:"reconnect to devices in CONNECT_TO when the connection ends"`
	APIOn           string        `envconfig:"API_ON" default:":8002" desc:"port on which to listen to accept API requests, empty to disable"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info" desc:"logging level"`
	PassiveTimeout  time.Duration `envconfig:"PASSIVE_TIMEOUT" default:"5s" desc:"handshake deadline of accepted devices"`
	ActiveTimeout   time.Duration `envconfig:"ACTIVE_TIMEOUT" default:"60s" desc:"handshake deadline of devices connected to once"`
	ReliableTimeout time.Duration `envconfig:"RELIABLE_TIMEOUT" default:"4s" desc:"handshake deadline of devices reconnected to"`
	EchoInterval    time.Duration `envconfig:"ECHO_INTERVAL" default:"15s" desc:"interval between echo requests to devices, 0 to disable"`
	LogFetchTimeout time.Duration `envconfig:"LOG_FETCH_TIMEOUT" default:"1m" desc:"time a device has to deliver requested logs"`
	ConfigFile      string        `envconfig:"CONFIG_FILE" desc:"TOML file listing additional devices to connect to"`
}

func (app *App) controllerConfig() controller.Config {
	cfg := controller.DefaultConfig()
	cfg.PassiveTimeout = app.PassiveTimeout
	cfg.ActiveTimeout = app.ActiveTimeout
	cfg.ReliableTimeout = app.ReliableTimeout
	cfg.EchoInterval = app.EchoInterval
	cfg.LogFetchTimeout = app.LogFetchTimeout
	return cfg
}

// targets returns every switch to dial, from the environment and the config
// file
func (app *App) targets() ([]Target, error) {
	targets := make([]Target, 0, len(app.ConnectTo))
	for _, address := range app.ConnectTo {
		targets = append(targets, Target{
			Address: address,
			Options: controller.Options{Reliable: app.Reliable},
		})
	}
	if app.ConfigFile == "" {
		return targets, nil
	}
	more, err := parseTargets(app.ConfigFile)
	if err != nil {
		return nil, err
	}
	return append(targets, more...), nil
}

func logEvent(e events.Event) events.Disposition {
	switch ev := e.(type) {
	case events.DatapathJoin:
		log.WithFields(log.Fields{
			"dpid": ev.DPID.String(),
		}).Debug("Datapath join event")
	case events.DatapathLeave:
		log.WithFields(log.Fields{
			"dpid": ev.DPID.String(),
		}).Debug("Datapath leave event")
	}
	return events.Continue
}

func main() {
	var app App

	// This application is not configured by command line options, so
	// if we have an unknown options or they used -h/--help to ask for
	// usage, give it to them
	var flags flag.FlagSet
	err := flags.Parse(os.Args[1:])
	if err != nil {
		envconfig.Usage("", &(app))
		return
	}

	// Load the application configuration from the environment and initialize
	// the logging system
	err = envconfig.Process("", &app)
	if err != nil {
		log.WithError(err).Fatal("Unable to parse application configuration")
	}

	// Set the logging level, if it can't be parsed then default to warning
	logLevel, err := log.ParseLevel(app.LogLevel)
	if err != nil {
		log.
			WithFields(log.Fields{
				"log-level": app.LogLevel,
			}).
			WithError(err).
			Warn("Unable to parse log level specified, defaulting to Warning")
		logLevel = log.WarnLevel
	}
	log.SetLevel(logLevel)

	// If the help message is requested, then display and return
	if app.ShowHelp {
		envconfig.Usage("", &app)
		return
	}

	targets, err := app.targets()
	if err != nil {
		log.WithError(err).Fatal("Unable to load device configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.RegisterMetrics()
	ctl := controller.New(app.controllerConfig())
	ctl.Dispatcher().Register(events.DatapathJoinName, logEvent, 0)
	ctl.Dispatcher().Register(events.DatapathLeaveName, logEvent, 0)

	// Listen for devices
	if app.ListenOn != "" {
		listener, err := transport.Listen(app.ListenOn)
		if err != nil {
			log.
				WithFields(log.Fields{
					"listen-on": app.ListenOn,
				}).
				WithError(err).
				Fatal("Unable to establish the IP listener")
		}
		if err := ctl.Connect(ctx, listener, controller.Options{}); err != nil {
			log.WithError(err).Fatal("Unable to accept devices")
		}
	}

	// Connect to devices
	for _, target := range targets {
		if err := ctl.Connect(ctx, transport.NewDialer(target.Address), target.Options); err != nil {
			log.
				WithFields(log.Fields{
					"connect-to": target.Address,
				}).
				WithError(err).
				Fatal("Unable to connect to device")
		}
	}

	if err := ctl.StartKeepalive(); err != nil {
		log.WithError(err).Fatal("Unable to start keepalive")
	}

	// Create and invoke the API sub-system
	if app.APIOn != "" {
		go func() {
			if err := api.NewAPI(app.APIOn, ctl).ListenAndServe(ctx); err != nil {
				log.WithError(err).Fatal("Unable to serve REST API")
			}
		}()
	}

	<-ctx.Done()
	log.Info("Shutting down")
	if err := ctl.Close(); err != nil {
		log.WithError(err).Error("Errors while shutting down")
	}
}
