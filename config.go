package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ciena/ofctl/controller"
)

// ConfigError is returned when the switch file can't be used
type ConfigError struct {
	message string
	cause   error
}

func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{message: message, cause: cause}
}

func (e *ConfigError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("Error during config parsing: %s", e.message)
	}
	return fmt.Sprintf("Error during config parsing: %s: %v", e.message, e.cause)
}

func (e *ConfigError) Unwrap() error { return e.cause }

// Target is a switch the controller dials
type Target struct {
	Address string
	Options controller.Options
}

type tomlConfig struct {
	Switch []tomlSwitchConfig `toml:"switch"`
}

type tomlSwitchConfig struct {
	Address  string `toml:"address"`
	Reliable bool   `toml:"reliable"`
	Timeout  string `toml:"timeout"`
}

// parseTargets reads the switches to dial from a TOML file of [[switch]]
// tables
func parseTargets(filename string) ([]Target, error) {
	var tomlConf tomlConfig
	if _, err := toml.DecodeFile(filename, &tomlConf); err != nil {
		return nil, NewConfigError("Error parsing toml", err)
	}

	targets := make([]Target, 0, len(tomlConf.Switch))
	for i, sw := range tomlConf.Switch {
		if sw.Address == "" {
			return nil, NewConfigError(fmt.Sprintf("switch %d has no address", i), nil)
		}
		target := Target{
			Address: sw.Address,
			Options: controller.Options{Reliable: sw.Reliable},
		}
		if sw.Timeout != "" {
			timeout, err := time.ParseDuration(sw.Timeout)
			if err != nil {
				return nil, NewConfigError(fmt.Sprintf("Error parsing timeout of switch %s", sw.Address), err)
			}
			target.Options.Timeout = timeout
		}
		targets = append(targets, target)
	}
	return targets, nil
}
