package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "switches.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseTargets(t *testing.T) {
	path := writeConfig(t, `
[[switch]]
address = "10.0.0.1:6633"
reliable = true
timeout = "10s"

[[switch]]
address = "10.0.0.2:6633"
`)

	targets, err := parseTargets(path)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "10.0.0.1:6633", targets[0].Address)
	assert.True(t, targets[0].Options.Reliable)
	assert.Equal(t, 10*time.Second, targets[0].Options.Timeout)
	assert.False(t, targets[1].Options.Reliable)
	assert.Equal(t, time.Duration(0), targets[1].Options.Timeout)
}

func TestParseTargetsErrors(t *testing.T) {
	for name, content := range map[string]string{
		"syntax":     "[[switch]\naddress = ",
		"no address": "[[switch]]\nreliable = true\n",
		"timeout":    "[[switch]]\naddress = \"a:1\"\ntimeout = \"soon\"\n",
	} {
		_, err := parseTargets(writeConfig(t, content))
		var cfgErr *ConfigError
		assert.True(t, errors.As(err, &cfgErr), "%s: got %v", name, err)
	}
}

func TestAppTargets(t *testing.T) {
	app := App{
		ConnectTo:  []string{"10.0.0.9:6653"},
		Reliable:   true,
		ConfigFile: writeConfig(t, "[[switch]]\naddress = \"10.0.0.1:6633\"\n"),
	}

	targets, err := app.targets()
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "10.0.0.9:6653", targets[0].Address)
	assert.True(t, targets[0].Options.Reliable)
	assert.Equal(t, "10.0.0.1:6633", targets[1].Address)
}

func TestControllerConfigFromApp(t *testing.T) {
	app := App{
		PassiveTimeout:  time.Second,
		ActiveTimeout:   2 * time.Second,
		ReliableTimeout: 3 * time.Second,
		EchoInterval:    4 * time.Second,
	}
	cfg := app.controllerConfig()
	assert.Equal(t, time.Second, cfg.PassiveTimeout)
	assert.Equal(t, 2*time.Second, cfg.ActiveTimeout)
	assert.Equal(t, 3*time.Second, cfg.ReliableTimeout)
	assert.Equal(t, 4*time.Second, cfg.EchoInterval)
}
