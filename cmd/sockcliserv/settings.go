package main

import (
	"time"

	"github.com/searchktools/reactor/config"
)

// envPrefix names the environment variables that override flag defaults,
// e.g. SOCKCLISERV_CLIENT_TIMEOUT=5s
const envPrefix = "SOCKCLISERV"

type settings struct {
	addr     string
	logLevel string
	debug    bool
	readHWM  int
	timeout  time.Duration
	lines    int
}

func loadSettings(m *config.Manager) settings {
	return settings{
		addr:     m.GetString("net.address", defaultAddr),
		logLevel: m.GetString("log.level", "info"),
		debug:    m.GetBool("loop.debug"),
		readHWM:  m.GetInt("server.read_hwm"),
		timeout:  m.GetDuration("client.timeout", 2*time.Second),
		lines:    m.GetInt("client.lines", 100),
	}
}

func envSettings() settings {
	m := config.NewManager()
	m.LoadFromEnv(envPrefix)
	return loadSettings(m)
}
