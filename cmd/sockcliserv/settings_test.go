package main

import (
	"testing"
	"time"

	"github.com/searchktools/reactor/config"
)

func TestSettingsDefaults(t *testing.T) {
	s := loadSettings(config.NewManager())

	if s.addr != defaultAddr || s.logLevel != "info" || s.debug {
		t.Errorf("Expected defaults, got %+v", s)
	}
	if s.timeout != 2*time.Second || s.lines != 100 || s.readHWM != 0 {
		t.Errorf("Expected client defaults, got %+v", s)
	}
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("SOCKCLISERV_NET_ADDRESS", "127.0.0.1:7070")
	t.Setenv("SOCKCLISERV_LOG_LEVEL", "debug")
	t.Setenv("SOCKCLISERV_LOOP_DEBUG", "true")
	t.Setenv("SOCKCLISERV_SERVER_READ_HWM", "4096")
	t.Setenv("SOCKCLISERV_CLIENT_TIMEOUT", "500ms")
	t.Setenv("SOCKCLISERV_CLIENT_LINES", "7")

	s := envSettings()

	want := settings{
		addr:     "127.0.0.1:7070",
		logLevel: "debug",
		debug:    true,
		readHWM:  4096,
		timeout:  500 * time.Millisecond,
		lines:    7,
	}
	if s != want {
		t.Errorf("Expected %+v, got %+v", want, s)
	}
}

func TestSettingsFromJSONValues(t *testing.T) {
	m := config.NewManager()
	m.Set("client.lines", float64(3))
	m.Set("client.timeout", float64(1))

	s := loadSettings(m)
	if s.lines != 3 || s.timeout != time.Second {
		t.Errorf("Expected 3 lines and 1s, got %d and %v", s.lines, s.timeout)
	}
}

func TestAddrArg(t *testing.T) {
	if got := addrArg(nil, "127.0.0.1:1"); got != "127.0.0.1:1" {
		t.Errorf("Expected fallback, got %q", got)
	}
	if got := addrArg([]string{"127.0.0.1:2"}, "127.0.0.1:1"); got != "127.0.0.1:2" {
		t.Errorf("Expected argument, got %q", got)
	}
}
