// Package config holds punchtun's command-line configuration structs and
// their validation. The structs are filled from flags only; Getenv is a
// standalone helper and no field is read from the environment.
package config

import (
	"fmt"
	"os"
	"time"
)

// Defaults mirror spec.md's suggested operating parameters.
const (
	DefaultLaneCount   = 4
	DefaultTickPeriod  = 500 * time.Millisecond
	DefaultTimeout     = 30 * time.Second
	DefaultMetricsAddr = ":2112"
)

// Connect holds the resolved configuration for `punchtun connect`. The
// peer's code is already known (passed on the command line), so it can
// dial straight into the handshake.
type Connect struct {
	MyAddress   string
	Port        uint16
	Code        string
	LaneCount   uint16
	TickPeriod  time.Duration
	Timeout     time.Duration
	Verbose     bool
	MetricsAddr string
}

// Listen holds the resolved configuration for `punchtun listen`. It prints
// its own code first and reads the peer's back from stdin.
type Listen struct {
	MyAddress   string
	Port        uint16
	LaneCount   uint16
	TickPeriod  time.Duration
	Timeout     time.Duration
	Verbose     bool
	MetricsAddr string
}

func (c Connect) Validate() error {
	if c.MyAddress == "" {
		return fmt.Errorf("config: --address is required")
	}
	if c.Code == "" {
		return fmt.Errorf("config: --code is required")
	}
	if c.LaneCount == 0 {
		return fmt.Errorf("config: --lanes must be non-zero")
	}
	return nil
}

func (c Listen) Validate() error {
	if c.MyAddress == "" {
		return fmt.Errorf("config: --address is required")
	}
	if c.LaneCount == 0 {
		return fmt.Errorf("config: --lanes must be non-zero")
	}
	return nil
}

// Getenv returns the environment variable named key, or def if unset or
// empty.
func Getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
