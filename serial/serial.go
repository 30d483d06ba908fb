// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package serial opens a serial port as an io.ReadWriteCloser suitable for
// use as the transport underlying an at.AT channel.
package serial

import (
	"time"

	"go.bug.st/serial"
)

// Config describes how to open a serial port. The zero value is not
// usable; start from defaultConfig (platform specific) and apply Options.
type Config struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
}

// Option modifies a Config used by Open.
type Option func(*Config)

// WithPort overrides the default port device path.
func WithPort(port string) Option {
	return func(c *Config) {
		c.Port = port
	}
}

// WithBaud overrides the default baud rate.
func WithBaud(baud int) Option {
	return func(c *Config) {
		c.Baud = baud
	}
}

// WithReadTimeout sets the duration a Read call blocks waiting for data
// before returning with zero bytes. The zero duration, the default, blocks
// indefinitely.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ReadTimeout = d
	}
}

// Open opens the serial port described by defaultConfig as modified by
// options, returning it as a serial.Port - an io.ReadWriteCloser suitable
// for passing to (*at.AT).Open.
func Open(options ...Option) (serial.Port, error) {
	cfg := defaultConfig
	for _, option := range options {
		option(&cfg)
	}
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, err
	}
	if cfg.ReadTimeout > 0 {
		if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}
