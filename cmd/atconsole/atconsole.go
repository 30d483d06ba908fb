// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// atconsole collects and displays information related to the modem and its
// current configuration.
//
// This serves as an example of how to drive an at.AT channel, as well as
// providing information which may be useful for debugging.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cellcore/atmodem/at"
	"github.com/cellcore/atmodem/serial"
	"github.com/cellcore/atmodem/trace"
	"github.com/rs/zerolog"
)

var version = "undefined"

func main() {
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	timeout := flag.Duration("t", 2*time.Second, "command timeout period")
	verbose := flag.Bool("v", false, "log modem interactions")
	vsn := flag.Bool("version", false, "report version and exit")
	flag.Parse()
	if *vsn {
		fmt.Printf("%s %s\n", os.Args[0], version)
		os.Exit(0)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	p, err := serial.Open(serial.WithPort(*dev), serial.WithBaud(*baud))
	if err != nil {
		logger.Error().Err(err).Msg("open port")
		os.Exit(1)
	}
	defer p.Close()

	var mio io.ReadWriter = p
	if *verbose {
		mio = trace.New(p, trace.WithLogger(&logger))
	}

	a := at.New(at.WithLogger(&logger))
	a.SetTimeout(*timeout)
	if err := a.Open(mio); err != nil {
		logger.Error().Err(err).Msg("open channel")
		os.Exit(1)
	}
	defer a.Close()

	cmds := []string{
		"ATI",
		"AT+GCAP",
		"AT+CMEE=2",
		"AT+CGMI",
		"AT+CGMM",
		"AT+CGMR",
		"AT+CGSN",
		"AT+CSQ",
		"AT+CIMI",
		"AT+CREG?",
		"AT+CNUM",
		"AT+CPIN?",
		"AT+CEER",
	}
	for _, cmd := range cmds {
		resp, err := a.Command(cmd)
		fmt.Println(cmd)
		if err != nil {
			fmt.Printf(" %s\n", err)
			continue
		}
		for _, l := range splitLines(resp) {
			fmt.Printf(" %s\n", l)
		}
	}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}
