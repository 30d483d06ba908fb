// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// +build linux

package serial

var defaultConfig = Config{
	Port: "/dev/ttyUSB0",
	Baud: 115200,
}
