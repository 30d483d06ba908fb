// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// +build darwin

package serial

var defaultConfig = Config{
	Port: "/dev/tty.usbserial",
	Baud: 115200,
}
