// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// +build windows

package serial

var defaultConfig = Config{
	Port: "COM1",
	Baud: 115200,
}
