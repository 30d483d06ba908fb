// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package at

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrClosed indicates an operation was attempted on a channel that has not
// been opened, or has been closed.
var ErrClosed = errors.New("at: closed")

// ErrTimeout indicates the modem did not produce a terminating response
// within the configured timeout.
var ErrTimeout = errors.New("at: timeout")

// ErrOverLongCommand indicates a formatted command line, including its
// trailing carriage return, would exceed the 80 byte limit.
var ErrOverLongCommand = errors.New("at: command too long")

// ErrShortWrite indicates the underlying transport accepted fewer bytes
// than were given to it.
var ErrShortWrite = errors.New("at: short write")

// CMEError is a parsed "+CME ERROR: <n>" final response, as returned by
// most GSM/3GPP command sets for phone-side failures.
type CMEError string

func (e CMEError) Error() string {
	return fmt.Sprintf("CME Error: %s", string(e))
}

// CMSError is a parsed "+CMS ERROR: <n>" final response, as returned by SMS
// related commands.
type CMSError string

func (e CMSError) Error() string {
	return fmt.Sprintf("CMS Error: %s", string(e))
}

// ConnectError is a parsed dial-up-style final response other than OK or
// ERROR, e.g. "NO CARRIER", "BUSY", "NO ANSWER" or "NO DIALTONE".
type ConnectError string

func (e ConnectError) Error() string {
	return string(e)
}

// ParseError inspects resp, the text of a completed response as returned by
// Command or CommandRaw, and returns the typed error it represents, or nil
// if resp does not look like one of the recognised error forms.
//
// This is a convenience for callers who want idiomatic Go errors instead of
// inspecting response text themselves; Command itself never calls this -
// the raw response text is always returned unmodified.
func ParseError(resp string) error {
	switch {
	case resp == "":
		return nil
	case resp == "ERROR":
		return errors.New("at: ERROR")
	case strings.HasPrefix(resp, "+CME ERROR:"):
		return CMEError(strings.TrimSpace(strings.TrimPrefix(resp, "+CME ERROR:")))
	case strings.HasPrefix(resp, "+CMS ERROR:"):
		return CMSError(strings.TrimSpace(strings.TrimPrefix(resp, "+CMS ERROR:")))
	case resp == "NO CARRIER", resp == "BUSY", resp == "NO ANSWER", resp == "NO DIALTONE":
		return ConnectError(resp)
	}
	return nil
}
