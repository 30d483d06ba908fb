// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package at provides a low level, byte-driven driver for AT modems.
//
// A Parser assembles an inbound byte stream into lines, classifies each as
// part of the response to the command in flight or as an unsolicited result
// code, and handles embedded binary payloads and data prompts. An AT wraps
// a Parser with a half-duplex channel coordinator: exactly one command may
// be in flight at a time, and callers block on Command/CommandRaw until the
// modem signals completion or the configured timeout elapses.
package at

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cellcore/atmodem/info"
	"go.uber.org/atomic"
)

// maxCommandLen bounds a formatted command line, including its trailing
// carriage return, matching AT_COMMAND_LENGTH in the C original.
const maxCommandLen = 80

// hexChunkBytes bounds the number of input bytes encoded per underlying
// write by SendHex, matching AT_SEND_HEX_CHUNK_SIZE in the C original.
const hexChunkBytes = 40

// defaultTimeout is used until SetTimeout is called. spec.md defines the
// channel's timeout setting as defaulting to 0 - immediate timeout - so an
// AT that has never had SetTimeout called fails every command instantly
// rather than blocking.
const defaultTimeout = 0

// Status is the integer-style result of CommandSimple/CommandRawSimple,
// for callers that only care whether a command succeeded, failed, or timed
// out without inspecting response text.
type Status int

const (
	// StatusOK indicates the command completed with an empty response.
	StatusOK Status = 0
	// StatusError indicates the command completed but returned a non-empty
	// (error) response.
	StatusError Status = -1
	// StatusTimeout indicates the command did not complete, either because
	// the channel is closed or the timeout elapsed.
	StatusTimeout Status = -2
)

// Logger defines the interface used to log channel diagnostics - head-drop
// overflow, timeouts, and URC handler panics. It is satisfied by
// trace.Logger and, directly, by *zerolog.Logger.
type Logger interface {
	Printf(format string, v ...interface{})
}

// AT is a half-duplex AT command channel: one command in flight at a time,
// with unsolicited result codes dispatched to an optional caller handler as
// they arrive.
//
// AT is allocated once and may be opened and closed repeatedly against
// successive transports, e.g. across modem power cycles, matching the
// alloc/open/close/free lifecycle of the C original. It is safe to call
// Command, CommandRaw, Send, SendRaw, SendHex and Config from one goroutine
// at a time; Open, Close, Suspend, Resume and the Set* configuration
// methods are safe from any goroutine.
//
// A URC handler installed via SetCallbacks runs on the channel's one
// reader goroutine. It must not call Command or CommandRaw itself - that
// goroutine is the only one that can ever signal a response, so doing so
// would deadlock it against its own wait. Command/CommandRaw panic
// immediately if called while a URC handler is running, rather than
// hanging.
type AT struct {
	parser *Parser
	logger Logger

	rw io.ReadWriter

	open      atomic.Bool
	running   atomic.Bool
	suspended atomic.Bool
	waiting   atomic.Bool
	inURC     atomic.Bool // set only around a URC handler invocation; see wrapURCHandler

	timeout atomic.Duration
	delay   atomic.Duration

	respCh    chan struct{}
	resumeCh  chan struct{}
	portClose chan struct{}
	readerDone chan struct{}
}

// Option modifies an AT object created by New.
type Option func(*AT)

// WithLogger specifies the logger used to report channel diagnostics.
//
// By default nothing is logged.
func WithLogger(l Logger) Option {
	return func(a *AT) {
		a.logger = l
	}
}

// New creates an AT channel. It is not yet open - call Open before issuing
// any command.
func New(options ...Option) *AT {
	a := &AT{
		parser:   NewParser(),
		respCh:   make(chan struct{}, 1),
		resumeCh: make(chan struct{}, 1),
	}
	a.timeout.Store(defaultTimeout)
	for _, option := range options {
		option(a)
	}
	a.parser.setOnComplete(a.onResponseComplete)
	a.parser.setOnHeadDrop(a.onHeadDrop)
	return a
}

// onHeadDrop is the Parser's onHeadDrop callback: it reports line buffer
// overflow to the configured logger, if any.
func (a *AT) onHeadDrop(total uint64) {
	if a.logger != nil {
		a.logger.Printf("at: line buffer overflow, %d bytes dropped", total)
	}
}

// SetCallbacks installs the caller's URC handler and default scanner.
// Either may be nil. It may be called at any time, including while open.
func (a *AT) SetCallbacks(urc URCHandler, defaultScanner Scanner) {
	a.parser.SetURCHandler(a.wrapURCHandler(urc))
	a.parser.SetDefaultScanner(defaultScanner)
}

// wrapURCHandler recovers a panicking URC handler so a caller bug cannot
// bring down the reader goroutine, and marks the call as "in URC" so a
// handler that calls back into Command/CommandRaw panics immediately
// instead of deadlocking the reader goroutine against its own response
// wait.
func (a *AT) wrapURCHandler(h URCHandler) URCHandler {
	if h == nil {
		return nil
	}
	return func(line []byte) {
		a.inURC.Store(true)
		defer a.inURC.Store(false)
		defer func() {
			if r := recover(); r != nil && a.logger != nil {
				a.logger.Printf("at: URC handler panic: %v", r)
			}
		}()
		h(line)
	}
}

// SetTimeout sets the duration Command/CommandRaw wait for a terminating
// response before returning ErrTimeout. The default is 0: until SetTimeout
// is called, every command times out immediately.
func (a *AT) SetTimeout(d time.Duration) {
	a.timeout.Store(d)
}

// SetDelay sets the minimum duration observed between the return of one
// command and the transmission of the next. The default is zero.
func (a *AT) SetDelay(d time.Duration) {
	a.delay.Store(d)
}

// ExpectDataPrompt arms detection of a data prompt (e.g. "> " or "@") for
// the next command only. When the prompt is matched, the command completes
// immediately with an empty response, without waiting for a final line.
func (a *AT) ExpectDataPrompt(prefix string) {
	a.parser.ExpectDataPrompt(prefix)
}

// SetCharacterHandler installs a per-byte rewriter used while assembling
// the line currently in progress. It persists across commands until
// cleared (SetCharacterHandler(nil)), a command times out, or the channel
// is closed.
func (a *AT) SetCharacterHandler(h CharacterHandler) {
	a.parser.SetCharacterHandler(h)
}

// SetScanner arms a one-shot scanner for the next command only.
func (a *AT) SetScanner(s Scanner) {
	a.parser.SetScanner(s)
}

// HeadDrops returns the number of bytes discarded so far because an
// inbound line exceeded the line buffer capacity.
func (a *AT) HeadDrops() uint64 {
	return a.parser.HeadDrops()
}

// Open attaches rw as the channel's transport and starts the reader. Open
// is idempotent: calling it while already open is a no-op.
func (a *AT) Open(rw io.ReadWriter) error {
	if a.open.Load() {
		return nil
	}
	a.rw = rw
	a.portClose = make(chan struct{})
	a.readerDone = make(chan struct{})
	a.running.Store(true)
	a.suspended.Store(false)
	a.open.Store(true)
	go a.readerLoop()
	return nil
}

// Close detaches the transport and stops the reader. Close is idempotent.
// Any command blocked in Command/CommandRaw returns ErrClosed.
func (a *AT) Close() error {
	if !a.open.CompareAndSwap(true, false) {
		return nil
	}
	a.running.Store(false)
	close(a.portClose)
	if c, ok := a.rw.(io.Closer); ok {
		c.Close()
	}
	<-a.readerDone
	a.parser.Reset()
	return nil
}

// Suspend pauses the reader without releasing the transport: inbound bytes
// stop being consumed until Resume is called. Suspend takes effect after
// any Read currently in progress returns.
func (a *AT) Suspend() error {
	a.suspended.Store(true)
	return nil
}

// Resume reverses a prior Suspend.
func (a *AT) Resume() error {
	a.suspended.Store(false)
	select {
	case a.resumeCh <- struct{}{}:
	default:
	}
	return nil
}

func (a *AT) readerLoop() {
	defer close(a.readerDone)
	buf := make([]byte, 256)
	for a.running.Load() {
		if a.suspended.Load() {
			select {
			case <-a.resumeCh:
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		n, err := a.rw.Read(buf)
		if n > 0 {
			a.parser.Feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// onResponseComplete is the Parser's onComplete callback: it wakes a
// blocked Command/CommandRaw call, if one is waiting.
func (a *AT) onResponseComplete() {
	if a.waiting.CompareAndSwap(true, false) {
		select {
		case a.respCh <- struct{}{}:
		default:
		}
	}
}

// Command formats a command line from format and args, appends a carriage
// return, and sends it to the modem, returning the accumulated response
// text once the modem signals completion.
//
// The formatted line, including the trailing carriage return, must not
// exceed 80 bytes; ErrOverLongCommand is returned otherwise without
// touching the transport. The caller is responsible for including any
// leading "AT" the command set requires - Command neither adds nor expects
// one.
func (a *AT) Command(format string, args ...interface{}) (string, error) {
	line := fmt.Sprintf(format, args...)
	if len(line)+1 > maxCommandLen {
		return "", ErrOverLongCommand
	}
	return a.doCommand([]byte(line + "\r"))
}

// CommandRaw sends data to the modem unmodified - no carriage return is
// appended and no length limit is enforced - and returns the accumulated
// response text once the modem signals completion.
func (a *AT) CommandRaw(data []byte) (string, error) {
	return a.doCommand(data)
}

func (a *AT) doCommand(data []byte) (string, error) {
	if a.inURC.Load() {
		panic("at: URC handler called back into Command/CommandRaw")
	}
	if !a.open.Load() {
		return "", ErrClosed
	}
	if d := a.delay.Load(); d > 0 {
		time.Sleep(d)
	}
	if !a.open.Load() {
		return "", ErrClosed
	}

	a.parser.AwaitResponse()
	a.waiting.Store(true)
	select {
	case <-a.respCh:
	default:
	}

	n, err := a.rw.Write(data)
	if err != nil {
		a.waiting.Store(false)
		return "", err
	}
	if n != len(data) {
		a.waiting.Store(false)
		return "", ErrShortWrite
	}

	timeout := a.timeout.Load()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-a.respCh:
			return a.parser.Response(), nil
		case <-a.portClose:
			a.waiting.Store(false)
			return "", ErrClosed
		case <-deadline.C:
			a.waiting.Store(false)
			a.parser.Reset()
			if a.logger != nil {
				a.logger.Printf("at: timeout waiting for response to %q", strings.TrimRight(string(data), "\r"))
			}
			return "", ErrTimeout
		}
	}
}

// Send writes a formatted line to the modem without waiting for or
// consuming any response. It reports whether the full line was written.
func (a *AT) Send(format string, args ...interface{}) bool {
	return a.sendRaw([]byte(fmt.Sprintf(format, args...)))
}

// SendRaw writes data to the modem unmodified without waiting for or
// consuming any response. It reports whether all of data was written.
func (a *AT) SendRaw(data []byte) bool {
	return a.sendRaw(data)
}

func (a *AT) sendRaw(data []byte) bool {
	if !a.open.Load() {
		return false
	}
	n, err := a.rw.Write(data)
	return err == nil && n == len(data)
}

// SendHex hex-encodes data (uppercase A-F) and writes it to the modem in
// chunks of at most 40 input bytes (80 hex characters) per underlying
// write, without waiting for or consuming any response. It reports whether
// all chunks were written successfully.
func (a *AT) SendHex(data []byte) bool {
	var chunk [hexChunkBytes * 2]byte
	for len(data) > 0 {
		n := len(data)
		if n > hexChunkBytes {
			n = hexChunkBytes
		}
		encodeHex(chunk[:n*2], data[:n])
		if !a.sendRaw(chunk[:n*2]) {
			return false
		}
		data = data[n:]
	}
	return true
}

// Config probes option against value by issuing "AT+<option>?" and
// comparing the response against "+<option>: <value>". On mismatch it
// issues "AT+<option>=<value>" and retries, up to attempts times, with a
// one second back-off between attempts.
//
// It returns StatusOK once the probe confirms the option already holds
// value, StatusError if attempts is exhausted without confirmation, and
// StatusTimeout if a probe or set command fails to complete.
func (a *AT) Config(option, value string, attempts int) Status {
	prefix := "+" + option
	for i := 0; i < attempts; i++ {
		resp, err := a.Command("AT+%s?", option)
		if err != nil {
			return StatusTimeout
		}
		if info.HasPrefix(resp, prefix) && info.TrimPrefix(resp, prefix) == value {
			return StatusOK
		}
		if _, err := a.Command("AT+%s=%s", option, value); err != nil {
			return StatusTimeout
		}
		time.Sleep(time.Second)
	}
	return StatusError
}

// CommandSimple is Command for callers that only care whether the command
// succeeded, failed, or timed out, not the response text.
func (a *AT) CommandSimple(format string, args ...interface{}) Status {
	resp, err := a.Command(format, args...)
	return statusOf(resp, err)
}

// CommandRawSimple is CommandRaw for callers that only care whether the
// command succeeded, failed, or timed out, not the response text.
func (a *AT) CommandRawSimple(data []byte) Status {
	resp, err := a.CommandRaw(data)
	return statusOf(resp, err)
}

func statusOf(resp string, err error) Status {
	if err != nil {
		return StatusTimeout
	}
	if resp != "" {
		return StatusError
	}
	return StatusOK
}
