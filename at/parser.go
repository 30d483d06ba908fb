// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package at

import (
	"bytes"
	"sync"
)

// state is the parser's current mode of operation.
type state int

const (
	stateIdle state = iota
	stateAwaitingResponse
	stateReadingRaw
	stateReadingHex
)

// Parser is a byte-driven state machine that segments an inbound stream
// into lines, classifies each as part of a command response or as an
// unsolicited result code, and handles embedded binary payloads and data
// prompts.
//
// Parser is fed only from the channel's reader: it is exclusively owned by
// that goroutine. Feed never blocks. The arming methods (AwaitResponse,
// ExpectDataPrompt, SetCharacterHandler, SetScanner, Reset) may be called
// from a different goroutine (the waiter) provided the channel coordinator
// upholds the one-command-at-a-time contract documented on AT.
//
// Parser guards its fields with a mutex rather than relying on that
// contract alone: unlike the C original this is derived from, nothing here
// depends on racy bit-fields, and a lock is cheap compared to the UART I/O
// surrounding it. The lock is never held while invoking a caller-supplied
// callback (scanner, character handler, URC handler), so a callback may
// freely call back into the Parser (e.g. a character handler clearing
// itself) without deadlocking.
type Parser struct {
	mu sync.Mutex

	line lineBuffer
	resp responseBuffer

	state state

	pending   int // bytes (raw) or hex characters (hex) remaining
	hexHi     byte
	hexHaveHi bool
	respMark int // response buffer mark to roll back to for synthetic payload lines

	dataPrompt []byte

	scanner     Scanner // per-command, one-shot
	charHandler CharacterHandler

	defaultScanner Scanner
	urcHandler     URCHandler

	onComplete func()
	onHeadDrop func(total uint64)

	headDrops uint64
}

// NewParser creates a Parser in the Idle state.
func NewParser() *Parser {
	return &Parser{}
}

// SetDefaultScanner installs the caller's default line scanner, tried after
// any per-command scanner and before the built-in default.
func (p *Parser) SetDefaultScanner(s Scanner) {
	p.mu.Lock()
	p.defaultScanner = s
	p.mu.Unlock()
}

// SetURCHandler installs the handler invoked for lines classified as URCs.
func (p *Parser) SetURCHandler(h URCHandler) {
	p.mu.Lock()
	p.urcHandler = h
	p.mu.Unlock()
}

// setOnComplete installs the callback invoked (without the lock held)
// whenever the parser reaches a terminal classification for the command in
// flight.
func (p *Parser) setOnComplete(f func()) {
	p.mu.Lock()
	p.onComplete = f
	p.mu.Unlock()
}

// setOnHeadDrop installs the callback invoked (without the lock held,
// passing the running total) whenever the line buffer head-drops a byte.
func (p *Parser) setOnHeadDrop(f func(total uint64)) {
	p.mu.Lock()
	p.onHeadDrop = f
	p.mu.Unlock()
}

// AwaitResponse arms the parser for the next command: the response buffer
// is cleared and the parser transitions to AwaitingResponse. Any
// in-progress raw/hex payload is discarded.
func (p *Parser) AwaitResponse() {
	p.mu.Lock()
	p.resp.Reset()
	p.state = stateAwaitingResponse
	p.pending = 0
	p.mu.Unlock()
}

// SetScanner arms a one-shot scanner for the next command only; it is
// consumed (cleared) when that command completes.
func (p *Parser) SetScanner(s Scanner) {
	p.mu.Lock()
	p.scanner = s
	p.mu.Unlock()
}

// SetCharacterHandler installs a character handler that persists until
// explicitly cleared (SetCharacterHandler(nil)) or the parser is Reset.
func (p *Parser) SetCharacterHandler(h CharacterHandler) {
	p.mu.Lock()
	p.charHandler = h
	p.mu.Unlock()
}

// ExpectDataPrompt arms prefix detection for the next command only. prefix
// is typically "> " or "@". The expectation is cleared on match or Reset.
func (p *Parser) ExpectDataPrompt(prefix string) {
	p.mu.Lock()
	if prefix == "" {
		p.dataPrompt = nil
	} else {
		p.dataPrompt = []byte(prefix)
	}
	p.mu.Unlock()
}

// Reset returns the parser to Idle, clearing the line buffer and any armed
// per-command scanner, character handler and data prompt. The response
// buffer is left untouched.
func (p *Parser) Reset() {
	p.mu.Lock()
	p.state = stateIdle
	p.line.Reset()
	p.scanner = nil
	p.charHandler = nil
	p.dataPrompt = nil
	p.pending = 0
	p.mu.Unlock()
}

// Response returns a copy of the accumulated response buffer content.
func (p *Parser) Response() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resp.String()
}

// HeadDrops returns the number of bytes silently discarded so far due to
// line buffer overflow.
func (p *Parser) HeadDrops() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.headDrops
}

// Feed accepts inbound bytes. It never blocks.
func (p *Parser) Feed(data []byte) {
	for _, b := range data {
		p.feedByte(b)
	}
}

func (p *Parser) feedByte(b byte) {
	p.mu.Lock()
	mode := p.state
	p.mu.Unlock()

	if mode == stateReadingRaw || mode == stateReadingHex {
		p.feedPayloadByte(b, mode)
		return
	}

	eff := b
	if h := p.getCharHandler(); h != nil {
		snapshot := p.lineSnapshot()
		eff = h(b, snapshot)
	}
	switch eff {
	case 0:
		return
	case '\r':
		return
	case '\n':
		p.completeCurrentLine()
		return
	}

	p.mu.Lock()
	before := p.headDrops
	p.line.WriteByte(&p.headDrops, eff)
	dropped := p.headDrops != before
	onDrop := p.onHeadDrop
	total := p.headDrops
	matched := false
	if p.state == stateAwaitingResponse && p.dataPrompt != nil && bytes.Equal(p.line.Bytes(), p.dataPrompt) {
		p.line.Reset()
		p.dataPrompt = nil
		matched = true
	}
	p.mu.Unlock()
	if dropped && onDrop != nil {
		onDrop(total)
	}
	if matched {
		p.completeWithPromptMatch()
	}
}

func (p *Parser) getCharHandler() CharacterHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.charHandler
}

func (p *Parser) lineSnapshot() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.line.Bytes()...)
}

// completeCurrentLine is called when a '\n' (effective or literal) has been
// seen. An empty line produces no event.
func (p *Parser) completeCurrentLine() {
	p.mu.Lock()
	if p.line.n == 0 {
		p.mu.Unlock()
		return
	}
	line := append([]byte(nil), p.line.Bytes()...)
	p.line.Reset()
	p.mu.Unlock()

	p.dispatchLine(line, false)
}

// completeWithPromptMatch is called when the accumulated line buffer
// exactly matches the armed data prompt prefix, without a newline.
func (p *Parser) completeWithPromptMatch() {
	p.mu.Lock()
	p.state = stateIdle
	p.scanner = nil
	p.mu.Unlock()
	p.signalComplete()
}

// dispatchLine classifies line and applies the resulting transition.
// isPayload indicates line is a synthetic line carrying a raw/hex payload
// rather than ordinary text; in that case the payload bytes have already
// been written into the response buffer at respMark, and a FinalOk or URC
// classification rolls that write back.
func (p *Parser) dispatchLine(line []byte, isPayload bool) {
	cls := p.classify(line)

	p.mu.Lock()
	st := p.state
	switch st {
	case stateIdle:
		p.mu.Unlock()
		if cls.Kind == URC {
			p.dispatchURC(line)
		}
		return

	case stateAwaitingResponse:
		switch cls.Kind {
		case Intermediate, Unknown:
			if !isPayload {
				p.resp.AppendLine(line)
			}
			p.mu.Unlock()
			return

		case URC:
			if isPayload {
				p.resp.Truncate(p.respMark)
			}
			p.mu.Unlock()
			p.dispatchURC(line)
			return

		case Final:
			if !isPayload {
				p.resp.AppendLine(line)
			}
			p.state = stateIdle
			p.scanner = nil
			p.dataPrompt = nil
			p.mu.Unlock()
			p.signalComplete()
			return

		case FinalOk:
			if isPayload {
				p.resp.Truncate(p.respMark)
			}
			p.state = stateIdle
			p.scanner = nil
			p.dataPrompt = nil
			p.mu.Unlock()
			p.signalComplete()
			return

		case RawDataFollows:
			p.resp.AppendLine(line)
			p.respMark = p.resp.Len()
			p.pending = cls.N
			empty := cls.N == 0
			if empty {
				p.state = stateAwaitingResponse
			} else {
				p.state = stateReadingRaw
			}
			p.mu.Unlock()
			if empty {
				p.dispatchLine(nil, true)
			}
			return

		case HexDataFollows:
			p.resp.AppendLine(line)
			p.respMark = p.resp.Len()
			p.pending = cls.N * 2
			p.hexHaveHi = false
			empty := cls.N == 0
			if empty {
				p.state = stateAwaitingResponse
			} else {
				p.state = stateReadingHex
			}
			p.mu.Unlock()
			if empty {
				p.dispatchLine(nil, true)
			}
			return
		}
		p.mu.Unlock()
		return

	default:
		p.mu.Unlock()
		return
	}
}

func (p *Parser) feedPayloadByte(b byte, mode state) {
	var line []byte
	done := false

	p.mu.Lock()
	switch mode {
	case stateReadingRaw:
		p.resp.Append([]byte{b})
		p.pending--
		done = p.pending == 0
	case stateReadingHex:
		nib, ok := decodeHexNibble(b)
		if !ok {
			p.mu.Unlock()
			return
		}
		if !p.hexHaveHi {
			p.hexHi = nib
			p.hexHaveHi = true
		} else {
			p.resp.Append([]byte{p.hexHi<<4 | nib})
			p.hexHaveHi = false
		}
		p.pending--
		done = p.pending == 0
	}
	if done {
		p.state = stateAwaitingResponse
		line = append([]byte(nil), p.resp.buf[p.respMark:p.resp.n]...)
	}
	p.mu.Unlock()

	if done {
		p.dispatchLine(line, true)
	}
}

// classify runs the scanner chain: per-command scanner, then caller
// default, then the built-in default.
func (p *Parser) classify(line []byte) Classification {
	p.mu.Lock()
	scanner := p.scanner
	def := p.defaultScanner
	p.mu.Unlock()

	if scanner != nil {
		if c := scanner(line); c.Kind != Unknown {
			return c
		}
	}
	if def != nil {
		if c := def(line); c.Kind != Unknown {
			return c
		}
	}
	return defaultScan(line)
}

func (p *Parser) dispatchURC(line []byte) {
	p.mu.Lock()
	h := p.urcHandler
	p.mu.Unlock()
	if h != nil {
		h(line)
	}
}

func (p *Parser) signalComplete() {
	p.mu.Lock()
	f := p.onComplete
	p.mu.Unlock()
	if f != nil {
		f()
	}
}
