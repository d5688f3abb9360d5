// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/Thermoquad/canhacker/pkg/lawicel"
)

// ErrCommandTimeout is returned when the adapter does not answer a command.
var ErrCommandTimeout = errors.New("no reply from adapter")

//////////////////////////////////////////////////////////////
// Adapter side: Connection -> lawicel.Transport
//////////////////////////////////////////////////////////////

// hostLink adapts a Connection to lawicel.Transport. A reader goroutine
// moves incoming bytes into a buffered channel so Receive never blocks.
type hostLink struct {
	conn    Connection
	chunks  chan []byte
	pending []byte
	done    chan struct{}
	err     error
}

func newHostLink(conn Connection) *hostLink {
	l := &hostLink{
		conn:   conn,
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *hostLink) readLoop() {
	defer close(l.done)
	buf := make([]byte, 256)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			l.chunks <- chunk
		}
		if err != nil {
			l.err = err
			return
		}
	}
}

// Receive implements lawicel.Transport.
func (l *hostLink) Receive(p []byte) int {
	if len(l.pending) == 0 {
		select {
		case c := <-l.chunks:
			l.pending = c
		default:
			return 0
		}
	}
	n := copy(p, l.pending)
	l.pending = l.pending[n:]
	return n
}

// Send implements lawicel.Transport.
func (l *hostLink) Send(p []byte) error {
	_, err := l.conn.Write(p)
	return err
}

// Done is closed when the connection stops delivering data.
func (l *hostLink) Done() <-chan struct{} {
	return l.done
}

// Err returns the read error that ended the link. Valid after Done.
func (l *hostLink) Err() error {
	return l.err
}

//////////////////////////////////////////////////////////////
// Host side: Connection -> decoded responses
//////////////////////////////////////////////////////////////

// adapterLink decodes everything an adapter sends into responses.
type adapterLink struct {
	conn      Connection
	responses chan lawicel.Response
	errs      chan error
	done      chan struct{}
	writeMu   sync.Mutex
	err       error
}

func newAdapterLink(conn Connection) *adapterLink {
	l := &adapterLink{
		conn:      conn,
		responses: make(chan lawicel.Response, 256),
		errs:      make(chan error, 16),
		done:      make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *adapterLink) readLoop() {
	defer close(l.done)
	decoder := lawicel.NewResponseDecoder()
	buf := make([]byte, 256)

	for {
		n, err := l.conn.Read(buf)
		for i := 0; i < n; i++ {
			r, decodeErr := decoder.DecodeByte(buf[i])
			if decodeErr != nil {
				select {
				case l.errs <- decodeErr:
				default:
				}
				continue
			}
			if r != nil {
				l.responses <- *r
			}
		}
		if err != nil {
			l.err = err
			return
		}
	}
}

// Responses delivers decoded adapter output.
func (l *adapterLink) Responses() <-chan lawicel.Response {
	return l.responses
}

// DecodeErrors delivers lines that could not be decoded. Errors are dropped
// when nobody reads them.
func (l *adapterLink) DecodeErrors() <-chan error {
	return l.errs
}

// Done is closed when the connection stops delivering data.
func (l *adapterLink) Done() <-chan struct{} {
	return l.done
}

// Err returns the read error that ended the link. Valid after Done.
func (l *adapterLink) Err() error {
	return l.err
}

// Write sends raw bytes to the adapter.
func (l *adapterLink) Write(p []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := l.conn.Write(p)
	return err
}

// Command sends cmd and waits for the acknowledgement, NAK or text reply.
// Received frames that arrive meanwhile are passed to onFrame, if set.
// A rejected command gets no reply and ends in ErrCommandTimeout.
func (l *adapterLink) Command(cmd []byte, timeout time.Duration, onFrame func(lawicel.Response)) (lawicel.Response, error) {
	if err := l.Write(cmd); err != nil {
		return lawicel.Response{}, fmt.Errorf("write %q: %w", cmd, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case r := <-l.responses:
			if r.Kind == lawicel.ResponseFrame {
				if onFrame != nil {
					onFrame(r)
				}
				continue
			}
			return r, nil
		case <-l.done:
			if l.err != nil {
				return lawicel.Response{}, l.err
			}
			return lawicel.Response{}, ErrConnectionClosed
		case <-deadline.C:
			return lawicel.Response{}, fmt.Errorf("%q: %w", cmd, ErrCommandTimeout)
		}
	}
}

// Expect runs Command and requires a bare acknowledgement.
func (l *adapterLink) Expect(cmd []byte, timeout time.Duration, onFrame func(lawicel.Response)) error {
	r, err := l.Command(cmd, timeout, onFrame)
	if err != nil {
		return err
	}
	if r.Kind != lawicel.ResponseAck {
		return fmt.Errorf("%q: unexpected reply %s %q", cmd, r.Kind, r.Text)
	}
	return nil
}

// channelSetup describes how a host command prepares a channel.
type channelSetup struct {
	channel lawicel.Channel
	rate    lawicel.Bitrate
	mode    lawicel.Mode
}

// parseChannelSetup validates the --channel and --bitrate flags. Channels
// are numbered from 1 as on the wire; bitrate is in bit/s, 0 leaves the
// channel as it is.
func parseChannelSetup(channel int, bitrate int, listen bool) (channelSetup, error) {
	ch := lawicel.Channel(channel - 1)
	if channel < 1 || !ch.Valid() {
		return channelSetup{}, fmt.Errorf("%w: %d (use 1 or 2)", lawicel.ErrInvalidChannel, channel)
	}
	rate := lawicel.Bitrate(bitrate)
	if rate != 0 && rate.Code() == 0 {
		return channelSetup{}, fmt.Errorf("%w: %d bit/s", lawicel.ErrInvalidBitrate, bitrate)
	}
	mode := lawicel.ModeNormal
	if listen {
		mode = lawicel.ModeListenOnly
	}
	return channelSetup{channel: ch, rate: rate, mode: mode}, nil
}

// Open selects the bit-rate and opens the channel. Without a bit-rate the
// adapter is left untouched.
func (l *adapterLink) Open(s channelSetup, timeout time.Duration) error {
	if s.rate == 0 {
		return nil
	}
	speed, err := lawicel.SpeedCommand(s.channel, s.rate)
	if err != nil {
		return err
	}
	open, err := lawicel.OpenCommand(s.channel, s.mode)
	if err != nil {
		return err
	}
	if err := l.Expect(speed, timeout, nil); err != nil {
		return fmt.Errorf("set bit-rate: %w", err)
	}
	if err := l.Expect(open, timeout, nil); err != nil {
		return fmt.Errorf("open %s: %w", s.channel, err)
	}
	glog.V(1).Infof("%s: opened at %s (%s)", s.channel, s.rate, s.mode)
	return nil
}
