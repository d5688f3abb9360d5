// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build linux

package candrv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/Thermoquad/canhacker/pkg/lawicel"
)

// canFrameSize is sizeof(struct can_frame).
const canFrameSize = 16

// readTimeout bounds each blocking read so readers notice shutdown.
const readTimeout = 100 * time.Millisecond

type socketChannel struct {
	fd   int
	mode lawicel.Mode
	stop chan struct{}
	done chan struct{}
}

// SocketCAN drives Linux CAN network interfaces, one per channel. The
// interface bit-rate is owned by the kernel (ip link set canX type can
// bitrate N) and is not changed by Init.
type SocketCAN struct {
	mu       sync.Mutex
	ifaces   [lawicel.NumChannels]string
	channels [lawicel.NumChannels]*socketChannel
	recv     lawicel.ReceiveFunc
}

// NewSocketCAN creates a driver mapping channel 1 and 2 to the given
// interface names. An empty name leaves that channel unavailable.
func NewSocketCAN(can1, can2 string) *SocketCAN {
	return &SocketCAN{ifaces: [lawicel.NumChannels]string{can1, can2}}
}

// OnReceive registers the callback for frames read from the interfaces.
func (s *SocketCAN) OnReceive(fn lawicel.ReceiveFunc) {
	s.mu.Lock()
	s.recv = fn
	s.mu.Unlock()
}

// Init implements lawicel.Driver. It (re)binds a raw socket to the
// channel's interface and starts its reader.
func (s *SocketCAN) Init(ch lawicel.Channel, rate lawicel.Bitrate, mode lawicel.Mode) error {
	if !ch.Valid() {
		return lawicel.ErrInvalidChannel
	}
	ifname := s.ifaces[ch]
	if ifname == "" {
		return fmt.Errorf("%s: %w", ch, ErrNoInterface)
	}

	s.mu.Lock()
	old := s.channels[ch]
	s.channels[ch] = nil
	s.mu.Unlock()
	if old != nil {
		old.shutdown()
	}

	fd, err := openRawSocket(ifname)
	if err != nil {
		return err
	}
	c := &socketChannel{
		fd:   fd,
		mode: mode,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.channels[ch] = c
	s.mu.Unlock()

	go s.readLoop(ch, c)
	glog.Infof("%s: bound to %s (%s requested, %s); bit-rate is set on the interface", ch, ifname, rate, mode)
	return nil
}

func openRawSocket(ifname string) (int, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return -1, fmt.Errorf("failed to create CAN socket: %w", err)
	}

	ifreq, err := unix.NewIfreq(ifname)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to create ifreq: %w", err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFINDEX, ifreq); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to get index of %s: %w", ifname, err)
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: int(ifreq.Uint32())}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to bind to %s: %w", ifname, err)
	}

	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to set read timeout: %w", err)
	}
	return fd, nil
}

// SetFilter implements lawicel.Driver by installing CAN_RAW_FILTER entries.
func (s *SocketCAN) SetFilter(ch lawicel.Channel, filters []lawicel.Filter) error {
	c, err := s.channel(ch)
	if err != nil {
		return err
	}
	raw := rawFilters(filters)
	if err := unix.SetsockoptCanRawFilter(c.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, raw); err != nil {
		return fmt.Errorf("failed to set filter on %s: %w", ch, err)
	}
	return nil
}

// Send implements lawicel.Driver.
func (s *SocketCAN) Send(ch lawicel.Channel, f lawicel.Frame) error {
	c, err := s.channel(ch)
	if err != nil {
		return err
	}
	if c.mode == lawicel.ModeListenOnly {
		return fmt.Errorf("%s: %w", ch, ErrListenOnly)
	}

	var buf [canFrameSize]byte
	encodeFrame(buf[:], f)
	n, err := unix.Write(c.fd, buf[:])
	if err != nil {
		return fmt.Errorf("write on %s: %w", ch, err)
	}
	if n != canFrameSize {
		return fmt.Errorf("short write on %s: %d bytes", ch, n)
	}
	return nil
}

// Close stops every reader and releases the sockets.
func (s *SocketCAN) Close() error {
	s.mu.Lock()
	channels := s.channels
	s.channels = [lawicel.NumChannels]*socketChannel{}
	s.mu.Unlock()

	for _, c := range channels {
		if c != nil {
			c.shutdown()
		}
	}
	return nil
}

func (s *SocketCAN) channel(ch lawicel.Channel) (*socketChannel, error) {
	if !ch.Valid() {
		return nil, lawicel.ErrInvalidChannel
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.channels[ch]
	if c == nil {
		return nil, fmt.Errorf("%s: %w", ch, ErrNotInitialized)
	}
	return c, nil
}

func (c *socketChannel) shutdown() {
	close(c.stop)
	<-c.done
	unix.Close(c.fd)
}

func (s *SocketCAN) readLoop(ch lawicel.Channel, c *socketChannel) {
	defer close(c.done)
	buf := make([]byte, canFrameSize)

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		n, err := unix.Read(c.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			glog.Errorf("%s: read error: %v", ch, err)
			return
		}
		if n < canFrameSize {
			glog.Warningf("%s: incomplete CAN frame received: %d bytes", ch, n)
			continue
		}

		f, ok := decodeFrame(buf)
		if !ok {
			continue
		}
		s.mu.Lock()
		fn := s.recv
		s.mu.Unlock()
		if fn != nil {
			fn(ch, f)
		}
	}
}

// encodeFrame writes f as a struct can_frame.
func encodeFrame(buf []byte, f lawicel.Frame) {
	id := f.ID & unix.CAN_SFF_MASK
	if f.Extended {
		id = f.ID&unix.CAN_EFF_MASK | unix.CAN_EFF_FLAG
	}
	binary.NativeEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	buf[5], buf[6], buf[7] = 0, 0, 0
	copy(buf[8:16], f.Data[:])
}

// decodeFrame parses a struct can_frame. Error and remote frames have no
// representation in the adapter protocol and are skipped.
func decodeFrame(buf []byte) (lawicel.Frame, bool) {
	raw := binary.NativeEndian.Uint32(buf[0:4])
	if raw&(unix.CAN_ERR_FLAG|unix.CAN_RTR_FLAG) != 0 {
		return lawicel.Frame{}, false
	}

	var f lawicel.Frame
	if raw&unix.CAN_EFF_FLAG != 0 {
		f.ID = raw & unix.CAN_EFF_MASK
		f.Extended = true
	} else {
		f.ID = raw & unix.CAN_SFF_MASK
	}
	f.Len = buf[4]
	if f.Len > lawicel.MaxDataLength {
		f.Len = lawicel.MaxDataLength
	}
	copy(f.Data[:], buf[8:16])
	return f, true
}

// rawFilters maps adapter filters to kernel filters. The frame format flag
// is part of every mask so 11-bit entries never match extended frames and
// vice versa.
func rawFilters(filters []lawicel.Filter) []unix.CanFilter {
	out := make([]unix.CanFilter, 0, len(filters))
	for _, f := range filters {
		if f.Kind == lawicel.FilterMask29 {
			out = append(out, unix.CanFilter{
				Id:   f.ID&unix.CAN_EFF_MASK | unix.CAN_EFF_FLAG,
				Mask: f.Mask&unix.CAN_EFF_MASK | unix.CAN_EFF_FLAG,
			})
			continue
		}
		out = append(out, unix.CanFilter{
			Id:   f.ID & unix.CAN_SFF_MASK,
			Mask: f.Mask&unix.CAN_SFF_MASK | unix.CAN_EFF_FLAG,
		})
	}
	return out
}
