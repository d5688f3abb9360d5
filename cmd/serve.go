// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/canhacker/pkg/candrv"
	"github.com/Thermoquad/canhacker/pkg/lawicel"
)

var (
	serveDriver        string
	serveCan1          string
	serveCan2          string
	serveLoopback      bool
	serveIdle          time.Duration
	serveTick          time.Duration
	serveStatsInterval time.Duration
	serveListen        string
	servePath          string
	serveHeartbeat     time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the adapter core on a host link",
	Long: `Run the Lawicel adapter: answer host commands and forward CAN traffic.

The host link is either a serial device (--port, e.g. the USB gadget tty or
one end of a pty pair) or a WebSocket server (--listen) accepting one host
session at a time. Every session starts with both channels closed.

Drivers:
  virtual    in-memory two-channel bus; --loopback connects the channels
  socketcan  Linux CAN interfaces named by --can1 and --can2; the bit-rate
             is configured on the interface (ip link set ... bitrate N)

The virtual driver can generate traffic with --heartbeat.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveDriver, "driver", "virtual", "CAN driver (virtual, socketcan)")
	serveCmd.Flags().StringVar(&serveCan1, "can1", "can0", "SocketCAN interface for channel 1")
	serveCmd.Flags().StringVar(&serveCan2, "can2", "can1", "SocketCAN interface for channel 2")
	serveCmd.Flags().BoolVar(&serveLoopback, "loopback", false, "Connect the two virtual channels")
	serveCmd.Flags().DurationVar(&serveIdle, "idle", time.Millisecond, "Main loop sleep when there is nothing to do")
	serveCmd.Flags().DurationVar(&serveTick, "tick", time.Millisecond, "Timestamp counter resolution")
	serveCmd.Flags().DurationVar(&serveStatsInterval, "stats-interval", 0, "Log statistics at this interval (0 disables)")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Serve hosts over WebSocket on this address instead of --port")
	serveCmd.Flags().StringVar(&servePath, "path", "/slcan", "WebSocket endpoint path")
	serveCmd.Flags().DurationVar(&serveHeartbeat, "heartbeat", 0, "Inject a counter frame on both virtual channels at this interval")
}

// busDriver is a lawicel.Driver that reports received frames through a
// callback and owns resources.
type busDriver interface {
	lawicel.Driver
	OnReceive(fn lawicel.ReceiveFunc)
	Close() error
}

func newBusDriver() (busDriver, error) {
	switch serveDriver {
	case "virtual":
		return candrv.NewVirtual(serveLoopback), nil
	case "socketcan":
		return candrv.NewSocketCAN(serveCan1, serveCan2), nil
	}
	return nil, fmt.Errorf("unknown driver %q (use virtual or socketcan)", serveDriver)
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveIdle <= 0 || serveTick <= 0 {
		return fmt.Errorf("--idle and --tick must be positive")
	}

	drv, err := newBusDriver()
	if err != nil {
		return err
	}
	defer drv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if v, ok := drv.(*candrv.Virtual); ok && serveHeartbeat > 0 {
		go runHeartbeat(ctx, v, serveHeartbeat)
	}

	if serveListen != "" {
		return serveWebSocket(ctx, drv)
	}

	if portName == "" {
		return fmt.Errorf("either --port or --listen must be specified")
	}
	conn, err := OpenSerialConnection(portName, baudRate)
	if err != nil {
		return err
	}
	defer conn.Close()

	glog.Infof("serving on %s @ %d baud with %s driver", portName, baudRate, serveDriver)
	err = runAdapterSession(ctx, conn, drv)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runAdapterSession runs a fresh adapter on conn until ctx is done or the
// host link fails.
func runAdapterSession(ctx context.Context, conn Connection, drv busDriver) error {
	link := newHostLink(conn)
	adapter := lawicel.NewAdapter(link, drv, lawicel.NewTickClock(serveTick))
	drv.OnReceive(adapter.PacketReceived)
	defer drv.OnReceive(nil)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-link.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if serveStatsInterval > 0 {
		go logStatistics(ctx, adapter, serveStatsInterval)
	}

	err := adapter.Run(ctx, serveIdle)
	glog.Infof("session ended\n%s", adapter.Stats().Snapshot())

	select {
	case <-link.Done():
		if link.Err() != nil && !errors.Is(link.Err(), ErrConnectionClosed) {
			return fmt.Errorf("host link: %w", link.Err())
		}
		return nil
	default:
		return err
	}
}

func logStatistics(ctx context.Context, a *lawicel.Adapter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			glog.Infof("\n%s", a.Stats().Snapshot())
		}
	}
}

// runHeartbeat injects an incrementing frame on both virtual channels.
func runHeartbeat(ctx context.Context, v *candrv.Virtual, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var counter uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counter++
			data := []byte{byte(counter >> 24), byte(counter >> 16), byte(counter >> 8), byte(counter)}
			v.Inject(lawicel.Channel1, lawicel.NewFrame(0x100, data))
			v.Inject(lawicel.Channel2, lawicel.NewFrame(0x18FF0100, data))
		}
	}
}

//////////////////////////////////////////////////////////////
// WebSocket host link
//////////////////////////////////////////////////////////////

type sessionServer struct {
	drv      busDriver
	ctx      context.Context
	upgrader websocket.Upgrader
	busy     sync.Mutex
}

func newSessionServer(ctx context.Context, drv busDriver) *sessionServer {
	return &sessionServer{
		drv: drv,
		ctx: ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{slcanSubprotocol},
		},
	}
}

func (s *sessionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.busy.TryLock() {
		http.Error(w, "adapter busy", http.StatusConflict)
		return
	}
	defer s.busy.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	conn := NewWebSocketConnection(ws)
	defer conn.Close()

	glog.Infof("host connected from %s", r.RemoteAddr)
	if err := runAdapterSession(s.ctx, conn, s.drv); err != nil && !errors.Is(err, context.Canceled) {
		glog.Warningf("session %s: %v", r.RemoteAddr, err)
	}
	glog.Infof("host %s disconnected", r.RemoteAddr)
}

func serveWebSocket(ctx context.Context, drv busDriver) error {
	mux := http.NewServeMux()
	mux.Handle(servePath, newSessionServer(ctx, drv))
	srv := &http.Server{Addr: serveListen, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	glog.Infof("serving WebSocket hosts on %s%s with %s driver", serveListen, servePath, serveDriver)

	select {
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", serveListen, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
