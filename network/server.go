package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultListenAddr binds the device port on all interfaces.
	DefaultListenAddr = ":9000"
	// DefaultShutdownTimeout bounds waiting for handler goroutines on Close.
	DefaultShutdownTimeout = 5 * time.Second
)

// Callbacks is the event surface the server republishes to its owner. All
// callbacks run synchronously on the goroutine that detected the event.
type Callbacks struct {
	// DeviceConnected fires after a successful hello handshake.
	DeviceConnected func(device DeviceInfo)
	// DeviceDisconnected fires exactly once per registered device, on any
	// disconnect path (explicit, read/write error, heartbeat timeout,
	// shutdown).
	DeviceDisconnected func(deviceID string)
	// Message fires for every successfully decoded post-handshake message.
	Message func(deviceID string, message Message)
}

// Options configures the device connection server.
type Options struct {
	Addr              string
	ReadTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ShutdownTimeout   time.Duration
	Logger            zerolog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.Addr == "" {
		out.Addr = DefaultListenAddr
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = DefaultShutdownTimeout
	}
	return out
}

// Server accepts device connections, runs one handler per socket, and
// sweeps silent devices out of the registry.
type Server struct {
	options   Options
	log       zerolog.Logger
	listener  net.Listener
	registry  *registry
	callbacks Callbacks

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
	started   bool
}

// NewServer binds the listening socket. A bind failure is the only fatal
// initialization error; everything after Start degrades gracefully.
func NewServer(options Options) (*Server, error) {
	opts := options.withDefaults()

	listener, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", opts.Addr, err)
	}

	return &Server{
		options:  opts,
		log:      opts.Logger,
		listener: listener,
		registry: newRegistry(),
		closed:   make(chan struct{}),
	}, nil
}

// Start launches the accept loop and heartbeat sweep. Callbacks must be
// set here, before the first device can connect.
func (s *Server) Start(callbacks Callbacks) {
	if s.started {
		return
	}
	s.started = true
	s.callbacks = callbacks

	s.wg.Add(2)
	go s.acceptLoop()
	go s.heartbeatLoop()

	s.log.Info().Str("addr", s.listener.Addr().String()).Msg("device server listening")
}

// Addr returns the bound listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Devices returns a snapshot of all registered devices.
func (s *Server) Devices() []DeviceInfo {
	return s.registry.snapshot()
}

// Send encodes and writes one message to a single device. An unknown
// device ID returns false; a write failure disconnects the device through
// the ordinary path and returns false.
func (s *Server) Send(deviceID string, message Message) bool {
	device := s.registry.get(deviceID)
	if device == nil {
		return false
	}

	payload, err := Encode(message)
	if err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("encode outbound message")
		return false
	}

	if err := device.conn.send(payload); err != nil {
		s.dropDevice(device, fmt.Errorf("write %s: %w", message.Kind(), err))
		return false
	}
	return true
}

// Broadcast writes one message to every registered device and returns the
// number of devices whose send succeeded. It iterates a stable snapshot,
// so registration churn during the broadcast never double-counts; it is
// not atomic across devices.
func (s *Server) Broadcast(message Message) int {
	payload, err := Encode(message)
	if err != nil {
		s.log.Error().Err(err).Str("kind", message.Kind()).Msg("encode broadcast message")
		return 0
	}

	count := 0
	for _, info := range s.registry.snapshot() {
		device := s.registry.get(info.ID)
		if device == nil {
			continue
		}
		if err := device.conn.send(payload); err != nil {
			s.dropDevice(device, fmt.Errorf("broadcast %s: %w", message.Kind(), err))
			continue
		}
		count++
	}
	return count
}

// Disconnect administratively removes one device through the ordinary
// disconnect path.
func (s *Server) Disconnect(deviceID string) bool {
	device := s.registry.get(deviceID)
	if device == nil {
		return false
	}
	s.dropDevice(device, nil)
	return true
}

// Close stops accepting, disconnects every registered device through the
// normal path, and waits for handler goroutines up to ShutdownTimeout.
// It is idempotent.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()

		for _, device := range s.registry.all() {
			s.dropDevice(device, nil)
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.options.ShutdownTimeout):
			s.log.Warn().Msg("shutdown timed out waiting for connection handlers")
		}
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("accept connection")
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn runs the per-socket state machine:
// AWAITING_HELLO -> REGISTERED -> CLOSED.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	remoteAddr := conn.RemoteAddr().String()
	log := s.log.With().Str("remote_addr", remoteAddr).Logger()

	device, ok := s.awaitHello(conn, log)
	if !ok {
		_ = conn.Close()
		return
	}

	log = log.With().Str("device_id", device.ID).Logger()
	log.Info().Strs("capabilities", device.Capabilities).Msg("device registered")

	if replaced := s.registry.register(device); replaced != nil {
		log.Warn().Msg("device reconnected, superseding previous connection")
		s.dropDevice(replaced, nil)
	}
	if cb := s.callbacks.DeviceConnected; cb != nil {
		s.invoke("device-connected", func() { cb(device.Info()) })
	}

	readErr := s.readLoop(conn, device, log)
	s.dropDevice(device, readErr)
}

// awaitHello reads frames until the first valid hello. Non-hello messages
// before registration are dropped with a warning; the peer is not yet
// accepted as a device. Frame-level errors (timeout, short read, oversize)
// are connection-fatal.
func (s *Server) awaitHello(conn net.Conn, log zerolog.Logger) (*Device, bool) {
	for {
		payload, err := ReadFrameWithTimeout(conn, s.options.ReadTimeout)
		if err != nil {
			log.Debug().Err(err).Msg("connection closed before handshake")
			return nil, false
		}

		message, err := Decode(payload)
		if err != nil {
			log.Warn().Err(err).Msg("undecodable message before handshake")
			continue
		}

		hello, ok := message.(Hello)
		if !ok {
			log.Warn().Str("kind", message.Kind()).Msg("dropping message from unregistered peer")
			continue
		}

		now := time.Now()
		device := &Device{
			ID:           hello.DeviceID,
			Capabilities: append([]string(nil), hello.Capabilities...),
			ConnectedAt:  now,
			RemoteAddr:   conn.RemoteAddr().String(),
			conn:         newDeviceConn(conn),
		}
		device.touch(now)
		return device, true
	}
}

// readLoop processes framed messages in strict arrival order until the
// connection dies. Every decoded message refreshes the heartbeat and is
// forwarded through the generic message callback; a repeated hello is
// ignored as a registration (the device is not re-created). A single
// undecodable message is logged and skipped, never connection-fatal.
func (s *Server) readLoop(conn net.Conn, device *Device, log zerolog.Logger) error {
	for {
		payload, err := ReadFrameWithTimeout(conn, s.options.ReadTimeout)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			return err
		}

		message, err := Decode(payload)
		if err != nil {
			log.Warn().Err(err).Msg("skipping undecodable message")
			continue
		}

		s.registry.touch(device.ID, time.Now())

		if cb := s.callbacks.Message; cb != nil {
			s.invoke("message-received", func() { cb(device.ID, message) })
		}
	}
}

// dropDevice is the single disconnect path. The registry removal decides
// the winner under concurrent disconnect attempts, so the disconnected
// callback fires exactly once and a double disconnect is a no-op.
func (s *Server) dropDevice(device *Device, reason error) {
	if !s.registry.remove(device) {
		device.conn.close()
		return
	}
	device.conn.close()

	event := s.log.Info().Str("device_id", device.ID)
	if reason != nil {
		event = event.Err(reason)
	}
	event.Msg("device disconnected")

	if cb := s.callbacks.DeviceDisconnected; cb != nil {
		s.invoke("device-disconnected", func() { cb(device.ID) })
	}
}

func (s *Server) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			for _, device := range s.registry.stale(now, s.options.HeartbeatTimeout) {
				s.log.Warn().
					Str("device_id", device.ID).
					Time("last_heartbeat", device.heartbeatAt()).
					Msg("heartbeat timeout")
				s.dropDevice(device, nil)
			}
		case <-s.closed:
			return
		}
	}
}

// invoke isolates a callback so a misbehaving collaborator cannot kill a
// handler goroutine or block processing for other devices.
func (s *Server) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("callback", name).Msg("callback panicked")
		}
	}()
	fn()
}
