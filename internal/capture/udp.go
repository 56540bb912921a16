// Package capture provides the production audio capture sources behind the
// [audio.Device] interface. The UDP source receives raw PCM datagrams from
// the telephony bridge, one datagram per frame.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/callvault/callvault/internal/config"
	"github.com/callvault/callvault/pkg/audio"
)

// maxDatagram bounds a single PCM datagram. 64 KiB covers two seconds of
// 16 kHz mono with headroom.
const maxDatagram = 64 << 10

// readDeadline paces the receive loop so a closed stream is noticed promptly.
const readDeadline = time.Second

// UDPDevice binds a UDP socket on Acquire and delivers each received datagram
// as one PCM frame in the configured format.
type UDPDevice struct {
	addr   string
	format audio.Format
}

// NewUDP creates a UDP capture device listening on addr, interpreting
// payloads as little-endian 16-bit PCM in the given format.
func NewUDP(addr string, format audio.Format) *UDPDevice {
	return &UDPDevice{addr: addr, format: format}
}

// Factory adapts the UDP source to the config registry.
func Factory() config.SourceFactory {
	return func(cfg config.CaptureConfig) (audio.Device, error) {
		return NewUDP(cfg.ListenAddr, audio.Format{
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
		}), nil
	}
}

// Acquire implements [audio.Device]. The returned stream owns the socket;
// closing the stream releases it.
func (d *UDPDevice) Acquire(_ context.Context) (audio.Stream, error) {
	addr, err := net.ResolveUDPAddr("udp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("capture: resolve %q: %w", d.addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("capture: listen %q: %w", d.addr, err)
	}

	s := &udpStream{
		conn:     conn,
		format:   d.format,
		frames:   make(chan audio.Frame, 64),
		loopDone: make(chan struct{}),
	}
	go s.receive()

	slog.Info("capture: udp source listening",
		"addr", conn.LocalAddr().String(),
		"sample_rate", d.format.SampleRate,
		"channels", d.format.Channels,
	)
	return s, nil
}

// udpStream is one acquired capture session on the UDP socket.
type udpStream struct {
	conn   *net.UDPConn
	format audio.Format

	frames   chan audio.Frame
	loopDone chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu        sync.Mutex
	received  uint64
	dropped   uint64
	malformed uint64
}

// Frames implements [audio.Stream].
func (s *udpStream) Frames() <-chan audio.Frame { return s.frames }

// Close implements [audio.Stream]. It releases the socket, waits for the
// receive loop to finish, and then closes the frames channel so consumers
// observe end of capture after draining queued frames.
func (s *udpStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
		<-s.loopDone
		close(s.frames)

		s.mu.Lock()
		received, dropped, malformed := s.received, s.dropped, s.malformed
		s.mu.Unlock()
		slog.Info("capture: udp source closed",
			"datagrams", received,
			"dropped", dropped,
			"malformed", malformed,
		)
	})
	return s.closeErr
}

// receive reads datagrams until the socket closes. The periodic read deadline
// only bounds how long an idle loop lingers after Close.
func (s *udpStream) receive() {
	defer close(s.loopDone)

	buf := make([]byte, maxDatagram)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return
		}
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("capture: udp read failed", "err", err)
			}
			return
		}
		s.ingest(buf[:n])
	}
}

// ingest validates one datagram and queues it as a frame. The socket reader
// must never block on a slow consumer, so a full queue drops the frame.
func (s *udpStream) ingest(payload []byte) {
	s.mu.Lock()
	s.received++
	s.mu.Unlock()

	// Interleaved 16-bit samples: the payload must hold whole sample frames.
	if len(payload) == 0 || len(payload)%(2*s.format.Channels) != 0 {
		s.mu.Lock()
		s.malformed++
		malformed := s.malformed
		s.mu.Unlock()
		if malformed == 1 {
			slog.Warn("capture: dropping malformed datagram", "bytes", len(payload))
		}
		return
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	frame := audio.Frame{
		Data:       data,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Timestamp:  time.Now(),
	}
	select {
	case s.frames <- frame:
	default:
		s.mu.Lock()
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		if dropped == 1 {
			slog.Warn("capture: frame queue full, dropping audio")
		}
	}
}
