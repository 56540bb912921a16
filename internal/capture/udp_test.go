package capture

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/callvault/callvault/internal/config"
	"github.com/callvault/callvault/pkg/audio"
)

func acquireLoopback(t *testing.T, format audio.Format) (*udpStream, *net.UDPConn) {
	t.Helper()

	dev := NewUDP("127.0.0.1:0", format)
	stream, err := dev.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	us := stream.(*udpStream)
	t.Cleanup(func() { _ = us.Close() })

	sender, err := net.DialUDP("udp", nil, us.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	t.Cleanup(func() { _ = sender.Close() })
	return us, sender
}

func TestUDPStream_DeliversDatagramsAsFrames(t *testing.T) {
	format := audio.Format{SampleRate: 16000, Channels: 1}
	stream, sender := acquireLoopback(t, format)

	payload := make([]byte, 320) // 10ms of 16kHz mono
	payload[0], payload[1] = 0x12, 0x34
	if _, err := sender.Write(payload); err != nil {
		t.Fatalf("send datagram: %v", err)
	}

	select {
	case frame := <-stream.Frames():
		if len(frame.Data) != len(payload) {
			t.Errorf("frame bytes = %d, want %d", len(frame.Data), len(payload))
		}
		if frame.Data[0] != 0x12 || frame.Data[1] != 0x34 {
			t.Error("frame payload does not match datagram")
		}
		if frame.SampleRate != 16000 || frame.Channels != 1 {
			t.Errorf("frame format = %d/%d", frame.SampleRate, frame.Channels)
		}
		if frame.Timestamp.IsZero() {
			t.Error("frame timestamp not set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
}

func TestUDPStream_DropsMalformedDatagrams(t *testing.T) {
	stream, sender := acquireLoopback(t, audio.Format{SampleRate: 16000, Channels: 2})

	// Odd byte count cannot hold whole interleaved 16-bit stereo samples.
	if _, err := sender.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("send datagram: %v", err)
	}
	// A valid frame after it must still come through.
	if _, err := sender.Write(make([]byte, 640)); err != nil {
		t.Fatalf("send datagram: %v", err)
	}

	select {
	case frame := <-stream.Frames():
		if len(frame.Data) != 640 {
			t.Errorf("frame bytes = %d, want the valid datagram only", len(frame.Data))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame did not survive a malformed predecessor")
	}
}

func TestUDPStream_CloseEndsFrames(t *testing.T) {
	stream, _ := acquireLoopback(t, audio.Format{SampleRate: 16000, Channels: 1})

	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case _, ok := <-stream.Frames():
		if ok {
			t.Error("frame delivered after close, want closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frames channel not closed")
	}

	// Close is idempotent.
	if err := stream.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestFactory_BuildsConfiguredDevice(t *testing.T) {
	factory := Factory()
	dev, err := factory(config.CaptureConfig{
		Source:     "udp",
		ListenAddr: "127.0.0.1:0",
		SampleRate: 48000,
		Channels:   2,
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	udp, ok := dev.(*UDPDevice)
	if !ok {
		t.Fatalf("device type = %T", dev)
	}
	if udp.format.SampleRate != 48000 || udp.format.Channels != 2 {
		t.Errorf("device format = %+v", udp.format)
	}
}

func TestAcquire_AddressInUse(t *testing.T) {
	first, _ := acquireLoopback(t, audio.Format{SampleRate: 16000, Channels: 1})

	dev := NewUDP(first.conn.LocalAddr().String(), audio.Format{SampleRate: 16000, Channels: 1})
	if _, err := dev.Acquire(context.Background()); err == nil {
		t.Error("Acquire succeeded on an address already in use")
	}
}
