package rtp

import (
	"bytes"
	"net/netip"
	"testing"
)

func addr(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("192.0.2.10"), port)
}

// packet builds a datagram with a 12-byte header followed by payload.
func packet(payload ...byte) []byte {
	return append(make([]byte, DefaultHeaderSize), payload...)
}

func TestCreateStreamIdempotent(t *testing.T) {
	s := NewServer("127.0.0.1", 10000)
	a := s.CreateStream(20000)
	b := s.CreateStream(20000)
	if a != b {
		t.Fatal("CreateStream for the same port returned a different stream")
	}
}

func TestEndStreamThenCreateReturnsFresh(t *testing.T) {
	s := NewServer("127.0.0.1", 10000)
	a := s.CreateStream(20000)
	s.EndStream(20000)
	b := s.CreateStream(20000)
	if a == b {
		t.Fatal("CreateStream after EndStream returned the old stream")
	}
	if a.Active() {
		t.Fatal("ended stream still active")
	}
	if !b.Active() {
		t.Fatal("fresh stream not active")
	}
}

func TestEndStreamUnknownPortIsNoop(t *testing.T) {
	s := NewServer("127.0.0.1", 10000)
	s.EndStream(9999) // must not panic
}

func TestDemuxBindsFirstUnboundInDeclarationOrder(t *testing.T) {
	s := NewServer("127.0.0.1", 10000)
	first := s.CreateStream(20000)
	second := s.CreateStream(20002)

	s.handleDatagram(packet(1, 2), addr(30000))
	if _, bound := first.RemoteAddr(); !bound {
		t.Fatal("first declared stream was not bound")
	}
	if _, bound := second.RemoteAddr(); bound {
		t.Fatal("second stream bound prematurely")
	}

	s.handleDatagram(packet(3, 4), addr(30002))
	if got, _ := second.RemoteAddr(); got != addr(30002) {
		t.Fatalf("second stream bound to %v, want %v", got, addr(30002))
	}

	if got := first.Buffer().Read(10); !bytes.Equal(got, []byte{1, 2}) {
		t.Fatalf("first stream payload = %v, want [1 2]", got)
	}
	if got := second.Buffer().Read(10); !bytes.Equal(got, []byte{3, 4}) {
		t.Fatalf("second stream payload = %v, want [3 4]", got)
	}
}

func TestDemuxStickyBinding(t *testing.T) {
	s := NewServer("127.0.0.1", 10000)
	st := s.CreateStream(20000)
	other := s.CreateStream(20002)

	s.handleDatagram(packet(1), addr(30000))
	s.handleDatagram(packet(2), addr(30000))
	s.handleDatagram(packet(3), addr(30000))

	if got := st.Buffer().Read(10); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("bound stream payload = %v, want [1 2 3]", got)
	}
	if other.Buffer().Len() != 0 {
		t.Fatal("unrelated stream received data")
	}
}

func TestDemuxDropsWhenNoSlot(t *testing.T) {
	s := NewServer("127.0.0.1", 10000)
	st := s.CreateStream(20000)
	s.handleDatagram(packet(1), addr(30000))

	// All slots bound; a new peer is dropped silently.
	s.handleDatagram(packet(9), addr(40000))
	if got := st.Buffer().Read(10); !bytes.Equal(got, []byte{1}) {
		t.Fatalf("stream payload = %v, want [1]", got)
	}
}

func TestDemuxDropsShortPackets(t *testing.T) {
	s := NewServer("127.0.0.1", 10000)
	st := s.CreateStream(20000)

	// Exactly header-sized and smaller packets never reach the buffer, but
	// they do bind the slot.
	s.handleDatagram(make([]byte, DefaultHeaderSize), addr(30000))
	s.handleDatagram(make([]byte, 3), addr(30000))
	if st.Buffer().Len() != 0 {
		t.Fatalf("buffer has %d bytes after short packets, want 0", st.Buffer().Len())
	}
}

func TestDemuxSwap16(t *testing.T) {
	s := NewServer("127.0.0.1", 10000, WithSwap16(true))
	st := s.CreateStream(20000)

	s.handleDatagram(packet(0xAB, 0xCD, 0x01, 0x02), addr(30000))
	got := st.Buffer().Read(10)
	want := []byte{0xCD, 0xAB, 0x02, 0x01}
	if !bytes.Equal(got, want) {
		t.Fatalf("swapped payload = %x, want %x", got, want)
	}
}

func TestDemuxSwap16OddLengthKeptAsIs(t *testing.T) {
	s := NewServer("127.0.0.1", 10000, WithSwap16(true))
	st := s.CreateStream(20000)

	s.handleDatagram(packet(1, 2, 3), addr(30000))
	if got := st.Buffer().Read(10); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("odd payload = %v, want [1 2 3] unswapped", got)
	}
}

func TestCustomHeaderSize(t *testing.T) {
	s := NewServer("127.0.0.1", 10000, WithHeaderSize(4))
	st := s.CreateStream(20000)

	s.handleDatagram([]byte{0, 0, 0, 0, 7, 8}, addr(30000))
	if got := st.Buffer().Read(10); !bytes.Equal(got, []byte{7, 8}) {
		t.Fatalf("payload = %v, want [7 8]", got)
	}
}

func TestStartStop(t *testing.T) {
	s := NewServer("127.0.0.1", 0)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.CreateStream(20000)
	s.Stop()
	if s.CreateStream(20000).Buffer().Len() != 0 {
		t.Fatal("stream survived Stop with data")
	}
}
