package socket

import "testing"

func TestListenUDP(t *testing.T) {
	first, err := ListenUDP(0, false)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = first.Close() }()
	port := Port(first.LocalAddr())

	if _, err := ListenUDP(port, false); !IsPortBusy(err) {
		t.Errorf("busy port: %v", err)
	}

	next, err := ListenUDP(port, true)
	if err != nil {
		t.Fatalf("roll: %v", err)
	}
	defer func() { _ = next.Close() }()
	if got := Port(next.LocalAddr()); got <= port {
		t.Errorf("rolled to %v, want after %v", got, port)
	}
}

func TestListenTCP(t *testing.T) {
	if _, err := ListenTCP("localhost:abc", false); err == nil {
		t.Error("expected a bad port error")
	}

	first, err := ListenTCP("127.0.0.1:0", false)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = first.Close() }()
	if Port(first.Addr()) == 0 {
		t.Fatal("no port")
	}

	busy := first.Addr().String()
	if _, err := ListenTCP(busy, false); !IsPortBusy(err) {
		t.Errorf("busy port: %v", err)
	}
	next, err := ListenTCP(busy, true)
	if err != nil {
		t.Fatalf("roll: %v", err)
	}
	defer func() { _ = next.Close() }()
	if Port(next.Addr()) == Port(first.Addr()) {
		t.Error("same port")
	}
}
