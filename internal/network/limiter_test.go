package network

import (
	"net"
	"testing"
)

func TestIPLimiterCap(t *testing.T) {
	lim := newIPLimiter(1)
	if !lim.acquire("1.2.3.4") {
		t.Fatalf("expected first acquire")
	}
	if lim.acquire("1.2.3.4") {
		t.Fatalf("expected cap")
	}
	lim.release("1.2.3.4")
	if !lim.acquire("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterSeparateIPs(t *testing.T) {
	lim := newIPLimiter(1)
	if !lim.acquire("1.2.3.4") || !lim.acquire("2.3.4.5") {
		t.Fatalf("expected independent caps per ip")
	}
}

func TestIPLimiterDisabled(t *testing.T) {
	lim := newIPLimiter(0)
	for i := 0; i < 10; i++ {
		if !lim.acquire("1.2.3.4") {
			t.Fatalf("disabled limiter refused")
		}
	}
}

func TestIPOf(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.7"), Port: 4242}
	if got := ipOf(addr); got != "10.0.0.7" {
		t.Fatalf("got %q", got)
	}
	if ipOf(nil) != "" {
		t.Fatalf("nil addr")
	}
}
