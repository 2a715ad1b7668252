package portalloc_test

import (
	"net"
	"testing"

	"github.com/appmux/appmux/internal/portalloc"
)

func TestAllocateSkipsReservedAndBoundPorts(t *testing.T) {
	// Occupy one port in the candidate range so the allocator must skip it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to bind test listener: %v", err)
	}
	defer ln.Close()
	boundPort := ln.Addr().(*net.TCPAddr).Port

	reserved := map[int]bool{boundPort + 1: true}

	assigned, err := portalloc.Allocate([]string{"reports", "sales"}, boundPort, reserved)
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}

	if assigned["reports"] == boundPort {
		t.Fatalf("allocator assigned an already-bound port: %d", boundPort)
	}
	if assigned["reports"] == boundPort+1 || assigned["sales"] == boundPort+1 {
		t.Fatalf("allocator assigned a reserved port: %+v", assigned)
	}
	if assigned["reports"] == assigned["sales"] {
		t.Fatalf("allocator assigned the same port to two apps: %+v", assigned)
	}
}

func TestAllocateSkipsStartingPortEqualToReserved(t *testing.T) {
	reserved := map[int]bool{4000: true}
	assigned, err := portalloc.Allocate([]string{"only"}, 4000, reserved)
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if assigned["only"] == 4000 {
		t.Fatal("allocator assigned the starting port even though it is reserved")
	}
}

func TestAllocateExhaustion(t *testing.T) {
	_, err := portalloc.Allocate([]string{"one"}, 65535, map[int]bool{65535: true})
	if err == nil {
		t.Fatal("expected exhaustion error when the only candidate port is reserved")
	}
}
