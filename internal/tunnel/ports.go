package tunnel

import (
	"fmt"
	"net"
)

// Server ports are drawn from the registered range above the ports commonly
// taken by local services.
const (
	MinServerPort = 9130
	MaxServerPort = 49151
)

// reservePort binds an ephemeral loopback port. The caller holds the
// listener until every channel has its port so no two channels share one.
func reservePort() (net.Listener, int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("reserve local port: %w", err)
	}
	return ln, ln.Addr().(*net.TCPAddr).Port, nil
}

// pickServerPorts returns n distinct ports in [MinServerPort, MaxServerPort]
// that do not appear in exclude. intn must behave like rand.IntN.
func pickServerPorts(n int, exclude []int, intn func(int) int) ([]int, error) {
	span := MaxServerPort - MinServerPort + 1
	taken := make(map[int]struct{}, len(exclude)+n)
	for _, p := range exclude {
		taken[p] = struct{}{}
	}
	free := span
	for p := range taken {
		if p >= MinServerPort && p <= MaxServerPort {
			free--
		}
	}
	if n > free {
		return nil, fmt.Errorf("cannot choose %d server ports: only %d free", n, free)
	}
	out := make([]int, 0, n)
	for len(out) < n {
		p := MinServerPort + intn(span)
		if _, dup := taken[p]; dup {
			continue
		}
		taken[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}
