package capability

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/zeebo/blake3"
)

// Policy decides which peers may connect and which code may be hosted.
// The zero value allows everything.
type Policy struct {
	Networks     []netip.Prefix
	MaxCodeBytes int
	digests      map[string]struct{}
}

// NewPolicy parses CIDR networks and hex BLAKE3 code digests. Empty
// lists allow any address or any code.
func NewPolicy(networks []string, maxCodeBytes int, digests []string) (Policy, error) {
	p := Policy{MaxCodeBytes: maxCodeBytes}
	for _, n := range networks {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(n))
		if err != nil {
			return Policy{}, fmt.Errorf("capability: network %q: %w", n, err)
		}
		p.Networks = append(p.Networks, prefix.Masked())
	}
	if len(digests) > 0 {
		p.digests = make(map[string]struct{}, len(digests))
		for _, d := range digests {
			d = strings.ToLower(strings.TrimSpace(d))
			raw, err := hex.DecodeString(d)
			if err != nil || len(raw) != 32 {
				return Policy{}, fmt.Errorf("capability: invalid code digest %q", d)
			}
			p.digests[d] = struct{}{}
		}
	}
	if maxCodeBytes < 0 {
		return Policy{}, fmt.Errorf("capability: max code bytes must be >= 0")
	}
	return p, nil
}

// CodeDigest is the hex BLAKE3-256 digest used by code allowlists.
func CodeDigest(code []byte) string {
	sum := blake3.Sum256(code)
	return hex.EncodeToString(sum[:])
}

func (p Policy) AllowsAddr(addr net.Addr) bool {
	if len(p.Networks) == 0 {
		return true
	}
	ip, ok := addrIP(addr)
	if !ok {
		return false
	}
	for _, n := range p.Networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (p Policy) AllowsCode(code []byte) bool {
	if p.MaxCodeBytes > 0 && len(code) > p.MaxCodeBytes {
		return false
	}
	if len(p.digests) == 0 {
		return true
	}
	_, ok := p.digests[CodeDigest(code)]
	return ok
}

func addrIP(addr net.Addr) (netip.Addr, bool) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		return ip.Unmap(), ok
	case nil:
		return netip.Addr{}, false
	default:
		ap, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return netip.Addr{}, false
		}
		return ap.Addr().Unmap(), true
	}
}
