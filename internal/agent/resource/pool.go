package resource

import (
	"fmt"
	"sync"

	"github.com/gravitational/trace"
)

// ipPool hands out guest IPs from the 10.0.0.2-10.0.0.254 range (spec
// §5.1: 253 addresses, .1 reserved for the host side of the tap device).
type ipPool struct {
	mu     sync.Mutex
	free   []byte // octet values 2..254
}

func newIPPool() *ipPool {
	free := make([]byte, 0, 253)
	for o := byte(2); o <= 254; o++ {
		free = append(free, o)
	}
	return &ipPool{free: free}
}

func (p *ipPool) acquire() (*Guard, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, trace.LimitExceeded("no free guest IPs")
	}
	octet := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	released := false
	return &Guard{
		Value: addrString(octet),
		release: func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if released {
				return
			}
			released = true
			p.free = append(p.free, octet)
		},
	}, nil
}

// addrString renders the last-octet allocation as a full guest address,
// used by the VM manager when building the cloud-init network config.
func addrString(octet byte) string {
	return fmt.Sprintf("10.0.0.%d", octet)
}

// cidPool hands out vsock context ids, one per running VM, disjoint from
// the host's own (VMADDR_CID_HOST == 2) and hypervisor-reserved ids.
type cidPool struct {
	mu   sync.Mutex
	free []uint32
}

const (
	cidRangeStart = 3
	cidRangeEnd   = 4096
)

func newCIDPool() *cidPool {
	free := make([]uint32, 0, cidRangeEnd-cidRangeStart)
	for c := uint32(cidRangeStart); c < cidRangeEnd; c++ {
		free = append(free, c)
	}
	return &cidPool{free: free}
}

func (p *cidPool) acquire() (*Guard, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, trace.LimitExceeded("no free vsock CIDs")
	}
	cid := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	released := false
	return &Guard{
		Value: cid,
		release: func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if released {
				return
			}
			released = true
			p.free = append(p.free, cid)
		},
	}, nil
}
