package docker

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/ghanishpatil/hackwars-engine/internal/sandbox"
)

// The engine carves match networks out of 172.20.0.0/16, one /24 per match,
// third octet 1..254.
const (
	subnetBase = "172.20"
	octetMin   = 1
	octetMax   = 254
)

var subnetRe = regexp.MustCompile(`^172\.20\.(\d{1,3})\.0/24$`)

// SubnetPool hands out /24 subnets for match networks. Octets are allocated
// lowest-first and returned to the pool on network removal.
type SubnetPool struct {
	mu   sync.Mutex
	used [octetMax + 1]bool
}

func NewSubnetPool() *SubnetPool {
	return &SubnetPool{}
}

// Allocate claims the first free octet. Exhaustion is a hard error that
// fails provisioning.
func (p *SubnetPool) Allocate() (int, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for octet := octetMin; octet <= octetMax; octet++ {
		if !p.used[octet] {
			p.used[octet] = true
			return octet, fmt.Sprintf("%s.%d.0/24", subnetBase, octet), nil
		}
	}
	return 0, "", sandbox.ErrSubnetExhausted
}

// Release returns an octet to the pool. Releasing a free octet is harmless.
func (p *SubnetPool) Release(octet int) {
	if octet < octetMin || octet > octetMax {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used[octet] = false
}

// Reserve marks an octet as in use. Recovery calls this for every engine
// network found at boot so the pool reflects reality.
func (p *SubnetPool) Reserve(octet int) {
	if octet < octetMin || octet > octetMax {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used[octet] = true
}

// OctetOf parses the octet back out of a pool-issued subnet. Returns 0 for
// subnets that did not come from this pool.
func OctetOf(subnet string) int {
	m := subnetRe.FindStringSubmatch(subnet)
	if m == nil {
		return 0
	}
	octet, err := strconv.Atoi(m[1])
	if err != nil || octet < octetMin || octet > octetMax {
		return 0
	}
	return octet
}
