package gateway

import (
	"errors"
	"strings"
	"sync/atomic"
)

var errNoInstances = errors.New("gateway: service has no instances")

// Pool hands out upstream base URLs in round-robin order. It is safe for
// concurrent use: every call gets the next index exactly once.
type Pool struct {
	instances []string
	next      atomic.Uint64
}

func NewPool(instances []string) (*Pool, error) {
	cleaned := make([]string, 0, len(instances))
	for _, instance := range instances {
		if instance = strings.TrimRight(strings.TrimSpace(instance), "/"); instance != "" {
			cleaned = append(cleaned, instance)
		}
	}
	if len(cleaned) == 0 {
		return nil, errNoInstances
	}
	return &Pool{instances: cleaned}, nil
}

// Next returns the instance for the next request.
func (p *Pool) Next() string {
	n := p.next.Add(1) - 1
	return p.instances[n%uint64(len(p.instances))]
}

func (p *Pool) Len() int {
	return len(p.instances)
}
