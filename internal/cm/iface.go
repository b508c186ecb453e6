package cm

import (
	"context"
	"sync"

	"github.com/HerbHall/wlancm/pkg/models"
)

// Interface is the managed vdev object. Serialized commands hold a
// reference on it so teardown can wait until none are in flight.
type Interface struct {
	ID  VdevID
	MAC models.MACAddr

	mu      sync.Mutex
	refs    int
	down    bool
	waiters []chan struct{}
}

// NewInterface returns an interface in the up state.
func NewInterface(id VdevID, mac models.MACAddr) *Interface {
	return &Interface{ID: id, MAC: mac}
}

// InterfaceRef is one held reference. Release is idempotent.
type InterfaceRef struct {
	once  sync.Once
	iface *Interface
}

// Acquire takes a reference. It fails once the interface is going down.
func (i *Interface) Acquire() (*InterfaceRef, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.down {
		return nil, ErrInterfaceDown
	}
	i.refs++
	return &InterfaceRef{iface: i}, nil
}

// Release drops the reference.
func (r *InterfaceRef) Release() {
	if r == nil {
		return
	}
	r.once.Do(r.iface.release)
}

func (i *Interface) release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.refs--
	if i.refs == 0 {
		for _, w := range i.waiters {
			close(w)
		}
		i.waiters = nil
	}
}

// Refs returns the number of outstanding references.
func (i *Interface) Refs() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.refs
}

// IsDown reports whether Shutdown has been called.
func (i *Interface) IsDown() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.down
}

// Down refuses new references. Outstanding ones stay valid.
func (i *Interface) Down() {
	i.mu.Lock()
	i.down = true
	i.mu.Unlock()
}

// Shutdown marks the interface down and waits for outstanding references.
func (i *Interface) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	i.down = true
	if i.refs == 0 {
		i.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	i.waiters = append(i.waiters, w)
	i.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
