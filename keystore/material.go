package keystore

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/ruteri/gpu-cc-key-manager/interfaces"
)

// material is one generation of key bytes for one identifier. Everything but
// refs is guarded by the owning core's mutex; refs is atomic so retrieval can
// pin material under the read lock.
type material struct {
	id         interfaces.GlobalKeyID
	secret     []byte
	ivMask     uint64
	ivMaskSet  bool
	generation uint64
	state      interfaces.KeyState
	refs       atomic.Int32
}

func (m *material) zeroize() {
	for i := range m.secret {
		m.secret[i] = 0
	}
	m.secret = nil
}

func (m *material) wiped() bool {
	return m.secret == nil
}

// entry is the live record for one identifier. Exactly one Active material;
// pending exists only inside a rotation swap; retired materials are pinned by
// outstanding handles and zeroized when the last handle is released.
type entry struct {
	active  *material
	pending *material
	retired []*material
}

func (e *entry) zeroizeAll() {
	if e.active != nil {
		e.active.zeroize()
	}
	if e.pending != nil {
		e.pending.zeroize()
	}
	for _, m := range e.retired {
		m.zeroize()
	}
	e.active, e.pending, e.retired = nil, nil, nil
}

// core is the identifier->material mapping shared by the host and guest
// store bindings. Reader-biased: lookups take the read lock, insert, rotation
// and deinit take the write lock.
type core struct {
	mu          sync.RWMutex
	initialized bool
	master      []byte
	entries     map[interfaces.GlobalKeyID]*entry
}

func (c *core) zeroizeMaster() {
	for i := range c.master {
		c.master[i] = 0
	}
	c.master = nil
}

// handle pins one material. Release is idempotent.
type handle struct {
	c        *core
	m        *material
	released atomic.Bool
}

// newHandle pins m. Callers hold at least the core read lock.
func (c *core) newHandle(m *material) *handle {
	m.refs.Inc()
	return &handle{c: c, m: m}
}

func (h *handle) ID() interfaces.GlobalKeyID { return h.m.id }

func (h *handle) Generation() uint64 {
	h.c.mu.RLock()
	defer h.c.mu.RUnlock()
	return h.m.generation
}

func (h *handle) State() interfaces.KeyState {
	h.c.mu.RLock()
	defer h.c.mu.RUnlock()
	return h.m.state
}

func (h *handle) IVMask() uint64 {
	h.c.mu.RLock()
	defer h.c.mu.RUnlock()
	return h.m.ivMask
}

// Use invokes fn with the secret bytes under the store read lock. fn must not
// retain the slice or block on store operations.
func (h *handle) Use(fn func(secret []byte) error) error {
	if h.released.Load() {
		return fmt.Errorf("handle for %s already released: %w", h.m.id, interfaces.ErrNotFound)
	}

	h.c.mu.RLock()
	defer h.c.mu.RUnlock()
	if h.m.wiped() {
		return fmt.Errorf("material for %s zeroized: %w", h.m.id, interfaces.ErrNotFound)
	}
	return fn(h.m.secret)
}

// Release unpins the material. Retired material with no remaining handles is
// zeroized and dropped from the store.
func (h *handle) Release() {
	if h.released.Swap(true) {
		return
	}

	if h.m.refs.Dec() > 0 {
		return
	}

	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if h.m.refs.Load() > 0 || h.m.state != interfaces.KeyStateRetired {
		return
	}
	h.m.zeroize()
	if e, ok := h.c.entries[h.m.id]; ok {
		for i, rm := range e.retired {
			if rm == h.m {
				e.retired = append(e.retired[:i], e.retired[i+1:]...)
				break
			}
		}
	}
}
