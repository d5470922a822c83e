package loader

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/murmur/pkg/fault"
	"github.com/MrWong99/murmur/pkg/model"
	"github.com/MrWong99/murmur/pkg/model/weights"
)

// Handle is a resident model. It is created by [Loader.Load] and released by
// [Loader.Unload].
type Handle struct {
	desc model.Descriptor
	size int64

	mu    sync.RWMutex
	valid bool
	file  *weights.File
}

// Acquire read-locks the handle for one inference step. The returned release
// func must be called when the step ends; calling it more than once is safe.
// An unloaded handle returns fault.ErrInference.
func (h *Handle) Acquire() (release func(), err error) {
	h.mu.RLock()
	if !h.valid {
		h.mu.RUnlock()
		return nil, fmt.Errorf("loader: %s: %w: model is unloaded", h.desc.Key(), fault.ErrInference)
	}
	return sync.OnceFunc(h.mu.RUnlock), nil
}

// Weights returns the decoded blob. Callers must hold an [Handle.Acquire]
// lease while using it.
func (h *Handle) Weights() *weights.File { return h.file }

// Descriptor returns the descriptor the handle was loaded from.
func (h *Handle) Descriptor() model.Descriptor { return h.desc }

// Role returns the descriptor role.
func (h *Handle) Role() model.Role { return h.desc.Role }

// Size returns the resident tensor bytes. It never exceeds the descriptor
// size.
func (h *Handle) Size() int64 { return h.size }

// Valid reports whether the handle is still loaded.
func (h *Handle) Valid() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.valid
}

// ── Slot ────────────────────────────────────────────────────────────────────

// ErrSlotOccupied is returned by [Slot.Put] when a handle is resident.
var ErrSlotOccupied = errors.New("loader: slot is occupied")

// Slot owns at most one resident handle for one role. Replacing a handle
// requires an explicit [Slot.Take] and [Loader.Unload] first.
type Slot struct {
	role model.Role

	mu sync.Mutex
	h  *Handle
}

// NewSlot returns an empty slot for role.
func NewSlot(role model.Role) *Slot { return &Slot{role: role} }

// Role returns the slot role.
func (s *Slot) Role() model.Role { return s.role }

// Put makes h resident.
func (s *Slot) Put(h *Handle) error {
	if h == nil {
		return errors.New("loader: nil handle")
	}
	if h.Role() != s.role {
		return fmt.Errorf("loader: %s handle in %s slot", h.Role(), s.role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h != nil {
		return fmt.Errorf("%w: %s holds %s", ErrSlotOccupied, s.role, s.h.desc.Key())
	}
	s.h = h
	return nil
}

// Take empties the slot and returns the previous handle (nil if empty).
func (s *Slot) Take() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.h
	s.h = nil
	return h
}

// Get returns the resident handle or fault.ErrInference when empty.
func (s *Slot) Get() (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return nil, fmt.Errorf("loader: %w: no model resident for role %s", fault.ErrInference, s.role)
	}
	return s.h, nil
}

// Occupied reports whether a handle is resident.
func (s *Slot) Occupied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h != nil
}
