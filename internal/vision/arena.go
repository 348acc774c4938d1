// Scoped ownership of native image buffers
package vision

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"gocv.io/x/gocv"
)

// ErrReleased is returned when a Mat is released by an arena that does not own it,
// either because it was never tracked or because it was already released.
var ErrReleased = errors.New("buffer not owned or already released")

// owners maps the native pointer of every tracked Mat to the arena that owns it,
// so no Mat can be owned (and later closed) by two arenas at once.
var owners sync.Map

// Stats counts native buffer allocations and releases. It is shared by every arena
// created for one runtime so tests can assert that a job leaves nothing behind.
type Stats struct {
	allocated atomic.Int64
	released  atomic.Int64
}

// Allocated returns the number of buffers handed out so far.
func (s *Stats) Allocated() int64 {
	if s == nil {
		return 0
	}
	return s.allocated.Load()
}

// Released returns the number of buffers closed so far.
func (s *Stats) Released() int64 {
	if s == nil {
		return 0
	}
	return s.released.Load()
}

// Live returns allocated-but-unreleased buffers.
func (s *Stats) Live() int64 {
	return s.Allocated() - s.Released()
}

// Arena owns every Mat it hands out and closes each of them exactly once, either
// through Release or when the arena itself is closed. An Arena is not safe for
// concurrent use; the worker gives each frame and each job its own arena.
type Arena struct {
	name   string
	owned  []gocv.Mat
	stats  *Stats
	closed bool
}

// NewArena creates an empty arena reporting to stats. stats may be nil.
func NewArena(name string, stats *Stats) *Arena {
	return &Arena{
		name:  name,
		owned: make([]gocv.Mat, 0, 16),
		stats: stats,
	}
}

// Name returns the arena label used in logs.
func (a *Arena) Name() string {
	return a.name
}

// NewMat allocates an empty Mat owned by the arena.
func (a *Arena) NewMat() gocv.Mat {
	return a.Track(gocv.NewMat())
}

// NewMatWithSize allocates a sized Mat owned by the arena.
func (a *Arena) NewMatWithSize(rows, cols int, mt gocv.MatType) gocv.Mat {
	return a.Track(gocv.NewMatWithSize(rows, cols, mt))
}

// Clone deep-copies m into a new Mat owned by the arena.
func (a *Arena) Clone(m gocv.Mat) gocv.Mat {
	return a.Track(m.Clone())
}

// Track adopts a Mat allocated elsewhere. Tracking a Mat the arena already owns
// is a no-op. Zero Mats and Mats owned by another arena panic. Tracking into a
// closed arena also panics, after closing the Mat.
func (a *Arena) Track(m gocv.Mat) gocv.Mat {
	if m.Ptr() == nil {
		panic(fmt.Sprintf("vision: track of a zero Mat in arena %q", a.name))
	}
	if owner, ok := owners.Load(m.Ptr()); ok {
		if owner == a {
			return m
		}
		panic(fmt.Sprintf("vision: arena %q cannot track a Mat owned by arena %q", a.name, owner.(*Arena).name))
	}
	if a.closed {
		m.Close()
		panic(fmt.Sprintf("vision: track on closed arena %q", a.name))
	}
	owners.Store(m.Ptr(), a)
	a.owned = append(a.owned, m)
	if a.stats != nil {
		a.stats.allocated.Add(1)
	}
	return m
}

// OwnedElsewhere reports whether m is tracked by an arena other than a.
func (a *Arena) OwnedElsewhere(m gocv.Mat) bool {
	if m.Ptr() == nil {
		return false
	}
	owner, ok := owners.Load(m.Ptr())
	return ok && owner != a
}

// Owns reports whether m is currently owned by the arena.
func (a *Arena) Owns(m gocv.Mat) bool {
	return a.indexOf(m) >= 0
}

// Release closes m if the arena owns it. Releasing twice returns ErrReleased
// instead of freeing the native memory a second time.
func (a *Arena) Release(m gocv.Mat) error {
	i := a.indexOf(m)
	if i < 0 {
		return ErrReleased
	}
	owned := a.remove(i)
	owners.Delete(owned.Ptr())
	owned.Close()
	if a.stats != nil {
		a.stats.released.Add(1)
	}
	return nil
}

// MoveTo transfers ownership of m to another arena without copying pixels.
func (a *Arena) MoveTo(m gocv.Mat, to *Arena) error {
	i := a.indexOf(m)
	if i < 0 {
		return ErrReleased
	}
	if to.closed {
		return fmt.Errorf("move to closed arena %q", to.name)
	}
	moved := a.remove(i)
	owners.Store(moved.Ptr(), to)
	to.owned = append(to.owned, moved)
	return nil
}

// Live returns the number of Mats the arena still owns.
func (a *Arena) Live() int {
	return len(a.owned)
}

// Close releases everything still owned, newest first. Close is idempotent.
func (a *Arena) Close() {
	if a.closed {
		return
	}
	for i := len(a.owned) - 1; i >= 0; i-- {
		owners.Delete(a.owned[i].Ptr())
		a.owned[i].Close()
		if a.stats != nil {
			a.stats.released.Add(1)
		}
	}
	a.owned = nil
	a.closed = true
}

func (a *Arena) indexOf(m gocv.Mat) int {
	for i := range a.owned {
		if a.owned[i].Ptr() == m.Ptr() {
			return i
		}
	}
	return -1
}

func (a *Arena) remove(i int) gocv.Mat {
	m := a.owned[i]
	a.owned = append(a.owned[:i], a.owned[i+1:]...)
	return m
}
