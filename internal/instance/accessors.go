package instance

import "github.com/lucet-rt/lucet/internal/arena"

// Arena exposes the backing Arena so the owning Region can return it to
// its free list once the Instance is done with it (spec.md §4.7).
func (i *Instance) Arena() *arena.Arena { return i.arena }
