package screen

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	cmdpkg "github.com/stupiduntilnot/screenbot/internal/commander"
)

// ID names a screen. Known screens are declared as constants by the
// application; None is the catch-all for "no screen yet" and for any id
// that is not registered.
type ID string

const None ID = ""

// KeyboardFactory builds a fresh keyboard each time a screen is rendered.
type KeyboardFactory func() cmdpkg.Keyboard

// Descriptor is an immutable registered screen.
type Descriptor struct {
	ID       ID
	Text     string
	Keyboard KeyboardFactory
}

var (
	ErrNoDefault    = errors.New("default screen is not configured")
	ErrUnregistered = errors.New("screen is not registered")
)

// ConfigError lists screen ids that were expected to be registered.
type ConfigError struct {
	Missing []ID
}

func (e *ConfigError) Error() string {
	names := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		names[i] = string(id)
	}
	return fmt.Sprintf("screens not registered: %s", strings.Join(names, ", "))
}

func (e *ConfigError) Unwrap() error { return ErrUnregistered }

// Registry maps screen ids to descriptors. It is populated at startup and
// read concurrently afterwards without locking.
type Registry struct {
	screens map[ID]Descriptor
	def     Descriptor
}

// NewRegistry creates a registry whose fallback screen is def.
func NewRegistry(def Descriptor) (*Registry, error) {
	if strings.TrimSpace(def.Text) == "" || def.Keyboard == nil {
		return nil, ErrNoDefault
	}
	def.ID = None
	return &Registry{screens: map[ID]Descriptor{}, def: def}, nil
}

// Register inserts or overwrites the descriptor for id. Registering None
// replaces the default screen.
func (r *Registry) Register(id ID, text string, kb KeyboardFactory) {
	if kb == nil {
		kb = func() cmdpkg.Keyboard { return cmdpkg.Keyboard{} }
	}
	d := Descriptor{ID: id, Text: text, Keyboard: kb}
	if id == None {
		r.def = d
		return
	}
	r.screens[id] = d
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id ID) (Descriptor, bool) {
	if id == None {
		return Descriptor{}, false
	}
	d, ok := r.screens[id]
	return d, ok
}

// Default returns the fallback screen.
func (r *Registry) Default() Descriptor {
	return r.def
}

// Resolve returns the descriptor for id, or the default screen on a miss.
func (r *Registry) Resolve(id ID) Descriptor {
	if d, ok := r.Lookup(id); ok {
		return d
	}
	return r.def
}

// Require checks that every id is registered.
func (r *Registry) Require(ids ...ID) error {
	var missing []ID
	for _, id := range ids {
		if _, ok := r.Lookup(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &ConfigError{Missing: missing}
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []ID {
	ids := make([]ID, 0, len(r.screens))
	for id := range r.screens {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
