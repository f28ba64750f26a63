package launcher

import (
	"sort"

	"github.com/guseggert/mklauncher/protocol"
)

type MachineInfo struct {
	Type         string
	Manufacturer string
	Model        string
	Variant      string
}

// Image is an embedded picture shown by clients next to the launcher.
type Image struct {
	Name string
	Blob []byte
}

// Definition is one runnable launcher as configured on disk.
type Definition struct {
	// Index is assigned by NewCatalog and is the launcher's identity on the wire.
	Index       int
	Name        string
	Description string
	Command     string
	// Shell runs Command through /bin/sh instead of splitting it into argv.
	Shell    bool
	Workdir  string
	Priority int
	Info     MachineInfo
	Image    *Image
}

// Catalog is the immutable, priority ordered list of launchers.
type Catalog struct {
	defs []Definition
}

// NewCatalog sorts defs by descending priority, keeping load order for equal priorities,
// and assigns each definition its index.
func NewCatalog(defs []Definition) *Catalog {
	sorted := make([]Definition, len(defs))
	copy(sorted, defs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	for i := range sorted {
		sorted[i].Index = i
	}
	return &Catalog{defs: sorted}
}

func (c *Catalog) Len() int { return len(c.defs) }

// Get returns the definition at index, or false if index is out of range.
func (c *Catalog) Get(index int) (Definition, bool) {
	if index < 0 || index >= len(c.defs) {
		return Definition{}, false
	}
	return c.defs[index], true
}

func (c *Catalog) All() []Definition {
	defs := make([]Definition, len(c.defs))
	copy(defs, c.defs)
	return defs
}

// ToProtocol returns the definition fields of a launcher in wire form.
// Runtime fields are left unset.
func (d Definition) ToProtocol() protocol.Launcher {
	l := protocol.Launcher{
		Index:       d.Index,
		Name:        protocol.String(d.Name),
		Description: protocol.String(d.Description),
		Info: &protocol.MachineInfo{
			Type:         d.Info.Type,
			Manufacturer: d.Info.Manufacturer,
			Model:        d.Info.Model,
			Variant:      d.Info.Variant,
		},
		Priority: protocol.Int(d.Priority),
		Command:  protocol.String(d.Command),
		Shell:    protocol.Bool(d.Shell),
		Workdir:  protocol.String(d.Workdir),
	}
	if d.Image != nil {
		blob := make([]byte, len(d.Image.Blob))
		copy(blob, d.Image.Blob)
		l.Image = &protocol.File{Name: d.Image.Name, Blob: blob}
	}
	return l
}
