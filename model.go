package recsync

import (
	"sort"

	"github.com/pkg/errors"
)

// Kind is the type tag of an attribute.
type Kind int

const (
	String Kind = iota
	Int
	Float
	Bool
	Time
	Bytes
)

type (
	// Attribute describes a scalar field of an entity type.
	Attribute struct {
		Name string
		Kind Kind
	}

	// Relationship describes a reference field of an entity type.
	// The local value of a to-one relationship is the target's origin ID ("" for none).
	// The local value of a to-many relationship is a []string of origin IDs.
	Relationship struct {
		Name    string
		Target  string
		ToMany  bool
		Inverse string // name of the inverse relationship on Target, if any
	}

	// EntityDescriptor describes one entity type of the local object graph.
	EntityDescriptor struct {
		Name string

		// PrimaryKey names the attribute holding the object's origin ID.
		// It is never written to records.
		PrimaryKey string

		// ParentKey optionally names a to-one relationship
		// that becomes the record's hierarchy-parent link.
		ParentKey string

		Attributes    []Attribute
		Relationships []Relationship

		// Ignored lists fields that are never synced.
		Ignored []string
	}
)

// Model is a validated set of entity descriptors.
type Model struct {
	entities map[string]*EntityDescriptor
	names    []string
	sorted   []string
}

// NewModel validates the given descriptors and produces a Model.
func NewModel(descs ...EntityDescriptor) (*Model, error) {
	m := &Model{entities: make(map[string]*EntityDescriptor)}
	for i := range descs {
		d := descs[i]
		if d.Name == "" {
			return nil, errors.New("entity with no name")
		}
		if _, ok := m.entities[d.Name]; ok {
			return nil, errors.Errorf("duplicate entity %s", d.Name)
		}
		m.entities[d.Name] = &d
		m.names = append(m.names, d.Name)
	}
	sort.Strings(m.names)

	for _, name := range m.names {
		d := m.entities[name]
		for _, rel := range d.Relationships {
			target, ok := m.entities[rel.Target]
			if !ok {
				return nil, errors.Errorf("relationship %s.%s has unknown target %s", name, rel.Name, rel.Target)
			}
			if rel.Inverse != "" {
				if _, ok := target.Relationship(rel.Inverse); !ok {
					return nil, errors.Errorf("relationship %s.%s has unknown inverse %s.%s", name, rel.Name, rel.Target, rel.Inverse)
				}
			}
		}
		if d.ParentKey != "" {
			rel, ok := d.Relationship(d.ParentKey)
			if !ok || rel.ToMany {
				return nil, errors.Errorf("parent key %s.%s is not a to-one relationship", name, d.ParentKey)
			}
		}
	}

	m.sorted = m.sortNames()
	return m, nil
}

// Entity returns the descriptor for the named entity type.
func (m *Model) Entity(name string) (*EntityDescriptor, bool) {
	d, ok := m.entities[name]
	return d, ok
}

// Names returns the model's entity names in lexicographic order.
func (m *Model) Names() []string {
	return append([]string(nil), m.names...)
}

// SortedNames returns the model's entity names in dependency order:
// the target of a many-to-one relationship precedes its source,
// and the target of a one-to-many relationship follows it.
func (m *Model) SortedNames() []string {
	return append([]string(nil), m.sorted...)
}

func (m *Model) sortNames() []string {
	var out []string
	index := func(name string) int {
		for i, n := range out {
			if n == name {
				return i
			}
		}
		return -1
	}
	remove := func(i int) {
		out = append(out[:i], out[i+1:]...)
	}
	insert := func(i int, name string) {
		out = append(out, "")
		copy(out[i+1:], out[i:])
		out[i] = name
	}

	for _, name := range m.names {
		if index(name) < 0 {
			out = append(out, name)
		}
		d := m.entities[name]
		rels := append([]Relationship(nil), d.Relationships...)
		sort.Slice(rels, func(i, j int) bool { return rels[i].Name < rels[j].Name })

		for _, rel := range rels {
			if rel.Target == name {
				continue
			}
			switch {
			case m.isOneToMany(rel):
				dest := index(rel.Target)
				if dest < 0 || dest < index(name) {
					if dest >= 0 {
						remove(dest)
					}
					insert(index(name)+1, rel.Target)
				}

			case m.isManyToOne(rel):
				dest := index(rel.Target)
				if dest < 0 || dest > index(name) {
					if dest >= 0 {
						remove(dest)
					}
					insert(index(name), rel.Target)
				}
			}
		}
	}
	return out
}

func (m *Model) inverse(rel Relationship) (Relationship, bool) {
	if rel.Inverse == "" {
		return Relationship{}, false
	}
	return m.entities[rel.Target].Relationship(rel.Inverse)
}

func (m *Model) isOneToMany(rel Relationship) bool {
	if !rel.ToMany {
		return false
	}
	inv, ok := m.inverse(rel)
	return ok && !inv.ToMany
}

func (m *Model) isManyToOne(rel Relationship) bool {
	if rel.ToMany {
		return false
	}
	inv, ok := m.inverse(rel)
	return !ok || inv.ToMany
}

// IsManyToMany tells whether rel and its inverse are both to-many.
func (m *Model) IsManyToMany(rel Relationship) bool {
	if !rel.ToMany {
		return false
	}
	inv, ok := m.inverse(rel)
	return ok && inv.ToMany
}

// Tracked returns the relationships of the named entity whose changes are synced:
// to-one relationships,
// to-many relationships with no inverse,
// and the owning side of many-to-many relationships.
// The owning side of a many-to-many pair is the one on the entity whose name sorts first,
// or for a pair on a single entity, the one whose relationship name sorts first.
// The to-many side of a one-to-many pair is never tracked;
// its to-one inverse carries the change.
func (m *Model) Tracked(entity string) []Relationship {
	d, ok := m.entities[entity]
	if !ok {
		return nil
	}
	var out []Relationship
	for _, rel := range d.Relationships {
		if d.IsIgnored(rel.Name) {
			continue
		}
		if !rel.ToMany {
			out = append(out, rel)
			continue
		}
		inv, ok := m.inverse(rel)
		if !ok {
			out = append(out, rel)
			continue
		}
		if !inv.ToMany {
			continue
		}
		if entity < rel.Target || (entity == rel.Target && rel.Name <= inv.Name) {
			out = append(out, rel)
		}
	}
	return out
}

// TrackedRelationship looks up a tracked relationship by name.
func (m *Model) TrackedRelationship(entity, name string) (Relationship, bool) {
	for _, rel := range m.Tracked(entity) {
		if rel.Name == name {
			return rel, true
		}
	}
	return Relationship{}, false
}

// SyncedAttributes returns the attributes of d that are written to records:
// all but the primary key and ignored ones.
func (d *EntityDescriptor) SyncedAttributes() []Attribute {
	var out []Attribute
	for _, a := range d.Attributes {
		if a.Name == d.PrimaryKey || d.IsIgnored(a.Name) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Attribute looks up an attribute by name.
func (d *EntityDescriptor) Attribute(name string) (Attribute, bool) {
	for _, a := range d.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Relationship looks up a relationship by name.
func (d *EntityDescriptor) Relationship(name string) (Relationship, bool) {
	for _, r := range d.Relationships {
		if r.Name == name {
			return r, true
		}
	}
	return Relationship{}, false
}

// IsIgnored tells whether the named field is excluded from sync.
func (d *EntityDescriptor) IsIgnored(name string) bool {
	for _, n := range d.Ignored {
		if n == name {
			return true
		}
	}
	return false
}
