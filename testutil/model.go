package testutil

import (
	"testing"

	"github.com/bobg/recsync"
)

// Model produces the entity model used in tests:
//
//   - Company has many Employees (one-to-many, inverse Employee.company).
//   - Employee belongs to a Company (its hierarchy parent)
//     and has many Tags (many-to-many, inverse Tag.employees).
//   - Category has an optional parent Category (its hierarchy parent)
//     and many children.
func Model(t *testing.T) *recsync.Model {
	m, err := recsync.NewModel(
		recsync.EntityDescriptor{
			Name:       "Company",
			PrimaryKey: "identifier",
			Attributes: []recsync.Attribute{
				{Name: "identifier", Kind: recsync.String},
				{Name: "name", Kind: recsync.String},
				{Name: "sortIndex", Kind: recsync.Int},
			},
			Relationships: []recsync.Relationship{
				{Name: "employees", Target: "Employee", ToMany: true, Inverse: "company"},
			},
		},
		recsync.EntityDescriptor{
			Name:       "Employee",
			PrimaryKey: "identifier",
			ParentKey:  "company",
			Attributes: []recsync.Attribute{
				{Name: "identifier", Kind: recsync.String},
				{Name: "name", Kind: recsync.String},
				{Name: "photo", Kind: recsync.Bytes},
				{Name: "sortIndex", Kind: recsync.Int},
				{Name: "scratch", Kind: recsync.String},
			},
			Relationships: []recsync.Relationship{
				{Name: "company", Target: "Company", Inverse: "employees"},
				{Name: "tags", Target: "Tag", ToMany: true, Inverse: "employees"},
			},
			Ignored: []string{"scratch"},
		},
		recsync.EntityDescriptor{
			Name:       "Tag",
			PrimaryKey: "identifier",
			Attributes: []recsync.Attribute{
				{Name: "identifier", Kind: recsync.String},
				{Name: "name", Kind: recsync.String},
			},
			Relationships: []recsync.Relationship{
				{Name: "employees", Target: "Employee", ToMany: true, Inverse: "tags"},
			},
		},
		recsync.EntityDescriptor{
			Name:       "Category",
			PrimaryKey: "identifier",
			ParentKey:  "parent",
			Attributes: []recsync.Attribute{
				{Name: "identifier", Kind: recsync.String},
				{Name: "name", Kind: recsync.String},
			},
			Relationships: []recsync.Relationship{
				{Name: "parent", Target: "Category", Inverse: "children"},
				{Name: "children", Target: "Category", ToMany: true, Inverse: "parent"},
			},
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	return m
}
