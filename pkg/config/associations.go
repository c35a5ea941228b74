package config

import (
	"fmt"
	"strings"
)

// AssociationsVersion is the artifact version this build understands.
const AssociationsVersion = 1

// AssociationKind says how related rows reach the owning row.
type AssociationKind string

const (
	// ManyToMany resolves through a join table (Ticket -> TicketLabel -> Label)
	ManyToMany AssociationKind = "many_to_many"
	// OneToMany resolves rows of the target that point at the owner
	OneToMany AssociationKind = "one_to_many"
	// ManyToOne resolves the single target the owner points at and embeds
	// it as an object rather than an array
	ManyToOne AssociationKind = "many_to_one"
)

// AssociationSet is the versioned association artifact.
type AssociationSet struct {
	Version      int               `yaml:"version"`
	Associations []AssociationSpec `yaml:"associations"`
}

// AssociationSpec describes one relation embedded into the owning table's
// documents.
type AssociationSpec struct {
	// Table owns the embedded field
	Table string `yaml:"table"`
	// Field is the document field receiving the embedded value
	Field string          `yaml:"field"`
	Kind  AssociationKind `yaml:"kind"`

	// many_to_many
	JoinTable            string `yaml:"join_table"`
	JoinOwnerKey         string `yaml:"join_owner_key"`
	JoinTargetKey        string `yaml:"join_target_key"`
	JoinSoftDeleteColumn string `yaml:"join_soft_delete_column"`

	// one_to_many: the column on the target pointing at the owner
	TargetOwnerKey string `yaml:"target_owner_key"`

	// many_to_one: the column on the owner pointing at the target
	OwnerKey string `yaml:"owner_key"`

	TargetTable            string   `yaml:"target_table"`
	TargetKey              string   `yaml:"target_key"`
	TargetFields           []string `yaml:"target_fields"`
	TargetSoftDeleteColumn string   `yaml:"target_soft_delete_column"`

	// OrderBy is a join-table column for many_to_many and a target column
	// for one_to_many.
	OrderBy string `yaml:"order_by"`
	// Order is asc (default) or desc
	Order string `yaml:"order"`
	// Limit keeps only the first N related rows per owner when positive
	Limit int `yaml:"limit"`
}

// Descending reports whether related rows are ordered newest first.
func (a AssociationSpec) Descending() bool {
	return strings.EqualFold(a.Order, "desc")
}

// TargetKeyOrDefault returns the target's key column, id by default.
func (a AssociationSpec) TargetKeyOrDefault() string {
	if a.TargetKey == "" {
		return "id"
	}
	return a.TargetKey
}

// OrderByOrDefault returns the ordering column, createdAt by default.
func (a AssociationSpec) OrderByOrDefault() string {
	if a.OrderBy == "" {
		return "createdAt"
	}
	return a.OrderBy
}

// ForeignKeyColumns lists owner-table columns that hold identifiers because
// of this association.
func (a AssociationSpec) ForeignKeyColumns() []string {
	if a.Kind == ManyToOne && a.OwnerKey != "" {
		return []string{a.OwnerKey}
	}
	return nil
}

// Validate checks the spec for the fields its kind requires.
func (a AssociationSpec) Validate() error {
	if a.Table == "" || a.Field == "" || a.TargetTable == "" {
		return fmt.Errorf("association needs table, field and target_table")
	}
	if len(a.TargetFields) == 0 {
		return fmt.Errorf("association %s.%s needs target_fields", a.Table, a.Field)
	}
	switch a.Kind {
	case ManyToMany:
		if a.JoinTable == "" || a.JoinOwnerKey == "" || a.JoinTargetKey == "" {
			return fmt.Errorf("association %s.%s: many_to_many needs join_table, join_owner_key and join_target_key", a.Table, a.Field)
		}
	case OneToMany:
		if a.TargetOwnerKey == "" {
			return fmt.Errorf("association %s.%s: one_to_many needs target_owner_key", a.Table, a.Field)
		}
	case ManyToOne:
		if a.OwnerKey == "" {
			return fmt.Errorf("association %s.%s: many_to_one needs owner_key", a.Table, a.Field)
		}
	default:
		return fmt.Errorf("association %s.%s: unknown kind %q", a.Table, a.Field, a.Kind)
	}
	switch strings.ToLower(a.Order) {
	case "", "asc", "desc":
	default:
		return fmt.Errorf("association %s.%s: order must be asc or desc", a.Table, a.Field)
	}
	if a.Limit < 0 {
		return fmt.Errorf("association %s.%s: limit cannot be negative", a.Table, a.Field)
	}
	return nil
}

// Validate checks the version and every spec, and rejects duplicate fields.
func (s AssociationSet) Validate() error {
	if len(s.Associations) == 0 {
		return nil
	}
	if s.Version != AssociationsVersion {
		return fmt.Errorf("associations version %d is not supported (want %d)", s.Version, AssociationsVersion)
	}
	seen := make(map[string]bool, len(s.Associations))
	for _, a := range s.Associations {
		if err := a.Validate(); err != nil {
			return err
		}
		key := strings.ToLower(a.Table) + "." + a.Field
		if seen[key] {
			return fmt.Errorf("association field %s.%s is declared twice", a.Table, a.Field)
		}
		seen[key] = true
	}
	return nil
}
