package mapping

import (
	"github.com/ajitpratap0/lakesync/pkg/errors"
)

// Plan lists the fields to add to an existing mapping.
type Plan struct {
	Additions []Field
}

// Empty reports whether the existing mapping already holds the desired one.
func (p Plan) Empty() bool { return len(p.Additions) == 0 }

// Mapping returns the additions as a mapping suitable for a put-mapping call.
func (p Plan) Mapping() FieldMapping { return FieldMapping{Fields: p.Additions} }

// compatible lists existing types that can hold values of a desired type.
var compatible = map[FieldType]FieldType{
	Keyword: Text,
	Long:    Double,
}

// Reconcile compares desired against existing. Fields only in existing are
// ignored; fields only in desired become additions. A type difference other
// than a compatible widening is a mapping conflict.
func Reconcile(existing, desired FieldMapping) (Plan, error) {
	additions, err := reconcileFields("", existing.Fields, desired.Fields)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Additions: additions}, nil
}

func reconcileFields(path string, existing, desired []Field) ([]Field, error) {
	have := make(map[string]Field, len(existing))
	for _, f := range existing {
		have[f.Name] = f
	}

	var additions []Field
	for _, want := range desired {
		got, ok := have[want.Name]
		if !ok {
			additions = append(additions, want)
			continue
		}

		name := path + want.Name
		if got.Type != want.Type {
			if compatible[want.Type] == got.Type {
				continue
			}
			return nil, errors.Newf(errors.ErrorTypeMappingConflict,
				"field %s is mapped as %s, want %s", name, got.Type, want.Type).
				WithDetail("field", name).
				WithDetail("existing", string(got.Type)).
				WithDetail("desired", string(want.Type))
		}

		switch want.Type {
		case Object, Nested:
			sub, err := reconcileFields(name+".", got.Properties, want.Properties)
			if err != nil {
				return nil, err
			}
			if len(sub) > 0 {
				additions = append(additions, Field{Name: want.Name, Type: want.Type, Properties: sub})
			}
		case Text:
			if want.Keyword && !got.Keyword {
				additions = append(additions, want)
			}
		}
	}
	return additions, nil
}

// Merge applies additions to base the way the store applies a put-mapping
// call: object properties merge, other fields are replaced or appended.
func Merge(base, additions FieldMapping) FieldMapping {
	return FieldMapping{Fields: mergeFields(base.Fields, additions.Fields)}
}

func mergeFields(base, additions []Field) []Field {
	out := append([]Field(nil), base...)
	for _, add := range additions {
		merged := false
		for i := range out {
			if out[i].Name != add.Name {
				continue
			}
			if (add.Type == Object || add.Type == Nested) && out[i].Type == add.Type {
				out[i].Properties = mergeFields(out[i].Properties, add.Properties)
			} else {
				out[i] = add
			}
			merged = true
			break
		}
		if !merged {
			out = append(out, add)
		}
	}
	return out
}
