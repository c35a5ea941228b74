package index

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/lakesync/internal/mapping"
	"github.com/ajitpratap0/lakesync/pkg/errors"
)

// MappingApplier creates indices and adds missing fields to existing ones.
type MappingApplier struct {
	store    Store
	settings map[string]interface{}
	logger   *zap.Logger
}

// NewMappingApplier creates an applier. New indices get refreshInterval when
// it is set.
func NewMappingApplier(store Store, refreshInterval string, logger *zap.Logger) *MappingApplier {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := map[string]interface{}{}
	if refreshInterval != "" {
		settings["refresh_interval"] = refreshInterval
	}
	return &MappingApplier{store: store, settings: settings, logger: logger}
}

// Apply makes index hold desired. A missing index is created with the full
// mapping; an existing one only receives additions. The returned plan lists
// what was added. Applying the same mapping twice is a no-op.
func (a *MappingApplier) Apply(ctx context.Context, index string, desired mapping.FieldMapping) (mapping.Plan, error) {
	exists, err := a.store.IndexExists(ctx, index)
	if err != nil {
		return mapping.Plan{}, err
	}
	if !exists {
		if err := a.store.CreateIndex(ctx, index, a.settings, desired); err != nil {
			return mapping.Plan{}, err
		}
		return mapping.Plan{Additions: desired.Fields}, nil
	}

	existing, err := a.store.GetMapping(ctx, index)
	if err != nil {
		return mapping.Plan{}, err
	}
	plan, err := mapping.Reconcile(existing, desired)
	if err != nil {
		if e, ok := err.(*errors.Error); ok {
			e.WithDetail("index", index)
		}
		return mapping.Plan{}, err
	}
	if plan.Empty() {
		return plan, nil
	}

	a.logger.Info("adding fields to index mapping",
		zap.String("index", index),
		zap.Int("fields", len(plan.Additions)))
	if err := a.store.PutMapping(ctx, index, plan.Mapping()); err != nil {
		return mapping.Plan{}, err
	}
	return plan, nil
}
