package pbhooks

import (
	"fmt"

	"github.com/pocketbase/pocketbase/core"
)

// EnsureSchema adds the hidden data key field to the auth collection when
// it is missing. Call it after the app has bootstrapped.
func (h *Hooks) EnsureSchema(app core.App) error {
	collection, err := app.FindCollectionByNameOrId(h.authCollection)
	if err != nil {
		return fmt.Errorf("pbhooks: finding auth collection %s: %w", h.authCollection, err)
	}
	if collection.Fields.GetByName(h.dataKeyField) != nil {
		return nil
	}

	collection.Fields.Add(&core.TextField{
		Name:   h.dataKeyField,
		Hidden: true,
	})
	if err := app.Save(collection); err != nil {
		return fmt.Errorf("pbhooks: adding %s to %s: %w", h.dataKeyField, h.authCollection, err)
	}
	h.logger.Info("added data key field", "collection", h.authCollection, "field", h.dataKeyField)
	return nil
}
