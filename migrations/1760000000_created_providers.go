package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/pocketbase/pocketbase/tools/types"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("providers")
		collection.ListRule = types.Pointer("")
		collection.ViewRule = types.Pointer("")

		collection.Fields.Add(
			&core.TextField{Name: "ref", Required: true, Max: 64},
			&core.TextField{Name: "name", Max: 200},
			&core.NumberField{Name: "rate_per_minute", Required: true, Min: types.Pointer(0.01)},
			&core.TextField{Name: "currency", Max: 8},
			&core.BoolField{Name: "available"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		collection.AddIndex("idx_providers_ref", true, "ref", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("providers")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
