package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("billing_ticks")

		collection.Fields.Add(
			&core.TextField{Name: "consultation_ref", Required: true, Max: 64},
			&core.TextField{Name: "provider_ref", Max: 64},
			&core.TextField{Name: "user_ref", Max: 64},
			&core.NumberField{Name: "minute_index", Required: true, OnlyInt: true},
			&core.NumberField{Name: "amount_debited"},
			&core.NumberField{Name: "wallet_balance_after"},
			&core.DateField{Name: "created_at", Required: true},
		)
		// one tick per consultation minute
		collection.AddIndex("idx_billing_ticks_minute", true, "consultation_ref, minute_index", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("billing_ticks")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
