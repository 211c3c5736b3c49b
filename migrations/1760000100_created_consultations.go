package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("consultations")

		collection.Fields.Add(
			&core.TextField{Name: "ref", Required: true, Max: 64},
			&core.TextField{Name: "user_ref", Required: true, Max: 64},
			&core.TextField{Name: "provider_ref", Required: true, Max: 64},
			&core.SelectField{
				Name:      "status",
				Required:  true,
				MaxSelect: 1,
				Values:    []string{"queued", "active", "warning", "final_warning", "ended"},
			},
			&core.NumberField{Name: "rate_per_minute"},
			&core.TextField{Name: "currency", Max: 8},
			&core.NumberField{Name: "duration_minutes", OnlyInt: true},
			&core.DateField{Name: "joined_at", Required: true},
			&core.DateField{Name: "started_at"},
			&core.DateField{Name: "ended_at"},
			&core.TextField{Name: "end_reason", Max: 32},
			&core.NumberField{Name: "billed_minutes", OnlyInt: true},
			&core.NumberField{Name: "queue_position", OnlyInt: true},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		collection.AddIndex("idx_consultations_ref", true, "ref", "")
		collection.AddIndex("idx_consultations_status", false, "status", "")
		collection.AddIndex("idx_consultations_provider", false, "provider_ref, joined_at", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("consultations")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
