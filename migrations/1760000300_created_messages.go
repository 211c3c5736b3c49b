package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("messages")

		collection.Fields.Add(
			&core.TextField{Name: "ref", Required: true, Max: 64},
			&core.TextField{Name: "consultation_ref", Required: true, Max: 64},
			&core.TextField{Name: "sender_ref", Required: true, Max: 64},
			&core.TextField{Name: "text", Max: 8000},
			&core.DateField{Name: "created_at", Required: true},
			&core.DateField{Name: "edited_at"},
			&core.BoolField{Name: "deleted_for_all"},
			&core.JSONField{Name: "hidden_for", MaxSize: 1 << 16},
			&core.JSONField{Name: "read_by", MaxSize: 1 << 16},
		)
		collection.AddIndex("idx_messages_ref", true, "ref", "")
		collection.AddIndex("idx_messages_consultation", false, "consultation_ref, created_at", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("messages")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
