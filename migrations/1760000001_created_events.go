package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/pocketbase/pocketbase/tools/types"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("events")
		collection.ListRule = types.Pointer("")
		collection.ViewRule = types.Pointer("")

		collection.Fields.Add(
			&core.TextField{Name: "title", Required: true, Max: 255},
			&core.DateField{Name: "start_at"},
			&core.DateField{Name: "end_at"},
			&core.SelectField{
				Name:      "status",
				MaxSelect: 1,
				Values:    []string{"draft", "published", "started", "ended"},
			},
			// active sessions allowed at once; zero falls back to ACTIVE_CAPACITY_PER_EVENT
			&core.NumberField{Name: "queue_threshold", OnlyInt: true, Min: types.Pointer(0.0)},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("events")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
