package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/pocketbase/pocketbase/tools/types"
)

func init() {
	m.Register(func(app core.App) error {
		events, err := app.FindCollectionByNameOrId("events")
		if err != nil {
			return err
		}
		ticketTypes, err := app.FindCollectionByNameOrId("ticket_types")
		if err != nil {
			return err
		}

		collection := core.NewBaseCollection("seats")
		collection.ListRule = types.Pointer("")
		collection.ViewRule = types.Pointer("")

		collection.Fields.Add(
			&core.RelationField{Name: "event_id", CollectionId: events.Id, MaxSelect: 1, Required: true, CascadeDelete: true},
			&core.RelationField{Name: "ticket_type_id", CollectionId: ticketTypes.Id, MaxSelect: 1, Required: true},
			&core.TextField{Name: "section", Max: 50},
			&core.TextField{Name: "row", Max: 10},
			&core.NumberField{Name: "number", OnlyInt: true},
			&core.NumberField{Name: "price", Min: types.Pointer(0.0)},
			&core.SelectField{Name: "status", Values: []string{"available", "held", "sold"}, MaxSelect: 1},
		)
		collection.AddIndex("idx_seats_event_position", true, "event_id, section, `row`, number", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("seats")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
