package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/pocketbase/pocketbase/tools/types"
)

func init() {
	m.Register(func(app core.App) error {
		reservations, err := app.FindCollectionByNameOrId("reservations")
		if err != nil {
			return err
		}
		ticketTypes, err := app.FindCollectionByNameOrId("ticket_types")
		if err != nil {
			return err
		}

		collection := core.NewBaseCollection("reservation_items")

		collection.Fields.Add(
			&core.RelationField{Name: "reservation_id", CollectionId: reservations.Id, MaxSelect: 1, Required: true, CascadeDelete: true},
			// empty for general admission items
			&core.TextField{Name: "seat_id"},
			&core.RelationField{Name: "ticket_type_id", CollectionId: ticketTypes.Id, MaxSelect: 1, Required: true},
			&core.NumberField{Name: "quantity", OnlyInt: true, Min: types.Pointer(1.0)},
			&core.NumberField{Name: "unit_price", Min: types.Pointer(0.0)},
		)
		collection.AddIndex("idx_reservation_items_reservation", false, "reservation_id", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("reservation_items")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
