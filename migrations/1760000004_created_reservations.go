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

		// Written only by the reservation service; owners can read their own.
		collection := core.NewBaseCollection("reservations")
		collection.ListRule = types.Pointer("user_id = @request.auth.id")
		collection.ViewRule = types.Pointer("user_id = @request.auth.id")

		collection.Fields.Add(
			&core.TextField{Name: "reservation_number", Required: true, Max: 32},
			&core.TextField{Name: "user_id", Required: true},
			&core.RelationField{Name: "event_id", CollectionId: events.Id, MaxSelect: 1, Required: true},
			&core.NumberField{Name: "total_amount", Min: types.Pointer(0.0)},
			&core.SelectField{
				Name:      "status",
				Required:  true,
				MaxSelect: 1,
				Values:    []string{"pending", "confirmed", "cancelled", "expired"},
			},
			&core.TextField{Name: "payment_ref"},
			&core.TextField{Name: "cancel_reason"},
			&core.DateField{Name: "expires_at"},
			&core.DateField{Name: "confirmed_at"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		collection.AddIndex("idx_reservations_number", true, "reservation_number", "")
		collection.AddIndex("idx_reservations_expiry", false, "status, expires_at", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("reservations")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
