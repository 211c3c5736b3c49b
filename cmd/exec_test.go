package cmd

import (
	"testing"

	"consult-system/internal/store"

	"github.com/pocketbase/pocketbase/core"
	"github.com/stretchr/testify/assert"
)

func providerRecord(ref string, available bool) *core.Record {
	collection := core.NewBaseCollection(store.CollectionProviders)
	collection.Fields.Add(
		&core.TextField{Name: "ref"},
		&core.BoolField{Name: "available"},
	)
	record := core.NewRecord(collection)
	record.Id = "pbrecord000001a"
	record.Set("ref", ref)
	record.Set("available", available)
	return record
}

func TestAvailabilityChange(t *testing.T) {
	tests := []struct {
		name          string
		before, after *core.Record
		wantID        string
		wantAvailable bool
		wantChanged   bool
	}{
		{
			name:          "goes offline",
			before:        providerRecord("8f1c2a9e-provider", true),
			after:         providerRecord("8f1c2a9e-provider", false),
			wantID:        "8f1c2a9e-provider",
			wantAvailable: false,
			wantChanged:   true,
		},
		{
			name:          "comes back",
			before:        providerRecord("8f1c2a9e-provider", false),
			after:         providerRecord("8f1c2a9e-provider", true),
			wantID:        "8f1c2a9e-provider",
			wantAvailable: true,
			wantChanged:   true,
		},
		{
			name:          "unrelated edit",
			before:        providerRecord("8f1c2a9e-provider", true),
			after:         providerRecord("8f1c2a9e-provider", true),
			wantID:        "8f1c2a9e-provider",
			wantAvailable: true,
			wantChanged:   false,
		},
		{
			name:          "record without ref",
			before:        providerRecord("", true),
			after:         providerRecord("", false),
			wantID:        "",
			wantAvailable: false,
			wantChanged:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, available, changed := availabilityChange(tt.before, tt.after)
			assert.Equal(t, tt.wantID, id)
			assert.NotEqual(t, tt.after.Id, id)
			assert.Equal(t, tt.wantAvailable, available)
			assert.Equal(t, tt.wantChanged, changed)
		})
	}
}
