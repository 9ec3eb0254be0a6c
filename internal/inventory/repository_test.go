package inventory

import (
	"os"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

// The statements in repository.go are written against the column names
// below. A rename on either side fails every query at runtime with
// SQLSTATE 42703, so the schema is pinned here against the migration.
func TestCoreMigrationDefinesRepositoryColumns(t *testing.T) {
	schema, err := os.ReadFile("../../migrations/0001_core.sql")
	require.NoError(t, err)

	tables := map[string][]string{
		"lot": {
			"id", "entity_id", "plant_id", "product_id", "code", "quantity",
			"manufactured_at", "expiration_at", "vendor_id", "is_own_product", "created_at",
		},
		"inventory_item": {
			"id", "entity_id", "plant_id", "product_id", "lot_id", "vendor_id",
			"location_id", "item_type", "quantity", "price", "currency",
			"created_at", "created_by", "updated_at",
		},
		"inventory_movement": {
			"id", "entity_id", "plant_id", "inventory_item_id", "movement_type",
			"quantity", "source_location_id", "destination_location_id", "reason",
			"work_order_id", "created_at", "created_by",
		},
		"inventory_reservation": {
			"id", "entity_id", "plant_id", "inventory_item_id", "batch_id",
			"quantity", "unit_of_measure_id", "status", "reserved_at",
			"reserved_by", "released_at", "released_by", "notes",
		},
		"material_consumption": {
			"id", "entity_id", "plant_id", "batch_id", "product_id",
			"inventory_item_id", "reservation_id", "quantity", "consumed_at", "consumed_by",
		},
	}
	for table, columns := range tables {
		definition := tableDefinition(t, string(schema), table)
		for _, column := range columns {
			require.Regexp(t, `(?m)^\s+`+column+`\s`, definition,
				"table %s must define column %s", table, column)
		}
	}
}

func tableDefinition(t *testing.T, schema, table string) string {
	t.Helper()
	re := regexp.MustCompile(`(?s)CREATE TABLE IF NOT EXISTS ` + table + ` \((.*?)\);`)
	match := re.FindStringSubmatch(schema)
	require.NotNil(t, match, "migration must create table %s", table)
	return match[1]
}
