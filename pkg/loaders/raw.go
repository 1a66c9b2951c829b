package loaders

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/platform"
)

// DatabaseLoader manages staging databases in the raw store.
type DatabaseLoader struct{ rest }

func newDatabaseLoader(client *platform.Client, executor *platform.Executor, logger zerolog.Logger) *DatabaseLoader {
	r := newRest(client, executor, logger, "raw/databases")
	r.idFn = func(content map[string]any) (string, error) {
		return stringField(content, "dbName")
	}
	r.refFn = func(content map[string]any) (json.RawMessage, error) {
		db, err := stringField(content, "dbName")
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"dbName": db})
	}
	return &DatabaseLoader{rest: r}
}

func (*DatabaseLoader) Kind() string        { return "database" }
func (*DatabaseLoader) Folder() string      { return "raw" }
func (*DatabaseLoader) FilePattern() string { return "*.database.{yaml,yml}" }
func (*DatabaseLoader) DependsOn() []string { return nil }

func (*DatabaseLoader) RequiredCapabilities(resources []Resource) []platform.Capability {
	return scopedWrite("raw:write", "dbName", resources)
}

// TableLoader manages staging tables. A table is a resource container:
// its rows can be purged without touching the table definition.
type TableLoader struct{ rest }

func newTableLoader(client *platform.Client, executor *platform.Executor, logger zerolog.Logger) *TableLoader {
	r := newRest(client, executor, logger, "raw/tables")
	r.dataResource = "raw/rows"
	r.idFn = tableID
	r.refFn = tableRef
	return &TableLoader{rest: r}
}

func (*TableLoader) Kind() string        { return "table" }
func (*TableLoader) Folder() string      { return "raw" }
func (*TableLoader) FilePattern() string { return "*.table.{yaml,yml}" }
func (*TableLoader) DependsOn() []string { return []string{"database"} }

func (*TableLoader) RequiredCapabilities(resources []Resource) []platform.Capability {
	return scopedWrite("raw:write", "dbName", resources)
}

func tableID(content map[string]any) (string, error) {
	db, err := stringField(content, "dbName")
	if err != nil {
		return "", err
	}
	table, err := stringField(content, "tableName")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s", db, table), nil
}

func tableRef(content map[string]any) (json.RawMessage, error) {
	db, err := stringField(content, "dbName")
	if err != nil {
		return nil, err
	}
	table, err := stringField(content, "tableName")
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"dbName": db, "tableName": table})
}
