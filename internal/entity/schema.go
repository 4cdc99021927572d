// Package entity defines the synced record types: the export API entities,
// their warehouse table schemas, and the normalization from raw API records
// into typed rows.
package entity

import "fmt"

// Kind is the warehouse-facing type of a column.
type Kind int

const (
	// KindText maps to TEXT.
	KindText Kind = iota
	// KindBool maps to BOOLEAN.
	KindBool
	// KindJSON maps to JSONB.
	KindJSON
)

// SQLType returns the Postgres column type for the kind.
func (k Kind) SQLType() string {
	switch k {
	case KindBool:
		return "BOOLEAN"
	case KindJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

// Column maps one API field onto one warehouse column.
type Column struct {
	Name     string // warehouse column name
	Source   string // API field name the value is read from
	Kind     Kind
	Required bool // a missing/empty value skips the record
}

// Schema describes one synced entity: its API endpoint name, its warehouse
// table, and the ordered column mapping. The primary key column is always
// "id"; the merge engine appends a load_timestamp provenance column.
type Schema struct {
	Name    string
	Table   string
	Columns []Column
}

// KeyColumn is the primary identifier column present on every target table.
const KeyColumn = "id"

// LoadTimestampColumn is the provenance column injected at merge time.
const LoadTimestampColumn = "load_timestamp"

// All returns the registry of synced entities in processing order.
func All() []Schema {
	return []Schema{
		Conversations(),
		Interactions(),
		PluginCalls(),
		PluginResources(),
		Users(),
	}
}

// ByName resolves a schema from its API endpoint name.
func ByName(name string) (Schema, error) {
	for _, s := range All() {
		if s.Name == name {
			return s, nil
		}
	}
	return Schema{}, fmt.Errorf("unknown entity %q", name)
}

// Names lists the API endpoint names in processing order.
func Names() []string {
	all := All()
	names := make([]string, 0, len(all))
	for _, s := range all {
		names = append(names, s.Name)
	}
	return names
}

// Conversations is the conversation-level entity.
func Conversations() Schema {
	return Schema{
		Name:  "conversations",
		Table: "mw_conversations",
		Columns: []Column{
			{Name: "last_updated_at", Source: "last_updated_time", Kind: KindText},
			{Name: "id", Source: "id", Kind: KindText, Required: true},
			{Name: "user_id", Source: "user_id", Kind: KindText},
			{Name: "created_at", Source: "created_time", Kind: KindText},
			{Name: "route", Source: "route", Kind: KindText},
			{Name: "primary_domain", Source: "primary_domain", Kind: KindText},
		},
	}
}

// Interactions is the per-message interaction entity.
func Interactions() Schema {
	return Schema{
		Name:  "interactions",
		Table: "mw_interactions",
		Columns: []Column{
			{Name: "last_updated_at", Source: "last_updated_time", Kind: KindText},
			{Name: "conversation_id", Source: "conversation_id", Kind: KindText},
			{Name: "user_id", Source: "user_id", Kind: KindText},
			{Name: "id", Source: "id", Kind: KindText, Required: true},
			{Name: "created_at", Source: "created_time", Kind: KindText},
			{Name: "platform", Source: "platform", Kind: KindText},
			{Name: "type", Source: "type", Kind: KindText},
			{Name: "label", Source: "label", Kind: KindText},
			{Name: "parent_interaction_id", Source: "parent_interaction_id", Kind: KindText},
			{Name: "details", Source: "detail", Kind: KindJSON},
			{Name: "actor", Source: "actor", Kind: KindText},
		},
	}
}

// PluginCalls is the plugin execution entity.
func PluginCalls() Schema {
	return Schema{
		Name:  "plugin-calls",
		Table: "mw_plugin_calls",
		Columns: []Column{
			{Name: "last_updated_at", Source: "last_updated_time", Kind: KindText},
			{Name: "conversation_id", Source: "conversation_id", Kind: KindText},
			{Name: "user_id", Source: "user_id", Kind: KindText},
			{Name: "interaction_id", Source: "interaction_id", Kind: KindText},
			{Name: "id", Source: "id", Kind: KindText, Required: true},
			{Name: "created_at", Source: "created_time", Kind: KindText},
			{Name: "plugin_update_time", Source: "plugin_update_time", Kind: KindText},
			{Name: "plugin_name", Source: "plugin_name", Kind: KindText},
			{Name: "plugin_status", Source: "plugin_status", Kind: KindText},
			{Name: "served", Source: "served", Kind: KindBool},
			{Name: "used", Source: "used", Kind: KindBool},
		},
	}
}

// PluginResources is the per-resource citation entity.
func PluginResources() Schema {
	return Schema{
		Name:  "plugin-resources",
		Table: "mw_plugin_resources",
		Columns: []Column{
			{Name: "id", Source: "id", Kind: KindText, Required: true},
			{Name: "conversation_id", Source: "conversation_id", Kind: KindText},
			{Name: "interaction_id", Source: "interaction_id", Kind: KindText},
			{Name: "plugin_call_id", Source: "plugin_call_id", Kind: KindText},
			{Name: "user_id", Source: "user_id", Kind: KindText},
			{Name: "type", Source: "type", Kind: KindText},
			{Name: "resource_id", Source: "resource_id", Kind: KindText},
			{Name: "details", Source: "detail", Kind: KindJSON},
			{Name: "cited", Source: "cited", Kind: KindBool},
			{Name: "last_updated_at", Source: "last_updated_time", Kind: KindText},
			{Name: "created_at", Source: "created_time", Kind: KindText},
		},
	}
}

// Users is the user directory entity.
func Users() Schema {
	return Schema{
		Name:  "users",
		Table: "mw_users",
		Columns: []Column{
			{Name: "id", Source: "id", Kind: KindText, Required: true},
			{Name: "first_name", Source: "first_name", Kind: KindText},
			{Name: "last_name", Source: "last_name", Kind: KindText},
			{Name: "email_addr", Source: "email_addr", Kind: KindText},
			{Name: "user_preferred_language", Source: "user_preferred_language", Kind: KindText},
			{Name: "has_access_to_bot", Source: "access_to_bot", Kind: KindBool},
			{Name: "external_ids", Source: "external_ids", Kind: KindJSON},
			{Name: "last_updated_at", Source: "last_updated_time", Kind: KindText},
			{Name: "first_interaction_at", Source: "first_interaction_time", Kind: KindText},
			{Name: "last_interaction_at", Source: "latest_interaction_time", Kind: KindText},
		},
	}
}
