package models

import "fmt"

// SyncTable is one of the record tables exchanged with the mobile app.
type SyncTable string

const (
	TablePersone       SyncTable = "persone"
	TableEventi        SyncTable = "eventi"
	TableMedia         SyncTable = "media"
	TableNote          SyncTable = "note"
	TableTags          SyncTable = "tags"
	TablePersonaLegami SyncTable = "persona_legami"
)

// SyncTables lists every syncable table in apply order.
// Parents come first so that foreign keys resolve on stores that enforce them.
var SyncTables = []SyncTable{
	TablePersone,
	TableTags,
	TableEventi,
	TableMedia,
	TableNote,
	TablePersonaLegami,
}

type UnknownTableError struct {
	Name string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("unsupported sync table %q", e.Name)
}

func ParseSyncTable(name string) (SyncTable, error) {
	switch SyncTable(name) {
	case TablePersone, TableEventi, TableMedia, TableNote, TableTags, TablePersonaLegami:
		return SyncTable(name), nil
	default:
		return "", &UnknownTableError{Name: name}
	}
}

func (t SyncTable) String() string { return string(t) }

// Fillable returns the columns the sync engine may read and write for t.
// id, timestamps and last_synced_at are managed separately.
func (t SyncTable) Fillable() []string {
	switch t {
	case TablePersone:
		return []string{"nome", "cognome", "nato_a", "nato_il", "deceduto_a", "deceduto_il"}
	case TableEventi:
		return []string{"persona_id", "tipo_evento", "titolo", "descrizione", "data_evento", "luogo", "note"}
	case TableMedia:
		return []string{"persona_id", "tipo", "nome_file", "percorso", "dimensione", "mime_type", "descrizione", "data_caricamento"}
	case TableNote:
		return []string{"persona_id", "user_id", "contenuto"}
	case TableTags:
		return []string{"nome", "colore", "descrizione"}
	case TablePersonaLegami:
		return []string{
			"persona_id", "persona_collegata_id", "tipo_legame_id", "data_legame", "luogo_legame",
			"tipo_evento_legame_id", "data_separazione", "luogo_separazione",
		}
	default:
		return nil
	}
}

func (t SyncTable) IsFillable(column string) bool {
	for _, c := range t.Fillable() {
		if c == column {
			return true
		}
	}
	return false
}

// Project keeps only the fillable columns of fields.
func (t SyncTable) Project(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for _, c := range t.Fillable() {
		if v, ok := fields[c]; ok {
			out[c] = v
		}
	}
	return out
}
