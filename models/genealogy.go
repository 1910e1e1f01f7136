package models

import "time"

const (
	MediaTipoFoto      = "foto"
	MediaTipoDocumento = "documento"

	DefaultTagColor = "#3b82f6"
)

type Persona struct {
	ID           int64      `gorm:"primary_key" json:"id"`
	Nome         *string    `gorm:"size:255" json:"nome"`
	Cognome      *string    `gorm:"size:255" json:"cognome"`
	NatoA        *string    `gorm:"size:255" json:"nato_a"`
	NatoIl       *time.Time `gorm:"type:date" json:"nato_il"`
	DecedutoA    *string    `gorm:"size:255" json:"deceduto_a"`
	DecedutoIl   *time.Time `gorm:"type:date" json:"deceduto_il"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `gorm:"index" json:"updated_at"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
}

func (Persona) TableName() string { return string(TablePersone) }

type Evento struct {
	ID           int64      `gorm:"primary_key" json:"id"`
	PersonaId    int64      `gorm:"index;not null" json:"persona_id"`
	TipoEvento   string     `gorm:"size:255;index;not null" json:"tipo_evento"`
	Titolo       string     `gorm:"size:255;not null" json:"titolo"`
	Descrizione  *string    `gorm:"type:text" json:"descrizione"`
	DataEvento   *time.Time `gorm:"type:date;index" json:"data_evento"`
	Luogo        *string    `gorm:"size:255" json:"luogo"`
	Note         *string    `gorm:"type:text" json:"note"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `gorm:"index" json:"updated_at"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
}

func (Evento) TableName() string { return string(TableEventi) }

type Media struct {
	ID              int64      `gorm:"primary_key" json:"id"`
	PersonaId       int64      `gorm:"index;not null" json:"persona_id"`
	Tipo            string     `gorm:"size:20;index;default:foto" json:"tipo"`
	NomeFile        string     `gorm:"size:255" json:"nome_file"`
	Percorso        string     `gorm:"size:512" json:"percorso"`
	Dimensione      *int64     `json:"dimensione"`
	MimeType        *string    `gorm:"size:255" json:"mime_type"`
	Descrizione     *string    `gorm:"type:text" json:"descrizione"`
	DataCaricamento *time.Time `json:"data_caricamento"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `gorm:"index" json:"updated_at"`
	LastSyncedAt    *time.Time `json:"last_synced_at"`
}

func (Media) TableName() string { return string(TableMedia) }

type Nota struct {
	ID           int64      `gorm:"primary_key" json:"id"`
	PersonaId    int64      `gorm:"index;not null" json:"persona_id"`
	UserId       *int64     `gorm:"index" json:"user_id"`
	Contenuto    string     `gorm:"type:text" json:"contenuto"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `gorm:"index" json:"updated_at"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
}

func (Nota) TableName() string { return string(TableNote) }

type Tag struct {
	ID           int64      `gorm:"primary_key" json:"id"`
	Nome         string     `gorm:"size:255;uniqueIndex" json:"nome"`
	Colore       string     `gorm:"size:20;default:#3b82f6" json:"colore"`
	Descrizione  *string    `gorm:"type:text" json:"descrizione"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `gorm:"index" json:"updated_at"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
}

func (Tag) TableName() string { return string(TableTags) }

type PersonaLegame struct {
	ID                 int64      `gorm:"primary_key" json:"id"`
	PersonaId          int64      `gorm:"uniqueIndex:unique_legame,priority:1;not null" json:"persona_id"`
	PersonaCollegataId int64      `gorm:"uniqueIndex:unique_legame,priority:2;not null" json:"persona_collegata_id"`
	TipoLegameId       int64      `gorm:"uniqueIndex:unique_legame,priority:3;not null" json:"tipo_legame_id"`
	DataLegame         *time.Time `gorm:"type:date" json:"data_legame"`
	LuogoLegame        *string    `gorm:"size:255" json:"luogo_legame"`
	TipoEventoLegameId *int64     `json:"tipo_evento_legame_id"`
	DataSeparazione    *time.Time `gorm:"type:date" json:"data_separazione"`
	LuogoSeparazione   *string    `gorm:"size:255" json:"luogo_separazione"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `gorm:"index" json:"updated_at"`
	LastSyncedAt       *time.Time `json:"last_synced_at"`
}

func (PersonaLegame) TableName() string { return string(TablePersonaLegami) }

// DateColumns are the date-only columns of t; they travel as YYYY-MM-DD.
func (t SyncTable) DateColumns() []string {
	switch t {
	case TablePersone:
		return []string{"nato_il", "deceduto_il"}
	case TableEventi:
		return []string{"data_evento"}
	case TablePersonaLegami:
		return []string{"data_legame", "data_separazione"}
	default:
		return nil
	}
}
