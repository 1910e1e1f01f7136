package syncer

import (
	"time"

	"bitbucket.org/mmdatafocus/genealogy_backend/models"
)

type Direction string

const (
	ServerNewer Direction = "server_newer"
	ClientNewer Direction = "client_newer"
)

// ModifiedEntry is a row present on both sides where only one side moved.
type ModifiedEntry struct {
	ID              int64         `json:"id"`
	Direction       Direction     `json:"direction"`
	Server          models.Record `json:"server_data"`
	Client          models.Record `json:"app_data"`
	ServerUpdatedAt time.Time     `json:"server_updated_at"`
	ClientUpdatedAt time.Time     `json:"app_updated_at"`
}

// ConflictEntry is a row edited on both sides since the watermark.
type ConflictEntry struct {
	ID              int64         `json:"id"`
	Server          models.Record `json:"server_data"`
	Client          models.Record `json:"app_data"`
	ServerUpdatedAt time.Time     `json:"server_updated_at"`
	ClientUpdatedAt time.Time     `json:"app_updated_at"`
}

// TableDiff classifies every id of one table into exactly one bucket.
// Omitted holds ids present on both sides without comparable timestamps;
// Skipped counts client entries without a usable id.
type TableDiff struct {
	Table     models.SyncTable `json:"table"`
	ServerNew []models.Record  `json:"server_new"`
	ClientNew []models.Record  `json:"client_new"`
	Modified  []ModifiedEntry  `json:"modified"`
	Conflicts []ConflictEntry  `json:"conflicts"`
	Omitted   []int64          `json:"omitted"`
	Skipped   int              `json:"skipped"`
}

type DiffCounts struct {
	ServerNew   int `json:"server_new"`
	ClientNew   int `json:"client_new"`
	Modified    int `json:"modified"`
	ServerNewer int `json:"server_newer"`
	ClientNewer int `json:"client_newer"`
	Conflicts   int `json:"conflicts"`
	Omitted     int `json:"omitted"`
	Skipped     int `json:"skipped"`
}

func (c DiffCounts) Add(o DiffCounts) DiffCounts {
	return DiffCounts{
		ServerNew:   c.ServerNew + o.ServerNew,
		ClientNew:   c.ClientNew + o.ClientNew,
		Modified:    c.Modified + o.Modified,
		ServerNewer: c.ServerNewer + o.ServerNewer,
		ClientNewer: c.ClientNewer + o.ClientNewer,
		Conflicts:   c.Conflicts + o.Conflicts,
		Omitted:     c.Omitted + o.Omitted,
		Skipped:     c.Skipped + o.Skipped,
	}
}

func (d *TableDiff) Counts() DiffCounts {
	c := DiffCounts{
		ServerNew: len(d.ServerNew),
		ClientNew: len(d.ClientNew),
		Modified:  len(d.Modified),
		Conflicts: len(d.Conflicts),
		Omitted:   len(d.Omitted),
		Skipped:   d.Skipped,
	}
	for _, m := range d.Modified {
		if m.Direction == ServerNewer {
			c.ServerNewer++
		} else {
			c.ClientNewer++
		}
	}
	return c
}

// ClientNewer returns the client payloads of rows the client moved last.
func (d *TableDiff) ClientNewer() []models.Record {
	var out []models.Record
	for _, m := range d.Modified {
		if m.Direction == ClientNewer {
			out = append(out, m.Client)
		}
	}
	return out
}

// ComputeDiff classifies server and client rows of one table.
//
// Duplicate client ids keep the last occurrence. Rows present on both sides
// conflict when both moved after lastSync; otherwise the later updated_at
// wins, with ties going to the client. Rows missing either timestamp are
// omitted so that nothing overwrites them.
func ComputeDiff(table models.SyncTable, server, client []models.Record, lastSync *time.Time) TableDiff {
	diff := TableDiff{Table: table}

	clientByID := make(map[int64]models.Record, len(client))
	var clientOrder []int64
	for _, rec := range client {
		if rec.ID <= 0 {
			diff.Skipped++
			continue
		}
		if _, seen := clientByID[rec.ID]; !seen {
			clientOrder = append(clientOrder, rec.ID)
		}
		clientByID[rec.ID] = rec
	}

	serverSeen := make(map[int64]bool, len(server))
	for _, srv := range server {
		serverSeen[srv.ID] = true
		cli, ok := clientByID[srv.ID]
		if !ok {
			diff.ServerNew = append(diff.ServerNew, srv)
			continue
		}
		if srv.UpdatedAt == nil || cli.UpdatedAt == nil {
			diff.Omitted = append(diff.Omitted, srv.ID)
			continue
		}
		serverAt, clientAt := *srv.UpdatedAt, *cli.UpdatedAt

		if lastSync != nil && serverAt.After(*lastSync) && clientAt.After(*lastSync) {
			diff.Conflicts = append(diff.Conflicts, ConflictEntry{
				ID:              srv.ID,
				Server:          srv,
				Client:          cli,
				ServerUpdatedAt: serverAt,
				ClientUpdatedAt: clientAt,
			})
			continue
		}

		dir := ClientNewer
		if serverAt.After(clientAt) {
			dir = ServerNewer
		}
		diff.Modified = append(diff.Modified, ModifiedEntry{
			ID:              srv.ID,
			Direction:       dir,
			Server:          srv,
			Client:          cli,
			ServerUpdatedAt: serverAt,
			ClientUpdatedAt: clientAt,
		})
	}

	for _, id := range clientOrder {
		if !serverSeen[id] {
			diff.ClientNew = append(diff.ClientNew, clientByID[id])
		}
	}
	return diff
}
