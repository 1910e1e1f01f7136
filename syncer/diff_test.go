package syncer

import (
	"math/rand"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/genealogy_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
	t3 = t0.Add(3 * time.Hour)
)

func at(t time.Time) *time.Time { return &t }

func persona(id int64, nome string, updated *time.Time) models.Record {
	return models.Record{ID: id, UpdatedAt: updated, Fields: map[string]interface{}{"nome": nome}}
}

func TestDiffServerNewerWhenClientIsStale(t *testing.T) {
	server := []models.Record{persona(5, "Mario", at(t2))}
	client := []models.Record{persona(5, "Mariano", at(t1))}

	// The client has not moved since the last sync.
	d := ComputeDiff(models.TablePersone, server, client, at(t1))
	require.Len(t, d.Modified, 1)
	assert.Equal(t, ServerNewer, d.Modified[0].Direction)
	assert.Empty(t, d.Conflicts)
	assert.Empty(t, d.ClientNewer())
}

func TestDiffOldWatermarkMakesEitherOrderAConflict(t *testing.T) {
	server := []models.Record{persona(5, "Mario", at(t2))}

	for name, clientAt := range map[string]time.Time{"client older": t1, "client newer": t3} {
		t.Run(name, func(t *testing.T) {
			client := []models.Record{persona(5, "Mariano", at(clientAt))}
			d := ComputeDiff(models.TablePersone, server, client, at(t0))
			require.Len(t, d.Conflicts, 1)
			assert.Empty(t, d.Modified)
			assert.Empty(t, d.ClientNewer())
		})
	}
}

func TestDiffClientNewer(t *testing.T) {
	server := []models.Record{persona(5, "Mario", at(t2))}
	client := []models.Record{persona(5, "Mariano", at(t3))}

	// Only the client moved after the watermark.
	d := ComputeDiff(models.TablePersone, server, client, at(t2))
	require.Len(t, d.Modified, 1)
	assert.Equal(t, ClientNewer, d.Modified[0].Direction)
	require.Len(t, d.ClientNewer(), 1)
	assert.Equal(t, "Mariano", d.ClientNewer()[0].String("nome"))
}

func TestDiffConflictWhenBothMovedPastWatermark(t *testing.T) {
	lastSync := t1
	server := []models.Record{persona(5, "Mario", at(lastSync.Add(time.Second)))}
	client := []models.Record{persona(5, "Mariano", at(lastSync.Add(time.Second)))}

	d := ComputeDiff(models.TablePersone, server, client, &lastSync)
	require.Len(t, d.Conflicts, 1)
	assert.Empty(t, d.Modified)
	c := d.Conflicts[0]
	assert.Equal(t, int64(5), c.ID)
	assert.Equal(t, "Mario", c.Server.String("nome"))
	assert.Equal(t, "Mariano", c.Client.String("nome"))
}

func TestDiffWithoutWatermarkUsesTimestampsOnly(t *testing.T) {
	tests := []struct {
		name   string
		server time.Time
		client time.Time
		want   Direction
	}{
		{"server later", t3, t2, ServerNewer},
		{"client later", t2, t3, ClientNewer},
		{"tie", t2, t2, ClientNewer},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			d := ComputeDiff(models.TablePersone,
				[]models.Record{persona(1, "s", at(test.server))},
				[]models.Record{persona(1, "c", at(test.client))},
				nil)
			require.Len(t, d.Modified, 1)
			assert.Empty(t, d.Conflicts)
			assert.Equal(t, test.want, d.Modified[0].Direction)
		})
	}
}

func TestDiffMissingTimestampsAreOmitted(t *testing.T) {
	server := []models.Record{persona(1, "a", nil), persona(2, "b", at(t2))}
	client := []models.Record{persona(1, "a2", at(t3)), persona(2, "b2", nil)}

	d := ComputeDiff(models.TablePersone, server, client, at(t0))
	assert.ElementsMatch(t, []int64{1, 2}, d.Omitted)
	assert.Empty(t, d.Modified)
	assert.Empty(t, d.Conflicts)
	assert.Empty(t, d.ServerNew)
	assert.Empty(t, d.ClientNew)
}

func TestDiffNewRowsDuplicatesAndMissingIDs(t *testing.T) {
	server := []models.Record{persona(1, "only server", at(t1)), persona(2, "both", at(t1))}
	client := []models.Record{
		persona(2, "both", at(t1)),
		persona(3, "first", at(t1)),
		persona(0, "no id", at(t1)),
		persona(3, "second", at(t2)),
		persona(-4, "negative", at(t1)),
	}

	d := ComputeDiff(models.TablePersone, server, client, nil)
	require.Len(t, d.ServerNew, 1)
	assert.Equal(t, int64(1), d.ServerNew[0].ID)
	require.Len(t, d.ClientNew, 1)
	assert.Equal(t, "second", d.ClientNew[0].String("nome"))
	assert.Equal(t, 2, d.Skipped)

	c := d.Counts()
	assert.Equal(t, DiffCounts{ServerNew: 1, ClientNew: 1, Modified: 1, ClientNewer: 1, Skipped: 2}, c)
}

// Every id seen on either side lands in exactly one bucket.
func TestDiffPartition(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	stamp := func() *time.Time {
		if rng.Intn(6) == 0 {
			return nil
		}
		return at(t0.Add(time.Duration(rng.Intn(8)) * time.Minute))
	}

	for round := 0; round < 200; round++ {
		var server, client []models.Record
		for id := int64(1); id <= 30; id++ {
			switch rng.Intn(4) {
			case 0:
				server = append(server, persona(id, "s", stamp()))
			case 1:
				client = append(client, persona(id, "c", stamp()))
			case 2:
				server = append(server, persona(id, "s", stamp()))
				client = append(client, persona(id, "c", stamp()))
			}
		}
		var lastSync *time.Time
		if rng.Intn(2) == 0 {
			lastSync = at(t0.Add(time.Duration(rng.Intn(8)) * time.Minute))
		}

		d := ComputeDiff(models.TablePersone, server, client, lastSync)

		buckets := map[int64]int{}
		for _, r := range d.ServerNew {
			buckets[r.ID]++
		}
		for _, r := range d.ClientNew {
			buckets[r.ID]++
		}
		for _, m := range d.Modified {
			buckets[m.ID]++
		}
		for _, c := range d.Conflicts {
			buckets[c.ID]++
		}
		for _, id := range d.Omitted {
			buckets[id]++
		}

		all := map[int64]bool{}
		for _, r := range server {
			all[r.ID] = true
		}
		for _, r := range client {
			all[r.ID] = true
		}
		require.Len(t, buckets, len(all), "round %d", round)
		for id := range all {
			require.Equal(t, 1, buckets[id], "round %d id %d", round, id)
		}

		if lastSync == nil {
			require.Empty(t, d.Conflicts)
		}
		for _, c := range d.Conflicts {
			require.True(t, c.ServerUpdatedAt.After(*lastSync) && c.ClientUpdatedAt.After(*lastSync))
		}
	}
}
