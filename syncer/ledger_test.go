package syncer

import (
	"context"
	"encoding/json"
	"testing"

	"bitbucket.org/mmdatafocus/genealogy_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func newLedgerFixture(t *testing.T) (*fixture, *Ledger, *models.SyncConflict) {
	t.Helper()
	f := newFixture(t)
	f.seed(t, models.TablePersone, 5, map[string]interface{}{"nome": "Mario", "cognome": "Bianchi"}, t2)
	ledger := NewLedger(f.db, NewApplier(nil, f.logger), f.logger)

	server := f.find(t, models.TablePersone, 5)
	client := models.Record{ID: 5, UpdatedAt: at(t3), Fields: map[string]interface{}{
		"nome":    "Mariano",
		"cognome": "Rossi",
		"nato_a":  "Roma",
		"extra":   "not fillable",
	}}
	conflict, err := ledger.RecordConflict(context.Background(), f.db, nil, models.TablePersone, ConflictEntry{
		ID:              5,
		Server:          *server,
		Client:          client,
		ServerUpdatedAt: t2,
		ClientUpdatedAt: t3,
	})
	require.NoError(t, err)
	return f, ledger, conflict
}

func TestRecordConflictStoresBothPayloads(t *testing.T) {
	_, _, conflict := newLedgerFixture(t)

	assert.Equal(t, models.ResolutionPending, conflict.Resolution)
	assert.Equal(t, "persone", conflict.SourceTable)

	var server, app map[string]interface{}
	require.NoError(t, json.Unmarshal(conflict.ServerData, &server))
	require.NoError(t, json.Unmarshal(conflict.AppData, &app))
	assert.Equal(t, "Mario", server["nome"])
	assert.Equal(t, "Mariano", app["nome"])
	assert.True(t, t3.Equal(*conflict.AppUpdatedAt))
}

func TestResolveAppWinsAppliesAppDataOnce(t *testing.T) {
	f, ledger, conflict := newLedgerFixture(t)
	ctx := context.Background()
	userID := int64(9)

	resolved, err := ledger.Resolve(ctx, ResolveRequest{
		ConflictID: conflict.ID,
		Resolution: "app_wins",
		ResolvedBy: &userID,
	}, fixtureNow)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionAppWins, resolved.Resolution)
	require.NotNil(t, resolved.ResolvedAt)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, userID, *resolved.ResolvedBy)

	got := f.find(t, models.TablePersone, 5)
	require.NotNil(t, got)
	require.NotNil(t, got.UpdatedAt)
	require.NotNil(t, got.LastSyncedAt)
	assert.Equal(t, "Mariano", got.String("nome"))
	assert.Equal(t, "Rossi", got.String("cognome"))
	assert.Equal(t, "Roma", got.String("nato_a"))
	assert.True(t, fixtureNow.Equal(*got.UpdatedAt))
	assert.True(t, fixtureNow.Equal(*got.LastSyncedAt))

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(resolved.ResolvedData, &data))
	assert.NotContains(t, data, "extra")

	_, err = ledger.Resolve(ctx, ResolveRequest{ConflictID: conflict.ID, Resolution: "server_wins"}, fixtureNow)
	require.ErrorIs(t, err, ErrConflictAlreadyResolved)
	assert.Equal(t, "Mariano", f.mustFind(t, models.TablePersone, 5).String("nome"))
}

func TestResolveServerWinsKeepsServerData(t *testing.T) {
	f, ledger, conflict := newLedgerFixture(t)

	_, err := ledger.Resolve(context.Background(), ResolveRequest{ConflictID: conflict.ID, Resolution: "server_wins"}, fixtureNow)
	require.NoError(t, err)

	got := f.find(t, models.TablePersone, 5)
	require.NotNil(t, got)
	require.NotNil(t, got.UpdatedAt)
	assert.Equal(t, "Mario", got.String("nome"))
	assert.Equal(t, "Bianchi", got.String("cognome"))
	// touched so the next pull carries it to the app
	assert.True(t, fixtureNow.Equal(*got.UpdatedAt))
}

func TestResolveMerged(t *testing.T) {
	f, ledger, conflict := newLedgerFixture(t)
	ctx := context.Background()

	_, err := ledger.Resolve(ctx, ResolveRequest{ConflictID: conflict.ID, Resolution: "merged"}, fixtureNow)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = ledger.Resolve(ctx, ResolveRequest{
		ConflictID:    conflict.ID,
		Resolution:    "merged",
		MergedPayload: map[string]interface{}{"nome": "Mario", "cognome": "Rossi", "id": float64(77)},
	}, fixtureNow)
	require.NoError(t, err)

	got := f.find(t, models.TablePersone, 5)
	assert.Equal(t, "Mario", got.String("nome"))
	assert.Equal(t, "Rossi", got.String("cognome"))
	assert.Nil(t, f.find(t, models.TablePersone, 77))
}

func TestResolveErrors(t *testing.T) {
	f, ledger, conflict := newLedgerFixture(t)
	ctx := context.Background()

	_, err := ledger.Resolve(ctx, ResolveRequest{ConflictID: conflict.ID, Resolution: "client_wins"}, fixtureNow)
	var invalid *InvalidResolutionError
	require.ErrorAs(t, err, &invalid)

	_, err = ledger.Resolve(ctx, ResolveRequest{ConflictID: conflict.ID, Resolution: "pending"}, fixtureNow)
	require.ErrorAs(t, err, &invalid)

	_, err = ledger.Resolve(ctx, ResolveRequest{ConflictID: 999, Resolution: "app_wins"}, fixtureNow)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)

	orphan := models.SyncConflict{
		SourceTable: "users",
		RecordId:    1,
		ServerData:  datatypes.JSON(`{}`),
		AppData:     datatypes.JSON(`{"nome":"x"}`),
		Resolution:  models.ResolutionPending,
	}
	require.NoError(t, f.db.Create(&orphan).Error)
	_, err = ledger.Resolve(ctx, ResolveRequest{ConflictID: orphan.ID, Resolution: "app_wins"}, fixtureNow)
	var unsupported *UnsupportedTableError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "users", unsupported.Table)

	pending, err := ledger.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)
}

func TestLedgerList(t *testing.T) {
	_, ledger, conflict := newLedgerFixture(t)
	ctx := context.Background()

	list, err := ledger.List(ctx, ConflictFilter{Resolution: "pending", Table: "persone"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, conflict.ID, list[0].ID)

	list, err = ledger.List(ctx, ConflictFilter{Resolution: "app_wins"})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = ledger.List(ctx, ConflictFilter{Table: "users"})
	var unsupported *UnsupportedTableError
	require.ErrorAs(t, err, &unsupported)
}
