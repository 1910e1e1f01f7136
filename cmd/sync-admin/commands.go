package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"bitbucket.org/mmdatafocus/genealogy_backend/models"
	"bitbucket.org/mmdatafocus/genealogy_backend/syncer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newMigrateCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the genealogy and sync tables.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := e.database()
			if err != nil {
				return err
			}
			if err := models.Migrate(db.WithContext(cmd.Context())); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			e.log().Info("migrations applied")
			return nil
		},
	}
}

func newStatusCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the last completed sync and the pending conflict count.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := e.service(cmd.Context())
			if err != nil {
				return err
			}
			status, err := svc.GetStatus(cmd.Context())
			if err != nil {
				return err
			}
			return e.writeJSON(status)
		},
	}
}

func newConflictsCommand(e *env) *cobra.Command {
	conflictsCmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts.",
	}

	var filter syncer.ConflictFilter
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts, newest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := e.service(cmd.Context())
			if err != nil {
				return err
			}
			conflicts, err := svc.ListConflicts(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return e.writeJSON(conflicts)
		},
	}
	listCmd.Flags().StringVar(&filter.Resolution, "resolution", string(models.ResolutionPending), "pending, server_wins, app_wins or merged")
	listCmd.Flags().StringVar(&filter.Table, "table", "", "only conflicts on this table")
	listCmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of conflicts")

	var (
		resolution string
		dataPath   string
		resolvedBy int64
	)
	resolveCmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Apply a resolution to a pending conflict.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("conflict id %q: %w", args[0], err)
			}
			req := syncer.ResolveRequest{ConflictID: id, Resolution: resolution}
			if resolvedBy > 0 {
				req.ResolvedBy = &resolvedBy
			}
			if dataPath != "" {
				raw, err := afero.ReadFile(e.filesystem(), dataPath)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &req.MergedPayload); err != nil {
					return fmt.Errorf("%s: %w", dataPath, err)
				}
			}

			svc, err := e.service(cmd.Context())
			if err != nil {
				return err
			}
			conflict, err := svc.ResolveConflict(cmd.Context(), req)
			if err != nil {
				return err
			}
			return e.writeJSON(conflict)
		},
	}
	resolveCmd.Flags().StringVar(&resolution, "resolution", "", "server_wins, app_wins or merged")
	resolveCmd.Flags().StringVar(&dataPath, "data", "", "JSON file with the merged record (merged only)")
	resolveCmd.Flags().Int64Var(&resolvedBy, "user", 0, "user id recorded as resolver")
	_ = resolveCmd.MarkFlagRequired("resolution")

	conflictsCmd.AddCommand(listCmd, resolveCmd)
	return conflictsCmd
}

func newMediaAuditCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "media-audit",
		Short: "List media rows whose blob is missing from the store.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := e.service(cmd.Context())
			if err != nil {
				return err
			}
			missing, err := svc.AuditMedia(cmd.Context())
			if err != nil {
				return err
			}
			e.log().WithFields(logrus.Fields{"missing": len(missing)}).Info("[media.audit] done")
			return e.writeJSON(missing)
		},
	}
}

// offlineFlags are shared by push and merge.
type offlineFlags struct {
	file       string
	mediaDir   string
	mode       string
	deviceID   string
	sessionKey string
}

func (f *offlineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.file, "file", "", "JSON export produced by the app")
	cmd.Flags().StringVar(&f.mediaDir, "media-dir", "", "directory with the exported media files")
	cmd.Flags().StringVar(&f.mode, "mode", models.SyncModeADB, "sync mode recorded on the session (adb or offline)")
	cmd.Flags().StringVar(&f.deviceID, "device", "", "device id recorded on the session")
	cmd.Flags().StringVar(&f.sessionKey, "session-key", "", "idempotency key; a repeated key replays the first result")
	_ = cmd.MarkFlagRequired("file")
}

func newPushCommand(e *env) *cobra.Command {
	var flags offlineFlags
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Apply an app export to the server, app data wins.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapshot, _, err := readSnapshot(e.filesystem(), flags.file)
			if err != nil {
				return err
			}
			uploads, err := mediaDirUploads(e.filesystem(), flags.mediaDir)
			if err != nil {
				return err
			}
			svc, err := e.service(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.PushFromClient(cmd.Context(), syncer.PushRequest{
				Snapshot:   snapshot,
				Mode:       flags.mode,
				DeviceID:   flags.deviceID,
				SessionKey: flags.sessionKey,
				Uploads:    uploads,
			})
			if err != nil {
				return err
			}
			return e.writeJSON(res)
		},
	}
	flags.register(cmd)
	return cmd
}

func newMergeCommand(e *env) *cobra.Command {
	var (
		flags    offlineFlags
		lastSync string
	)
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge an app export with the server, recording conflicts.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapshot, since, err := readSnapshot(e.filesystem(), flags.file)
			if err != nil {
				return err
			}
			if lastSync != "" {
				t, ok := models.ParseTimestamp(lastSync)
				if !ok {
					return fmt.Errorf("invalid --last-sync %q", lastSync)
				}
				since = t
			}
			uploads, err := mediaDirUploads(e.filesystem(), flags.mediaDir)
			if err != nil {
				return err
			}
			svc, err := e.service(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.Merge(cmd.Context(), syncer.MergeRequest{
				Snapshot:   snapshot,
				LastSync:   since,
				Mode:       flags.mode,
				DeviceID:   flags.deviceID,
				SessionKey: flags.sessionKey,
				Uploads:    uploads,
			})
			if err != nil {
				return err
			}
			return e.writeJSON(res)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&lastSync, "last-sync", "", "overrides last_sync_timestamp from the export")
	return cmd
}

func newPullCommand(e *env) *cobra.Command {
	var (
		lastSync string
		mode     string
		deviceID string
	)
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Export server changes for the app.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := syncer.PullRequest{Mode: mode, DeviceID: deviceID}
			if lastSync != "" {
				t, ok := models.ParseTimestamp(lastSync)
				if !ok {
					return fmt.Errorf("invalid --last-sync %q", lastSync)
				}
				req.LastSync = t
			}
			svc, err := e.service(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.PullToClient(cmd.Context(), req)
			if err != nil {
				return err
			}
			return e.writeJSON(res)
		},
	}
	cmd.Flags().StringVar(&lastSync, "last-sync", "", "only rows changed after this time")
	cmd.Flags().StringVar(&mode, "mode", models.SyncModeADB, "sync mode recorded on the session")
	cmd.Flags().StringVar(&deviceID, "device", "", "device id recorded on the session")
	return cmd
}
