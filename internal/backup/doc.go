// Package backup produces and verifies the backup set taken before a destructive
// upgrade or restore.
//
// A backup set is one directory per run, named by a time-sortable ID:
//
//	<destination>/<backup-id>/
//	    datastore.dump.zst   data-only dump of the allowlisted tables
//	    secrets.enc.yaml     encrypted secret bundle (verbatim copy, 0600)
//	    age.key              bundle decryption key (verbatim copy, 0600)
//	    sops.yaml            secret tool recipient configuration (0600)
//	    user_data/           mirror of the per-identity file trees
//	    migration.log        run log
//	    manifest.json        written last; absent means the run never completed
//
// Core components:
//
// - Manager: creates a backup set, attempting every artifact and aggregating failures
// - Verifier: proves each artifact of a set is readable before anything is overwritten
// - DumpWriter / ReadDump: the zstd JSON-lines datastore dump format
// - LoadSet / ListSets: open existing sets, always revalidating the manifest
//
// Example usage:
//
//	manager := backup.NewManager(cfg, service, tool, logger)
//	set, err := manager.Backup(ctx, cfg.Backup.Destination)
//	if err != nil {
//		return fmt.Errorf("backup failed: %w", err)
//	}
//
//	report, err := backup.NewVerifier(tool, logger).Verify(ctx, set)
//	if err != nil {
//		return err
//	}
//	for _, w := range report.Warnings() {
//		logger.Warn(w.Error())
//	}
package backup
