// Package backup keeps timestamped, immutable snapshots of JSON documents.
//
// Snapshots live in one directory and are named
//
//	<filename>_<YYYYMMDD_HHMMSS>[_<label>].json.backup
//
// They are pruned per source file by age (Retention) and by count
// (MaxPerFile, newest kept). Restore always snapshots the live file with the
// "pre_restore" label before overwriting it.
package backup
