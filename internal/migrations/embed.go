// Package migrations embeds and applies the SQL that creates the target
// database's own bookkeeping tables — tablesync_checkpoints (C1) and
// tablesync_failed_records (C2) — ahead of anything touching those
// stores. The embed-plus-iofs approach is grounded on
// correlator-io-correlator's migrations package, narrowed from its full
// CLI migration tool down to the single "apply everything pending at
// startup" operation this engine needs.
package migrations

import "embed"

//go:embed *.sql
var files embed.FS
