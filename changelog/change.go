// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package changelog

import "encoding/json"

// Tag identifies the variant carried by a Change.
type Tag string

// Change tags, per spec §3.
const (
	TagBegin    Tag = "begin"
	TagData     Tag = "data"
	TagCommit   Tag = "commit"
	TagRollback Tag = "rollback"
	TagStatus   Tag = "status"
	TagControl  Tag = "control"
)

// DataOp identifies the row-level operation carried by a data Change.
type DataOp string

// Data operations, per spec §3.
const (
	OpInsert               DataOp = "insert"
	OpUpdate               DataOp = "update"
	OpDelete               DataOp = "delete"
	OpTruncate             DataOp = "truncate"
	OpCreateTable          DataOp = "create-table"
	OpAddColumn            DataOp = "add-column"
	OpRenameTable          DataOp = "rename-table"
	OpDropTable            DataOp = "drop-table"
	OpUpdateColumn         DataOp = "update-column"
	OpDropColumn           DataOp = "drop-column"
	OpBackfill             DataOp = "backfill"
	OpBackfillCompleted    DataOp = "backfill-completed"
	OpCreateIndex          DataOp = "create-index"
	OpDropIndex            DataOp = "drop-index"
	OpUpdateTableMetadata  DataOp = "update-table-metadata"
)

// SchemaOps is the set of data ops that the Storer treats as schema-change
// side effects, co-writing rows to the backfill/table-metadata tracking
// tables within the same transaction (spec §4.2 "Schema-change side
// effects").
var SchemaOps = map[DataOp]bool{
	OpCreateTable:         true,
	OpAddColumn:           true,
	OpUpdateTableMetadata: true,
	OpRenameTable:         true,
	OpDropTable:           true,
	OpUpdateColumn:        true,
	OpDropColumn:          true,
	OpBackfill:            true,
	OpBackfillCompleted:   true,
}

// DataChange is the payload of a data Change: a tagged row-level operation.
// Only the fields relevant to Op are populated; the rest carry their zero
// value. Schema and Table identify the affected relation for every op;
// RowKey identifies the affected row for insert/update/delete.
type DataChange struct {
	Op     DataOp          `json:"op"`
	Schema string          `json:"schema,omitempty"`
	Table  string          `json:"table,omitempty"`
	RowKey json.RawMessage `json:"rowKey,omitempty"`
	Row    json.RawMessage `json:"row,omitempty"`
	// OldRowKey is populated for update ops whose primary-key columns
	// changed (spec §4.4): the syncer expands such an update into a
	// delete of OldRowKey followed by a set of RowKey.
	OldRowKey json.RawMessage `json:"oldRowKey,omitempty"`
	// Column-level metadata for add-column/drop-column/update-column.
	Column string `json:"column,omitempty"`
	// Backfill identifies the in-progress backfill this op belongs to
	// (backfill, backfill-completed).
	Backfill string `json:"backfill,omitempty"`
	// Elide marks a backfill op whose column was already fully backfilled
	// before a restart; the syncer skips such an op entirely, writing
	// neither the row nor backfill state (see SPEC_FULL.md §5).
	Elide bool `json:"elide,omitempty"`
	// Metadata carries the opaque payload for update-table-metadata.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Change is the tagged variant ingested by the Storer and replayed to
// subscribers (spec §3, §6).
type Change struct {
	Tag Tag `json:"tag"`

	// Watermark carries the pre-commit watermark on begin rows and the
	// final watermark on commit rows.
	Watermark Watermark `json:"watermark,omitempty"`

	// Data is populated when Tag == TagData.
	Data *DataChange `json:"data,omitempty"`

	// Control and Message are populated when Tag == TagControl, e.g.
	// "reset-required".
	Control string `json:"control,omitempty"`
	Message string `json:"message,omitempty"`

	// Ack marks a status Change as an acknowledgment rather than a mere
	// liveness ping.
	Ack bool `json:"ack,omitempty"`
}

// Begin constructs a begin Change with the given pre-commit watermark.
func Begin(w Watermark) Change { return Change{Tag: TagBegin, Watermark: w} }

// DataOpChange constructs a data Change.
func DataOpChange(d DataChange) Change { return Change{Tag: TagData, Data: &d} }

// Commit constructs a commit Change with the given final watermark.
func Commit(w Watermark) Change { return Change{Tag: TagCommit, Watermark: w} }

// Rollback constructs a rollback Change.
func Rollback() Change { return Change{Tag: TagRollback} }

// Status constructs a status Change, optionally as an ACK.
func Status(w Watermark, ack bool) Change { return Change{Tag: TagStatus, Watermark: w, Ack: ack} }

// ResetRequired constructs a control Change signaling that the replica must
// be re-initialized from a fresh backup.
func ResetRequired(message string) Change {
	return Change{Tag: TagControl, Control: "reset-required", Message: message}
}
