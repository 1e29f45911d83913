// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package changelog

// Watermark is an opaque, lexicographically-orderable commit position. For
// any two commits A before B, Watermark(A) < Watermark(B) under ordinary
// string comparison.
type Watermark string

// Less reports whether w sorts strictly before other.
func (w Watermark) Less(other Watermark) bool { return w < other }

// Empty reports whether the watermark carries no value, i.e. it was never
// assigned (not to be confused with the replica version, which is a valid,
// non-empty watermark).
func (w Watermark) Empty() bool { return w == "" }

// Pos is the 0-based position of a row within the transaction identified by
// its watermark. 0 is reserved for the begin row.
type Pos int
