// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package changelog_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/streamcore/changelog"
)

func TestFrameShapes(t *testing.T) {
	begin := changelog.BeginFrame(changelog.Begin("07"), "08")
	data, err := json.Marshal(begin)
	require.NoError(t, err)

	var tuple []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &tuple))
	require.Len(t, tuple, 3)

	var tag string
	require.NoError(t, json.Unmarshal(tuple[0], &tag))
	require.Equal(t, "begin", tag)

	var extra changelog.CommitExtra
	require.NoError(t, json.Unmarshal(tuple[2], &extra))
	require.Equal(t, changelog.Watermark("08"), extra.CommitWatermark)
}

func TestDataFrameHasNoExtra(t *testing.T) {
	d := changelog.DataOpChange(changelog.DataChange{Op: changelog.OpInsert, Table: "users"})
	frame := changelog.DataFrame(d)

	raw, err := json.Marshal(frame)
	require.NoError(t, err)

	var tuple []json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &tuple))
	require.Len(t, tuple, 2)
}

func TestWatermarkTooOldMessage(t *testing.T) {
	err := changelog.WatermarkTooOld("03", "01")
	require.Equal(t, "watermark-too-old: earliest supported watermark is 03 (requested 01)", err.Error())
}

func TestOwnershipLostMessage(t *testing.T) {
	err := changelog.OwnershipLost("other-task")
	require.Equal(t, "ownership-loss: changeLog ownership was concurrently assumed by other-task (serialization failure)", err.Error())
}
