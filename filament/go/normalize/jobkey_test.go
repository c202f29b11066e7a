package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobKey_PrecedenceOrder(t *testing.T) {
	at := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

	d := EventData{TaskID: "t1", SubtaskID: "s1", GcodeStartTime: "1723001000", GcodeFile: "benchy.gcode.3mf"}
	require.Equal(t, "p1:t1", JobKey("p1", at, d))

	d.TaskID = ""
	require.Equal(t, "p1:s1", JobKey("p1", at, d))

	d.SubtaskID = ""
	require.Equal(t, "p1:1723001000:benchy.gcode.3mf", JobKey("p1", at, d))

	d.GcodeStartTime = ""
	require.Equal(t, "p1:1748779200:benchy.gcode.3mf", JobKey("p1", at, d))

	d.GcodeFile = ""
	require.Equal(t, "", JobKey("p1", at, d))
}

func TestJobKey_StableAcrossReplays(t *testing.T) {
	d := EventData{GcodeStartTime: "1723001000", GcodeFile: "benchy.gcode.3mf"}
	first := JobKey("p1", time.Unix(100, 0).UTC(), d)
	second := JobKey("p1", time.Unix(200, 0).UTC(), d)
	require.Equal(t, first, second)
}
