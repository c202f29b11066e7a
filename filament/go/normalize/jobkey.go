package normalize

import (
	"fmt"
	"time"
)

// JobKey derives the stable identity of the print a normalized event
// belongs to. The strongest available identity wins:
//
//  1. the slicer task id (or subtask id),
//  2. the print's gcode start time plus file name,
//  3. the event time plus file name.
//
// Returns "" when the event carries nothing to key on; such events can only
// be attributed to an already-running job.
func JobKey(printerID string, occurredAt time.Time, d EventData) string {
	if d.TaskID != "" {
		return printerID + ":" + d.TaskID
	}
	if d.SubtaskID != "" {
		return printerID + ":" + d.SubtaskID
	}
	if d.GcodeStartTime != "" {
		return printerID + ":" + d.GcodeStartTime + ":" + d.GcodeFile
	}
	if d.GcodeFile != "" {
		return fmt.Sprintf("%s:%d:%s", printerID, occurredAt.Unix(), d.GcodeFile)
	}
	return ""
}
