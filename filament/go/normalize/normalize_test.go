package normalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const reportWithNestedAms = `{
  "print": {
    "gcode_state": "RUNNING",
    "mc_percent": 42,
    "mc_remaining_time": 17,
    "gcode_file": "benchy.gcode.3mf",
    "gcode_start_time": "1723001000",
    "task_id": "task-123",
    "subtask_name": "benchy",
    "ams": {
      "tray_now": "1",
      "ams": [
        {
          "tray": [
            {"id": "0", "tray_type": "PLA", "tray_color": "00AE42FF", "remain": 75, "tag_uid": "AA11"},
            {"id": "1", "tray_type": "PETG", "tray_color": "FF0000FF", "remain": 0.5}
          ]
        }
      ]
    }
  }
}`

func TestFromPayload_NestedAmsLayout_Success(t *testing.T) {
	d, err := FromPayload([]byte(reportWithNestedAms))
	require.NoError(t, err)

	require.Equal(t, StateRunning, d.GcodeState)
	require.Equal(t, 42, *d.Progress)
	require.Equal(t, 17, *d.RemainingTimeMin)
	require.Equal(t, "benchy.gcode.3mf", d.GcodeFile)
	require.Equal(t, "task-123", d.TaskID)
	require.Equal(t, 1, *d.TrayNow)

	require.Len(t, d.AmsTrays, 2)
	require.Equal(t, 0, d.AmsTrays[0].ID)
	require.Equal(t, "PLA", d.AmsTrays[0].Type)
	require.Equal(t, "#00AE42", d.AmsTrays[0].ColorHex)
	require.Equal(t, "00AE42FF", d.AmsTrays[0].RawColor)
	require.Equal(t, RemainUnitPercent, d.AmsTrays[0].RemainUnit)
	require.True(t, d.AmsTrays[0].IsOfficial())
	require.Equal(t, RemainUnitFraction, d.AmsTrays[1].RemainUnit)
	require.False(t, d.AmsTrays[1].IsOfficial())
}

func TestFromPayload_FlatAmsLayout_Success(t *testing.T) {
	d, err := FromPayload([]byte(`{"print": {"gcode_state": "IDLE", "ams": {"tray": [{"id": 2, "tray_type": "ABS", "remain": 850}]}}}`))
	require.NoError(t, err)
	require.Len(t, d.AmsTrays, 1)
	require.Equal(t, 2, d.AmsTrays[0].ID)
	require.Equal(t, RemainUnitGrams, d.AmsTrays[0].RemainUnit)
}

func TestFromPayload_FilamentItems_AliasedFields(t *testing.T) {
	d, err := FromPayload([]byte(`{
	  "print": {
	    "gcode_state": "RUNNING",
	    "filament_strict_no_fallback": true,
	    "filament": [
	      {"tray_id": "0", "type": "PLA", "color": "FF0000FF", "used_mm": "1200.5", "total_mm": 4000, "used_g": "5.2", "total_g": 120},
	      {"tray": 1, "tray_type": "PETG", "colour": "#00FF00", "length_used": 800, "weight_total": "90"},
	      "not an object"
	    ]
	  }
	}`))
	require.NoError(t, err)
	require.True(t, d.FilamentStrictNoFallback)
	require.Len(t, d.Filaments, 2)

	first := d.Filaments[0]
	require.Equal(t, 0, *first.TrayID)
	require.Equal(t, "PLA", first.Type)
	require.Equal(t, "#FF0000", first.ColorHex)
	require.Equal(t, 1200.5, *first.UsedMM)
	require.Equal(t, 4000.0, *first.TotalMM)
	require.Equal(t, 5.2, *first.UsedG)
	require.Equal(t, 120.0, *first.TotalG)

	// The same fields under their firmware-variant names.
	second := d.Filaments[1]
	require.Equal(t, 1, *second.TrayID)
	require.Equal(t, "PETG", second.Type)
	require.Equal(t, "#00FF00", second.ColorHex)
	require.Equal(t, 800.0, *second.UsedMM)
	require.Equal(t, 90.0, *second.TotalG)
	require.Nil(t, second.UsedG)
	require.Nil(t, second.TotalMM)
}

func TestFromPayload_FilamentItems_BreakProgressSignature(t *testing.T) {
	base := []byte(`{"print": {"gcode_state": "RUNNING", "mc_percent": 10}}`)
	withFilament := []byte(`{"print": {"gcode_state": "RUNNING", "mc_percent": 10, "filament": [{"tray_id": 0, "used_g": 5}]}}`)
	d1, err := FromPayload(base)
	require.NoError(t, err)
	d2, err := FromPayload(withFilament)
	require.NoError(t, err)
	require.NotEqual(t, d1.Signature(), d2.Signature())
}

func TestFromPayload_TrayNowSentinel_NormalizedToNil(t *testing.T) {
	d, err := FromPayload([]byte(`{"print": {"gcode_state": "IDLE", "ams": {"tray_now": "255"}}}`))
	require.NoError(t, err)
	require.Nil(t, d.TrayNow)
}

func TestFromPayload_NoPrintReport_ReturnsError(t *testing.T) {
	_, err := FromPayload([]byte(`{"system": {}}`))
	require.Error(t, err)

	_, err = FromPayload([]byte(`not json`))
	require.Error(t, err)
}

func TestCanonicalColorHex_AllForms(t *testing.T) {
	// 6 digits, with and without '#'.
	require.Equal(t, "#00AE42", CanonicalColorHex("00ae42"))
	require.Equal(t, "#00AE42", CanonicalColorHex("#00AE42"))
	// Alpha last.
	require.Equal(t, "#00AE42", CanonicalColorHex("00AE42FF"))
	require.Equal(t, "#00AE42", CanonicalColorHex("00AE4200"))
	// Alpha first.
	require.Equal(t, "#00AE42", CanonicalColorHex("FF00AE42"))
	// Neither edge is FF/00: take the last 6.
	require.Equal(t, "#AE4212", CanonicalColorHex("80AE4212"))
	// Garbage.
	require.Equal(t, "", CanonicalColorHex("green"))
	require.Equal(t, "", CanonicalColorHex(""))
	require.Equal(t, "", CanonicalColorHex("AB12"))
}

func TestClassifyRemain_Units(t *testing.T) {
	require.Equal(t, RemainUnitFraction, ClassifyRemain(0))
	require.Equal(t, RemainUnitFraction, ClassifyRemain(1))
	require.Equal(t, RemainUnitPercent, ClassifyRemain(75))
	require.Equal(t, RemainUnitPercent, ClassifyRemain(100))
	require.Equal(t, RemainUnitGrams, ClassifyRemain(850))
}

func TestDeriveEventType_Transitions(t *testing.T) {
	require.Equal(t, TypePrintStarted, DeriveEventType(StateIdle, StateRunning))
	require.Equal(t, TypePrintStarted, DeriveEventType("", StateRunning))
	require.Equal(t, TypePrintEnded, DeriveEventType(StateRunning, StateFinish))
	require.Equal(t, TypePrintEnded, DeriveEventType(StateRunning, StateIdle))
	require.Equal(t, TypePrintFailed, DeriveEventType(StateRunning, StateFailed))
	require.Equal(t, TypePrintFailed, DeriveEventType(StateRunning, StateStopped))
	require.Equal(t, TypePrintFailed, DeriveEventType(StateRunning, StateCanceled))
	require.Equal(t, TypePrintProgress, DeriveEventType(StateRunning, StateRunning))
	require.Equal(t, TypeStateChanged, DeriveEventType(StateIdle, StatePrepare))
}

func TestSignature_ProgressDedupe(t *testing.T) {
	d, err := FromPayload([]byte(reportWithNestedAms))
	require.NoError(t, err)
	same, err := FromPayload([]byte(reportWithNestedAms))
	require.NoError(t, err)
	require.Equal(t, d.Signature(), same.Signature())

	// Progress change breaks the signature.
	bumped := same
	p := *same.Progress + 1
	bumped.Progress = &p
	require.NotEqual(t, d.Signature(), bumped.Signature())

	// AMS change breaks the signature.
	amsChanged, err := FromPayload([]byte(reportWithNestedAms))
	require.NoError(t, err)
	amsChanged.AmsTrays[0].Remain = floatPtr(74)
	require.NotEqual(t, d.Signature(), amsChanged.Signature())

	// A newly-arrived estimate breaks the signature.
	withEstimate, err := FromPayload([]byte(reportWithNestedAms))
	require.NoError(t, err)
	withEstimate.Filaments = []Filament{{TrayID: intPtr(0), TotalG: floatPtr(120)}}
	withEstimate.EstimateSource = "gcode_3mf"
	require.NotEqual(t, d.Signature(), withEstimate.Signature())
}

func TestEventID_Deterministic(t *testing.T) {
	h := PayloadHash([]byte(`{"print":{}}`))
	require.Equal(t, EventID("printer-1", h), EventID("printer-1", h))
	require.NotEqual(t, EventID("printer-1", h), EventID("printer-2", h))
}

func intPtr(i int) *int           { return &i }
func floatPtr(f float64) *float64 { return &f }
