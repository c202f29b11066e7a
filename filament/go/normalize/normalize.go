// Package normalize converts raw printer telemetry payloads into compact
// normalized event data.
//
// Everything in this package is a pure function of its inputs, which keeps
// the ingest path trivially testable.
package normalize

import (
	"encoding/json"
	"strconv"
	"strings"

	"go.filafarm.org/infra/go/skerr"
)

// Gcode lifecycle states reported by the printer.
const (
	StateIdle     = "IDLE"
	StatePrepare  = "PREPARE"
	StateRunning  = "RUNNING"
	StatePause    = "PAUSE"
	StateFinish   = "FINISH"
	StateFailed   = "FAILED"
	StateStopped  = "STOPPED"
	StateCanceled = "CANCELED"
)

// NoActiveTray is the sentinel the printer reports when no tray is loaded.
const NoActiveTray = 255

// RemainUnit tags how a tray's remain value was reported. Values are only
// comparable within a matching unit.
type RemainUnit string

const (
	RemainUnitFraction RemainUnit = "fraction" // [0, 1]
	RemainUnitPercent  RemainUnit = "percent"  // (1, 100]
	RemainUnitGrams    RemainUnit = "grams"    // > 100
)

// Tray is one AMS bay as observed in a single telemetry frame.
type Tray struct {
	ID   int    `json:"id"`
	Type string `json:"type,omitempty"`
	// ColorHex is the canonical '#RRGGBB' form; RawColor preserves the
	// value as reported so a bad alpha-channel guess can be corrected
	// later.
	ColorHex   string     `json:"color_hex,omitempty"`
	RawColor   string     `json:"raw_color,omitempty"`
	Remain     *float64   `json:"remain,omitempty"`
	RemainUnit RemainUnit `json:"remain_unit,omitempty"`
	TagUID     string     `json:"tag_uid,omitempty"`
	TrayUUID   string     `json:"tray_uuid,omitempty"`
	TrayIDName string     `json:"tray_id_name,omitempty"`
}

// IsOfficial reports whether the tray looks like a first-party spool. The
// heuristic is the presence of any RFID-derived field.
func (t Tray) IsOfficial() bool {
	return t.TagUID != "" || t.TrayUUID != "" || t.TrayIDName != ""
}

// Filament is one per-material usage or estimate entry.
type Filament struct {
	// TrayID is nil when the slicer did not bind the filament to a bay.
	TrayID   *int     `json:"tray_id,omitempty"`
	Type     string   `json:"type,omitempty"`
	ColorHex string   `json:"color_hex,omitempty"`
	UsedG    *float64 `json:"used_g,omitempty"`
	TotalG   *float64 `json:"total_g,omitempty"`
	UsedMM   *float64 `json:"used_mm,omitempty"`
	TotalMM  *float64 `json:"total_mm,omitempty"`
	Source   string   `json:"source,omitempty"`
}

// EventData is the normalized form of one telemetry frame.
type EventData struct {
	GcodeState       string     `json:"gcode_state,omitempty"`
	Progress         *int       `json:"progress,omitempty"`
	RemainingTimeMin *int       `json:"mc_remaining_time,omitempty"`
	GcodeFile        string     `json:"gcode_file,omitempty"`
	GcodeStartTime   string     `json:"gcode_start_time,omitempty"`
	TaskID           string     `json:"task_id,omitempty"`
	SubtaskID        string     `json:"subtask_id,omitempty"`
	SubtaskName      string     `json:"subtask_name,omitempty"`
	TrayNow          *int       `json:"tray_now,omitempty"`
	AmsTrays         []Tray     `json:"ams_trays,omitempty"`
	Filaments        []Filament `json:"filament,omitempty"`
	// FilamentStrictNoFallback disables the tray_now fallback when
	// attributing filament entries, except in the unambiguous
	// single-filament case.
	FilamentStrictNoFallback bool   `json:"filament_strict_no_fallback,omitempty"`
	EstimateSource           string `json:"estimate_source,omitempty"`
	EstimateConfidence       string `json:"estimate_confidence,omitempty"`
}

// FromPayload parses a raw telemetry payload and returns its normalized
// form. An error means the payload is not a telemetry report at all;
// partially-populated reports normalize to sparse EventData.
func FromPayload(payload []byte) (EventData, error) {
	var ret EventData
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ret, skerr.Wrapf(err, "parsing telemetry payload")
	}
	report, ok := doc["print"].(map[string]interface{})
	if !ok {
		return ret, skerr.Fmt("payload has no print report")
	}

	ret.GcodeState = asString(report["gcode_state"])
	ret.Progress = asIntPtr(report["mc_percent"])
	ret.RemainingTimeMin = asIntPtr(report["mc_remaining_time"])
	ret.GcodeFile = asString(report["gcode_file"])
	ret.GcodeStartTime = asString(report["gcode_start_time"])
	ret.TaskID = asString(report["task_id"])
	ret.SubtaskID = asString(report["subtask_id"])
	ret.SubtaskName = asString(report["subtask_name"])

	ams, _ := report["ams"].(map[string]interface{})
	if trayNow := asIntPtr(report["tray_now"]); trayNow != nil {
		ret.TrayNow = trayNow
	} else if ams != nil {
		ret.TrayNow = asIntPtr(ams["tray_now"])
	}
	if ret.TrayNow != nil && *ret.TrayNow == NoActiveTray {
		ret.TrayNow = nil
	}

	ret.AmsTrays = flattenTrays(ams)
	ret.Filaments = flattenFilaments(report["filament"])
	ret.FilamentStrictNoFallback = asBool(report["filament_strict_no_fallback"])
	return ret, nil
}

// flattenFilaments extracts the per-filament usage block. Field names vary
// between firmware versions, so every field is read from its known aliases
// in order, first present-and-parseable alias wins.
func flattenFilaments(v interface{}) []Filament {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var ret []Filament
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		ret = append(ret, Filament{
			TrayID:   firstIntPtr(m, "tray_id", "tray", "trayId", "ams_tray"),
			Type:     firstString(m, "type", "tray_type", "material"),
			ColorHex: CanonicalColorHex(firstString(m, "color", "tray_color", "colour")),
			UsedMM:   firstFloatPtr(m, "used", "used_len", "used_mm", "length_used"),
			TotalMM:  firstFloatPtr(m, "total", "total_len", "total_mm", "length_total"),
			UsedG:    firstFloatPtr(m, "used_g", "used_grams", "grams_used", "weight_used", "used_weight"),
			TotalG:   firstFloatPtr(m, "total_g", "total_grams", "grams_total", "weight_total", "total_weight"),
		})
	}
	return ret
}

// flattenTrays handles both the flat ams.tray[] layout and the nested
// ams.ams[].tray[] layout.
func flattenTrays(ams map[string]interface{}) []Tray {
	if ams == nil {
		return nil
	}
	var rawTrays []interface{}
	if flat, ok := ams["tray"].([]interface{}); ok {
		rawTrays = flat
	}
	if units, ok := ams["ams"].([]interface{}); ok {
		for _, u := range units {
			unit, ok := u.(map[string]interface{})
			if !ok {
				continue
			}
			if nested, ok := unit["tray"].([]interface{}); ok {
				rawTrays = append(rawTrays, nested...)
			}
		}
	}
	ret := make([]Tray, 0, len(rawTrays))
	for _, rt := range rawTrays {
		m, ok := rt.(map[string]interface{})
		if !ok {
			continue
		}
		id := asIntPtr(m["id"])
		if id == nil {
			continue
		}
		tray := Tray{
			ID:         *id,
			Type:       asString(m["tray_type"]),
			TagUID:     asString(m["tag_uid"]),
			TrayUUID:   asString(m["tray_uuid"]),
			TrayIDName: asString(m["tray_id_name"]),
		}
		raw := asString(m["tray_color"])
		if raw == "" {
			raw = asString(m["cols"])
		}
		tray.RawColor = raw
		tray.ColorHex = CanonicalColorHex(raw)
		if remain := asFloatPtr(m["remain"]); remain != nil && *remain >= 0 {
			tray.Remain = remain
			tray.RemainUnit = ClassifyRemain(*remain)
		}
		ret = append(ret, tray)
	}
	return ret
}

// ClassifyRemain tags the unit a remain value was reported in.
func ClassifyRemain(v float64) RemainUnit {
	switch {
	case v <= 1:
		return RemainUnitFraction
	case v <= 100:
		return RemainUnitPercent
	default:
		return RemainUnitGrams
	}
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		// Integral ids arrive as JSON numbers.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b
	case float64:
		return t != 0
	default:
		return false
	}
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := asString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func firstIntPtr(m map[string]interface{}, keys ...string) *int {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			continue
		}
		if p := asIntPtr(m[k]); p != nil {
			return p
		}
	}
	return nil
}

func firstFloatPtr(m map[string]interface{}, keys ...string) *float64 {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			continue
		}
		if p := asFloatPtr(m[k]); p != nil {
			return p
		}
	}
	return nil
}

func asIntPtr(v interface{}) *int {
	switch t := v.(type) {
	case float64:
		i := int(t)
		return &i
	case string:
		if t == "" {
			return nil
		}
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return nil
		}
		return &i
	default:
		return nil
	}
}

func asFloatPtr(v interface{}) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case string:
		if t == "" {
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}
