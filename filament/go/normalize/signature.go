package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// PayloadHash returns the SHA-256 hex digest of a raw payload.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// EventID derives the content-addressed id of a normalized event from the
// printer identity and the raw payload hash. Persisting events under this id
// turns at-least-once ingestion into at-most-once persistence.
func EventID(printerID string, payloadHash string) string {
	sum := sha256.Sum256([]byte(printerID + ":" + payloadHash))
	return hex.EncodeToString(sum[:])
}

// hashJSON returns a stable hash of any JSON-serializable value. Map keys
// are sorted by encoding/json, so equal documents hash equally.
func hashJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Only non-serializable values error and we only pass our own
		// structs; keep the signature deterministic anyway.
		return fmt.Sprintf("unserializable:%v", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// AmsSignature is a stable hash of the AMS sub-document, including the
// active tray.
func (d EventData) AmsSignature() string {
	return hashJSON(map[string]interface{}{
		"tray_now": d.TrayNow,
		"trays":    d.AmsTrays,
	})
}

// FilamentSignature is a stable hash of the filament usage entries.
func (d EventData) FilamentSignature() string {
	return hashJSON(d.Filaments)
}

// EstimateSignature is a stable hash of the estimate-derived fields. A
// newly-arrived estimate changes this signature, which breaks progress
// dedupe so the estimate reaches the settlement engine.
func (d EventData) EstimateSignature() string {
	totals := make([]interface{}, 0, len(d.Filaments))
	for _, f := range d.Filaments {
		totals = append(totals, map[string]interface{}{
			"tray_id": f.TrayID,
			"total_g": f.TotalG,
		})
	}
	return hashJSON(map[string]interface{}{
		"source":     d.EstimateSource,
		"confidence": d.EstimateConfidence,
		"totals":     totals,
	})
}

// ProgressSignature is the 5-tuple that deduplicates progress events. Two
// frames with equal signatures carry no new information for settlement.
type ProgressSignature struct {
	GcodeState string
	Progress   int
	Ams        string
	Filament   string
	Estimate   string
}

// Signature returns the progress dedupe signature for this event data.
func (d EventData) Signature() ProgressSignature {
	progress := -1
	if d.Progress != nil {
		progress = *d.Progress
	}
	return ProgressSignature{
		GcodeState: d.GcodeState,
		Progress:   progress,
		Ams:        d.AmsSignature(),
		Filament:   d.FilamentSignature(),
		Estimate:   d.EstimateSignature(),
	}
}
