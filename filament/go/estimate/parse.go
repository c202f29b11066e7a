package estimate

import (
	"archive/zip"
	"bufio"
	"bytes"
	"path"
	"regexp"
	"strconv"
	"strings"

	"go.filafarm.org/infra/filament/go/normalize"
	"go.filafarm.org/infra/go/skerr"
)

// headerLineLimit bounds how far into a plate gcode we scan; the slicer
// writes all metadata comments at the top of the file.
const headerLineLimit = 2000

var (
	totalWeightRe = regexp.MustCompile(`^;\s*total filament weight \[g\]\s*[:=]\s*(.+)$`)
	usedWeightRe  = regexp.MustCompile(`^;\s*filament used \[g\]\s*[:=]\s*(.+)$`)
	typeRe        = regexp.MustCompile(`^;\s*filament_type\s*[:=]\s*(.+)$`)
	colorRe       = regexp.MustCompile(`^;\s*filament_colour\s*[:=]\s*(.+)$`)
)

// Parse3MF opens a .gcode.3mf container and parses the filament weights
// from the plate gcode header.
//
// memberHint names the archive member to read; when empty or absent the
// first Metadata/plate_*.gcode member is used.
func Parse3MF(data []byte, memberHint string) (Estimate, error) {
	var ret Estimate
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ret, skerr.Wrapf(err, "opening 3mf container")
	}
	member := pickMember(zr, memberHint)
	if member == nil {
		return ret, skerr.Fmt("no Metadata/plate_*.gcode member")
	}
	f, err := member.Open()
	if err != nil {
		return ret, skerr.Wrapf(err, "opening member %s", member.Name)
	}
	defer func() {
		_ = f.Close()
	}()

	var weights []float64
	var usedWeights []float64
	var types []string
	var colors []string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for i := 0; scanner.Scan() && i < headerLineLimit; i++ {
		line := strings.TrimSpace(scanner.Text())
		if m := totalWeightRe.FindStringSubmatch(line); m != nil {
			weights = parseCSVFloats(m[1])
		} else if m := usedWeightRe.FindStringSubmatch(line); m != nil {
			usedWeights = parseCSVFloats(m[1])
		} else if m := typeRe.FindStringSubmatch(line); m != nil {
			types = splitList(m[1])
		} else if m := colorRe.FindStringSubmatch(line); m != nil {
			colors = splitList(m[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return ret, skerr.Wrapf(err, "scanning %s", member.Name)
	}

	if len(weights) == 0 {
		weights = usedWeights
	}
	if len(weights) == 0 {
		return ret, skerr.Fmt("no filament weights in %s", member.Name)
	}
	for i, w := range weights {
		fe := FilamentEstimate{TotalG: w}
		if i < len(types) {
			fe.Type = types[i]
		}
		if i < len(colors) {
			fe.ColorHex = normalize.CanonicalColorHex(colors[i])
		}
		ret.PerFilament = append(ret.PerFilament, fe)
		ret.TotalG += w
	}
	return ret, nil
}

// pickMember returns the hinted member, or the first plate gcode.
func pickMember(zr *zip.Reader, hint string) *zip.File {
	if hint != "" {
		for _, f := range zr.File {
			if f.Name == hint || path.Base(f.Name) == path.Base(hint) {
				return f
			}
		}
	}
	for _, f := range zr.File {
		if isPlateGcode(f.Name) {
			return f
		}
	}
	return nil
}

func isPlateGcode(name string) bool {
	return strings.HasPrefix(name, "Metadata/plate_") && strings.HasSuffix(name, ".gcode")
}

func parseCSVFloats(s string) []float64 {
	ret := []float64{}
	for _, part := range splitList(s) {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			continue
		}
		ret = append(ret, v)
	}
	return ret
}

// splitList splits the slicer's list values, which use ',' or ';' depending
// on the field.
func splitList(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	ret := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			ret = append(ret, trimmed)
		}
	}
	return ret
}
