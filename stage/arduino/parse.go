package arduino

import (
	"strconv"
	"strings"

	"github.com/skilledcamman/microscope/stage"
)

const (
	positionMarker = "Position:"
	maxLimitMarker = "Max limit:"
	homingMarker   = "Homing complete."
)

// parseStatus extracts the known fields from a drained reply. Lines
// matching no marker are discarded. For position the last match wins
// (the most recent line reflects current state); for the travel
// limit the first match wins (the value is fixed per objective).
func parseStatus(lines []string) stage.Status {
	var st stage.Status
	for _, line := range lines {
		if i := strings.Index(line, positionMarker); i >= 0 {
			n, err := strconv.Atoi(strings.TrimSpace(line[i+len(positionMarker):]))
			if err == nil {
				st.Position = n
				st.PositionOK = true
			}
		}
		if i := strings.Index(line, maxLimitMarker); i >= 0 && !st.MaxLimitOK {
			n, err := strconv.Atoi(strings.TrimSpace(line[i+len(maxLimitMarker):]))
			if err == nil {
				st.MaxLimit = n
				st.MaxLimitOK = true
			}
		}
		if strings.Contains(line, homingMarker) || strings.Contains(strings.ToLower(line), "homed") {
			st.Homed = true
		}
	}
	return st
}
