package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"grimm.is/enclave/internal/plan"
)

// Snapshot reads the recorded targets without taking ownership of the
// store: nothing is created or written. Segments without a record report
// their default target. Used by offline commands.
func Snapshot(stateDir string, segments []plan.Segment) (map[string]Target, error) {
	dir := filepath.Join(stateDir, AssignmentsDir)
	out := make(map[string]Target, len(segments))
	for _, seg := range segments {
		def, err := ParseTarget(seg.DefaultTarget)
		if err != nil {
			def = Blocked
		}
		data, err := os.ReadFile(filepath.Join(dir, seg.Name))
		switch {
		case os.IsNotExist(err):
			out[seg.Name] = def
			continue
		case err != nil:
			return nil, fmt.Errorf("%w: read %s: %v", ErrStoreFatal, seg.Name, err)
		}
		t, err := ParseTarget(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt record for %s: %v", ErrStoreFatal, seg.Name, err)
		}
		out[seg.Name] = t
	}
	return out, nil
}
