package executor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"slices"
)

// ReadHistory scans a tool-use log, keeping the last limit matching records
// and returning them most recent first. Malformed lines are skipped.
func ReadHistory(path, proposalID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open tool log: %w", err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if proposalID != "" && rec.ProposalID != proposalID {
			continue
		}
		out = append(out, rec)
		if len(out) > limit {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan tool log: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}
