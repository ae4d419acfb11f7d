package controller

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"

	"gateway/pkg/types"
)

// positionProbe detects a target-file element that describes a position:
// every field below must be present (§4.7's two-pass heterogeneous scan).
type positionProbe struct {
	ID       *int             `json:"id"`
	Symbol   *string          `json:"symbol"`
	Quantity *decimal.Decimal `json:"quantity"`
}

// isPosition reports whether the probe decoded all three position fields.
func (p positionProbe) isPosition() bool {
	return p.ID != nil && p.Symbol != nil && p.Quantity != nil
}

// metaProbe detects the at-most-one metadata element. IsFinished is the
// field the first-occurrence-wins scan keys on (Open Question disposition 1
// in DESIGN.md).
type metaProbe struct {
	BookSize        *float64    `json:"booksize"`
	TargetValue     *float64    `json:"targetvalue"`
	LongTarget      *float64    `json:"longtarget"`
	ShortTarget     *float64    `json:"shorttarget"`
	IsFinished      *int        `json:"isFinished"`
	ErrorString     *string     `json:"errorstring"`
	UpdateTimestamp *int64      `json:"update_timestamp"`
}

// readTargetFile loads the target file as a raw JSON array, tolerating the
// writer racing a read: a parse failure is reported to the caller, who
// retries on the next poll tick rather than treating it as fatal (§5's
// file-mutex note: reads may transiently see a file mid-write).
func readTargetFile(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read target file: %w", err)
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, fmt.Errorf("parse target file: %w", err)
	}
	return elems, nil
}

// extractTargets and extractMeta perform the two-pass scan: extractMeta finds
// the metadata element (first element whose isFinished field is present),
// extractTargets collects every position element, in file order.
func extractTargets(elems []json.RawMessage) []types.TargetPosition {
	var out []types.TargetPosition
	for _, raw := range elems {
		var p positionProbe
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if !p.isPosition() {
			continue
		}
		out = append(out, types.TargetPosition{
			ID:       *p.ID,
			Symbol:   *p.Symbol,
			Quantity: *p.Quantity,
		})
	}
	return out
}

func extractMeta(elems []json.RawMessage) (types.TargetFileMeta, int, bool) {
	for idx, raw := range elems {
		var m metaProbe
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m.IsFinished == nil {
			continue
		}
		meta := types.TargetFileMeta{IsFinished: types.FileState(*m.IsFinished)}
		if m.BookSize != nil {
			meta.BookSize = *m.BookSize
		}
		if m.TargetValue != nil {
			meta.TargetValue = *m.TargetValue
		}
		if m.LongTarget != nil {
			meta.LongTarget = *m.LongTarget
		}
		if m.ShortTarget != nil {
			meta.ShortTarget = *m.ShortTarget
		}
		if m.ErrorString != nil {
			meta.ErrorString = *m.ErrorString
		}
		if m.UpdateTimestamp != nil {
			meta.UpdateTimestamp = *m.UpdateTimestamp
		}
		return meta, idx, true
	}
	return types.TargetFileMeta{}, -1, false
}

// writeTargetFileState rewrites only the metadata element's isFinished,
// update_timestamp, and errorstring fields, leaving the values of every other
// element and every other field of the metadata object unchanged. The array
// is re-marshalled, so whitespace is compacted and the metadata object's keys
// come out in sorted order. If the file carries no metadata element yet, one is
// appended. The write is atomic: write to a temp file in the same
// directory, then rename, matching the teacher's store.go idiom.
func writeTargetFileState(path string, elems []json.RawMessage, metaIdx int, state types.FileState, errMsg string, now int64) error {
	patch := map[string]interface{}{
		"isFinished":       int(state),
		"update_timestamp": now,
	}
	if errMsg != "" {
		patch["errorstring"] = errMsg
	}

	if metaIdx < 0 {
		raw, err := json.Marshal(patch)
		if err != nil {
			return fmt.Errorf("marshal new metadata element: %w", err)
		}
		elems = append(elems, raw)
		metaIdx = len(elems) - 1
	} else {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(elems[metaIdx], &fields); err != nil {
			return fmt.Errorf("unmarshal metadata element: %w", err)
		}
		for k, v := range patch {
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("marshal field %q: %w", k, err)
			}
			fields[k] = raw
		}
		raw, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("marshal patched metadata: %w", err)
		}
		elems[metaIdx] = raw
	}

	out, err := json.Marshal(elems)
	if err != nil {
		return fmt.Errorf("marshal target file: %w", err)
	}
	return atomicWrite(path, out)
}

// atomicWrite writes data to a temp file in dir(path) and renames it over
// path, so a concurrent reader never observes a partially-written file
// (teacher's store.go write-to-.tmp-then-rename idiom).
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
