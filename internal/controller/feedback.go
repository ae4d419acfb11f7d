package controller

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

// feedbackRow is one per-symbol element of the feedback report (§6).
type feedbackRow struct {
	ID              int    `json:"id"`
	Symbol          string `json:"symbol"`
	CurrentQuantity string `json:"current_quantity"`
	ChangeQuantity  string `json:"change_quantity"`
	ErrorMessage    string `json:"error_message"`
}

// feedbackSummary is the one trailing summary element (§6).
type feedbackSummary struct {
	IsFinished      int     `json:"isFinished"`
	ErrorTotal      int     `json:"error_total"`
	TargetValue     float64 `json:"targetvalue"`
	LongTarget      float64 `json:"longtarget"`
	ShortTarget     float64 `json:"shorttarget"`
	UpdateTimestamp int64   `json:"update_timestamp"`
}

// writeFeedbackReport serialises rows followed by the summary into
// results/feedback_<YYYYMMDD_HHMMSS>_<ms>_0.json (§6), atomically.
func writeFeedbackReport(dir string, rows []feedbackRow, summary feedbackSummary, now time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create feedback dir: %w", err)
	}

	elems := make([]interface{}, 0, len(rows)+1)
	for _, r := range rows {
		elems = append(elems, r)
	}
	elems = append(elems, summary)

	data, err := json.Marshal(elems)
	if err != nil {
		return fmt.Errorf("marshal feedback report: %w", err)
	}

	name := fmt.Sprintf("feedback_%s_%03d_0.json", now.Format("20060102_150405"), now.Nanosecond()/1e6)
	path := filepath.Join(dir, name)
	return atomicWrite(path, data)
}

func qtyString(d decimal.Decimal) string {
	return d.String()
}
