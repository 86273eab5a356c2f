package pipeline

import (
	"path"
	"strings"
)

// TranscribedMessage announces a confirmed-order transcript to the
// customer-matching stage.
type TranscribedMessage struct {
	Bucket         string `json:"bucket"`
	TranscriptFile string `json:"transcript_file"`
	Caller         string `json:"caller"`
	Transcript     string `json:"transcript"`
}

// MatchedMessage announces a resolved customer to the order stage.
type MatchedMessage struct {
	TranscriptFile    string `json:"transcript_file"`
	CustomerMatchFile string `json:"customer_match_file"`
	CustomerID        string `json:"customer_id"`
	Bucket            string `json:"bucket"`
	Caller            string `json:"caller"`
}

// CreatedMessage is the lightweight downstream confirmation event.
type CreatedMessage struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	Caller     string `json:"caller"`
	Status     string `json:"status"`
}

// CallIDFromTranscriptPath recovers the call id from a transcript path. Files
// are named {caller}_{uniqueid}.txt; the id is the part after the underscore.
func CallIDFromTranscriptPath(p string) string {
	base := strings.TrimSuffix(path.Base(p), ".txt")
	if idx := strings.Index(base, "_"); idx >= 0 && idx+1 < len(base) {
		return base[idx+1:]
	}
	return "unknown"
}
