package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/tezland/metadata-indexer/internal/domain/model"
)

// ReplayOutcome is the state the replay derives for one token: the
// fingerprint and validity its winning event produces through the live
// resolve/validate path, and the observed_at that event carried.
type ReplayOutcome struct {
	Fingerprint string
	Validity    model.Validity
	ObservedAt  int64
}

// SkippedToken records a token the replay could not derive an outcome for.
type SkippedToken struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

// CompareResult holds the outcome of comparing replayed tokens against DB rows.
type CompareResult struct {
	Matching  []string         `json:"matching"`
	Missing   []string         `json:"missing"`   // in replay but not in DB
	Divergent []DivergentToken `json:"divergent"` // row exists but fields differ
}

// DivergentToken records a field-level mismatch between replay and DB.
type DivergentToken struct {
	Token       string `json:"token"`
	Field       string `json:"field"`
	ReplayValue string `json:"replay_value"`
	DBValue     string `json:"db_value"`
}

// HasMismatch returns true if there are any missing or divergent tokens.
func (r *CompareResult) HasMismatch() bool {
	return len(r.Missing) > 0 || len(r.Divergent) > 0
}

// compareOutcomes compares replay-derived token state against the stored
// token_metadata rows. The comparison is keyed on the token identity. A
// full-queue replay must agree on fingerprint, validity, and observed_at;
// anything else means the stored state drifted from what the current
// resolve/validate path derives.
func compareOutcomes(expected map[model.TokenID]ReplayOutcome, actual map[model.TokenID]*model.TokenMetadataRow) CompareResult {
	var result CompareResult

	for token, re := range expected {
		key := tokenKey(token)

		row := actual[token]
		if row == nil {
			result.Missing = append(result.Missing, key)
			continue
		}

		checkField := func(field, replayVal, dbVal string) {
			if replayVal != dbVal {
				result.Divergent = append(result.Divergent, DivergentToken{
					Token:       key,
					Field:       field,
					ReplayValue: replayVal,
					DBValue:     dbVal,
				})
			}
		}
		checkField("fingerprint", re.Fingerprint, row.Fingerprint)
		checkField("validity", string(re.Validity), string(row.Validity))
		checkField("observed_at", strconv.FormatInt(re.ObservedAt, 10), strconv.FormatInt(row.ObservedAt, 10))

		if re.Fingerprint == row.Fingerprint && re.Validity == row.Validity && re.ObservedAt == row.ObservedAt {
			result.Matching = append(result.Matching, key)
		}
	}

	// Sort for deterministic output.
	sort.Strings(result.Matching)
	sort.Strings(result.Missing)
	sort.Slice(result.Divergent, func(i, j int) bool {
		if result.Divergent[i].Token == result.Divergent[j].Token {
			return result.Divergent[i].Field < result.Divergent[j].Field
		}
		return result.Divergent[i].Token < result.Divergent[j].Token
	})

	return result
}

// tokenKey renders a token identity for report output.
func tokenKey(t model.TokenID) string {
	return fmt.Sprintf("%s/%d (%s)", t.Contract, t.TokenIndex, t.Kind)
}

// printTextReport writes a human-readable report to w.
func printTextReport(w io.Writer, afterID, replayedEvents int64, tokens int, skipped []SkippedToken, result CompareResult) {
	fmt.Fprintln(w, "=== Metadata Replay Report ===")
	fmt.Fprintf(w, "Queue range: id > %d\n", afterID)
	fmt.Fprintf(w, "Replayed events: %d\n", replayedEvents)
	fmt.Fprintf(w, "Distinct tokens: %d\n", tokens)
	fmt.Fprintf(w, "Skipped: %d\n", len(skipped))
	fmt.Fprintf(w, "Matching: %d\n", len(result.Matching))
	fmt.Fprintf(w, "Missing: %d\n", len(result.Missing))
	fmt.Fprintf(w, "Divergent: %d\n", len(result.Divergent))

	if len(result.Missing) > 0 {
		fmt.Fprintln(w, "\n--- Missing (in replay but not in DB) ---")
		for _, key := range result.Missing {
			fmt.Fprintf(w, "  %s\n", key)
		}
	}
	if len(result.Divergent) > 0 {
		fmt.Fprintln(w, "\n--- Divergent (field mismatches) ---")
		for _, d := range result.Divergent {
			fmt.Fprintf(w, "  %s: %s replay=%q db=%q\n", d.Token, d.Field, d.ReplayValue, d.DBValue)
		}
	}
	if len(skipped) > 0 {
		fmt.Fprintln(w, "\n--- Skipped (no outcome derived) ---")
		for _, s := range skipped {
			fmt.Fprintf(w, "  %s: %s\n", s.Token, s.Reason)
		}
	}

	fmt.Fprintln(w)
	if !result.HasMismatch() {
		fmt.Fprintln(w, "Result: MATCH")
	} else {
		fmt.Fprintln(w, "Result: MISMATCH")
	}
}

// printJSONReport writes a JSON report to w.
func printJSONReport(w io.Writer, afterID, replayedEvents int64, tokens int, skipped []SkippedToken, result CompareResult) error {
	report := struct {
		AfterID        int64          `json:"after_id"`
		ReplayedEvents int64          `json:"replayed_events"`
		Tokens         int            `json:"tokens"`
		Skipped        []SkippedToken `json:"skipped"`
		Result         string         `json:"result"`
		Compare        CompareResult  `json:"compare"`
	}{
		AfterID:        afterID,
		ReplayedEvents: replayedEvents,
		Tokens:         tokens,
		Skipped:        skipped,
		Compare:        result,
	}
	if result.HasMismatch() {
		report.Result = "MISMATCH"
	} else {
		report.Result = "MATCH"
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
