// Package simulate runs converted snapshots through the simulator with a
// bounded number of concurrent jobs and keeps a resumable summary of the
// outcome of every snapshot.
package simulate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/maruel/natural"
	"golang.org/x/exp/maps"

	"github.com/willibrandon/chronopoint/pkg/checkpoint"
)

// Status is the outcome of one snapshot's simulation
type Status string

const (
	NotRun        Status = "not run"
	Invalid       Status = "invalid"
	Successful    Status = "successful"
	Failed        Status = "failed"
	FailedTimeout Status = "failed (timeout)"
)

// Finished reports whether the status is final for a run
func (s Status) Finished() bool {
	switch s {
	case Successful, Failed, FailedTimeout:
		return true
	}
	return false
}

// Failure reports whether the status counts as a failed simulation
func (s Status) Failure() bool {
	return s == Failed || s == FailedTimeout
}

// Summary is the persisted state of simulations for one benchmark and mode
type Summary struct {
	Mode        string            `json:"mode"`
	Benchmark   string            `json:"benchmark"`
	Total       int               `json:"total_checkpoints"`
	Successful  int               `json:"successful_checkpoints"`
	Failed      int               `json:"failed_checkpoints"`
	Invalid     int               `json:"invalid_checkpoints"`
	Checkpoints map[string]Status `json:"checkpoints"`
}

// NewSummary returns an empty summary
func NewSummary(benchmark, mode string) *Summary {
	return &Summary{
		Mode:        mode,
		Benchmark:   benchmark,
		Checkpoints: make(map[string]Status),
	}
}

// SummaryPath returns <results>/<benchmark>_<mode>_summary.json
func SummaryPath(resultsDir, benchmark, mode string) string {
	return filepath.Join(resultsDir, fmt.Sprintf("%s_%s_summary.json", benchmark, mode))
}

// LoadSummary reads a summary written by Save. A missing file is reported
// with an error satisfying errors.Is(err, fs.ErrNotExist).
func LoadSummary(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse summary %s: %w", path, err)
	}
	if s.Checkpoints == nil {
		s.Checkpoints = make(map[string]Status)
	}
	s.Recount()
	return &s, nil
}

// Save rewrites the summary file in full
func (s *Summary) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Set records a status and updates the counts
func (s *Summary) Set(name string, status Status) {
	s.Checkpoints[name] = status
	s.Recount()
}

// Recount derives the totals from the per-snapshot statuses
func (s *Summary) Recount() {
	s.Total = len(s.Checkpoints)
	s.Successful, s.Failed, s.Invalid = 0, 0, 0
	for _, st := range s.Checkpoints {
		switch {
		case st == Successful:
			s.Successful++
		case st.Failure():
			s.Failed++
		case st == Invalid:
			s.Invalid++
		}
	}
}

// Reconcile brings the summary in line with the snapshots currently in the
// catalog. Snapshots that vanished are dropped, finished snapshots keep their
// status and everything else is re-evaluated as not run or invalid.
func (s *Summary) Reconcile(cat *checkpoint.Catalog) error {
	names, err := cat.Names()
	if err != nil {
		return fmt.Errorf("failed to list snapshots in %s: %w", cat.Root, err)
	}
	present := make(map[string]bool, len(names))
	for _, name := range names {
		present[name] = true
	}
	for _, name := range maps.Keys(s.Checkpoints) {
		if !present[name] {
			delete(s.Checkpoints, name)
		}
	}
	for _, name := range names {
		if s.Checkpoints[name].Finished() {
			continue
		}
		if cat.Get(name).AsConverted().IsValid() {
			s.Checkpoints[name] = NotRun
		} else {
			s.Checkpoints[name] = Invalid
		}
	}
	s.Recount()
	return nil
}

// Names returns the snapshots with the given status in natural order
func (s *Summary) Names(status Status) []string {
	var names []string
	for name, st := range s.Checkpoints {
		if st == status {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return natural.Less(names[i], names[j])
	})
	return names
}
