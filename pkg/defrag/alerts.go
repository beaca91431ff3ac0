// Package defrag reassembles logical files from transmission fragments:
// slot selection, byte repair dispatch, size validation, concatenation,
// the complete-copy-versus-fragments decision and container unpacking.
package defrag

import "sort"

// Alert is one validation finding for a reassembled file, with the resend
// command an operator can uplink, when one fragment can be blamed.
type Alert struct {
	Message string
	Hint    string
}

// Alerts accumulates validation findings keyed by reassembled file name.
// A file with any entry must appear in the run's incomplete-files report
// even when reassembly nominally succeeded.
type Alerts struct {
	byFile map[string][]Alert
}

func NewAlerts() *Alerts {
	return &Alerts{byFile: make(map[string][]Alert)}
}

func (a *Alerts) Add(file, message, hint string) {
	a.byFile[file] = append(a.byFile[file], Alert{Message: message, Hint: hint})
}

func (a *Alerts) For(file string) []Alert {
	return a.byFile[file]
}

// Files lists every file with at least one alert, sorted.
func (a *Alerts) Files() []string {
	files := make([]string, 0, len(a.byFile))
	for f := range a.byFile {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

func (a *Alerts) Empty() bool { return len(a.byFile) == 0 }
