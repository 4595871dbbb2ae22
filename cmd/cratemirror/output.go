package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/mirrorctl/cratemirror/internal/crate"
	"github.com/mirrorctl/cratemirror/internal/mirror"
)

const progressTemplate pb.ProgressBarTemplate = `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{etime . }}`

// progress shows a bar of finished crates on a terminal.
// A nil *progress does nothing.
type progress struct {
	w   io.Writer
	bar *pb.ProgressBar
}

func newProgress(w io.Writer) *progress {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) { // #nosec G115 - fd fits in int
		return nil
	}
	return &progress{w: w}
}

// Start is called once the number of crates is known.
func (p *progress) Start(total int) {
	if p == nil {
		return
	}
	p.bar = pb.New(total).SetTemplate(progressTemplate).SetWriter(p.w)
	p.bar.Set("prefix", "crates ")
	p.bar.Start()
}

// Done counts one finished crate.
func (p *progress) Done(*mirror.Entry) {
	if p == nil || p.bar == nil {
		return
	}
	p.bar.Increment()
}

// Finish stops the bar.
func (p *progress) Finish() {
	if p == nil || p.bar == nil {
		return
	}
	p.bar.Finish()
}

// printSummary prints the counts of a run.
func printSummary(w io.Writer, report *mirror.Report, elapsed time.Duration) {
	var size uint64
	for _, e := range report.Mirrored() {
		size += e.File.Size()
	}

	bold := color.New(color.Bold)
	fmt.Fprintln(w)
	bold.Fprintln(w, "=== Mirror Summary ===")
	fmt.Fprintf(w, "  Mirrored:      %s (%s)\n", color.GreenString("%d", len(report.Mirrored())), formatBytes(size))
	fmt.Fprintf(w, "  Skipped:       %d\n", len(report.Skipped()))
	fmt.Fprintf(w, "  Failed:        %s\n", countString(len(report.Failed())))
	fmt.Fprintf(w, "  Scan errors:   %s\n", countString(len(report.ScanErrors())))
	if n := report.NotAttempted(); n > 0 {
		fmt.Fprintf(w, "  Not attempted: %s\n", color.YellowString("%d", n))
	}
	fmt.Fprintf(w, "  Elapsed:       %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintln(w)
}

func countString(n int) string {
	if n == 0 {
		return "0"
	}
	return color.RedString("%d", n)
}

// printFailures lists every failed crate and manifest with its cause.
func printFailures(w io.Writer, report *mirror.Report) {
	red := color.New(color.FgRed)
	for _, err := range report.ScanErrors() {
		red.Fprint(w, "manifest: ")
		fmt.Fprintln(w, err)
	}
	for _, e := range report.Failed() {
		red.Fprintf(w, "%s: ", e.Ref)
		fmt.Fprintln(w, e.Err)
	}
	if n := report.NotAttempted(); n > 0 {
		color.New(color.FgYellow).Fprintf(w, "%d crates were not attempted\n", n)
	}
}

// printRefs prints one line per ref with its path relative to a mirror root.
func printRefs(w io.Writer, refs []crate.PackageRef) {
	for _, ref := range refs {
		p, err := ref.Path()
		if err != nil {
			p = "(" + err.Error() + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", ref.Name, ref.Version, p)
	}
}

type jsonEntry struct {
	Name    string
	Version string
	Status  mirror.Status
	Path    string          `json:",omitempty"`
	File    *crate.FileInfo `json:",omitempty"`
	Error   string          `json:",omitempty"`
}

type jsonReport struct {
	OK           bool
	Entries      []jsonEntry
	ScanErrors   []string `json:",omitempty"`
	NotAttempted int      `json:",omitempty"`
}

// writeJSONReport writes report as indented JSON to p.
func writeJSONReport(p string, report *mirror.Report) error {
	out := jsonReport{
		OK:           report.OK(),
		NotAttempted: report.NotAttempted(),
	}
	for _, e := range report.Entries() {
		je := jsonEntry{
			Name:    e.Ref.Name,
			Version: e.Ref.Version,
			Status:  e.Status,
			Path:    e.Path,
			File:    e.File,
		}
		if e.Err != nil {
			je.Error = e.Err.Error()
		}
		out.Entries = append(out.Entries, je)
	}
	for _, err := range report.ScanErrors() {
		out.ScanErrors = append(out.ScanErrors, err.Error())
	}

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, append(data, '\n'), 0644) // #nosec G306 - report is meant to be shared
}

// formatBytes formats bytes into human readable format
func formatBytes(bytes uint64) string {
	if bytes == 0 {
		return "0 B"
	}

	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	size := float64(bytes)
	unitIndex := 0

	for size >= 1024 && unitIndex < len(units)-1 {
		size /= 1024
		unitIndex++
	}

	if unitIndex == 0 {
		return fmt.Sprintf("%.0f %s", size, units[unitIndex])
	}
	return fmt.Sprintf("%.2f %s", size, units[unitIndex])
}
