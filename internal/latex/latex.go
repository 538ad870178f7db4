// Package latex renders compliance reports to PDF with lualatex.
package latex

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/kozaktomas/ppe-monitor/internal/ai"
	"github.com/kozaktomas/ppe-monitor/internal/report"
)

//go:embed templates/report.tex
var templateFS embed.FS

// ErrCompilerMissing is returned when lualatex is not installed.
var ErrCompilerMissing = errors.New("lualatex not found in PATH")

const compiler = "lualatex"

// Options control the document around the report.
type Options struct {
	Title     string       // defaults to "PPE Compliance Report"
	Generated time.Time    // defaults to now
	Briefing  *ai.Briefing // optional
}

type workerRow struct {
	Rank     int
	Name     string
	ID       string
	Total    int
	Helmet   int
	Vest     int
	Duration string
	Last     string
}

// templateData is the root data passed to the LaTeX template.
type templateData struct {
	Title       string
	Period      string
	Generated   string
	AvgDuration string
	Report      report.Report
	Workers     []workerRow
	Briefing    *ai.Briefing
}

// latexEscape escapes special LaTeX characters in user text.
func latexEscape(s string) string {
	replacer := strings.NewReplacer(
		`\`, `\textbackslash{}`,
		`{`, `\{`,
		`}`, `\}`,
		`%`, `\%`,
		`&`, `\&`,
		`#`, `\#`,
		`$`, `\$`,
		`_`, `\_`,
		`^`, `\textasciicircum{}`,
		`~`, `\textasciitilde{}`,
	)
	return replacer.Replace(s)
}

func formatPercent(v float64) string {
	return fmt.Sprintf(`%.1f\%%`, v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

func newTemplateData(rep report.Report, opts Options) templateData {
	if opts.Title == "" {
		opts.Title = "PPE Compliance Report"
	}
	if opts.Generated.IsZero() {
		opts.Generated = time.Now()
	}

	from := "beginning of records"
	if !rep.From.IsZero() {
		from = formatTime(rep.From)
	}
	to := "now"
	if !rep.To.IsZero() {
		to = formatTime(rep.To)
	}

	avg := "-"
	if rep.AvgDuration > 0 {
		avg = rep.AvgDuration.Round(time.Second).String()
	}

	rows := make([]workerRow, 0, len(rep.Workers))
	for i, w := range rep.Workers {
		name := w.Name
		if name == "" {
			name = w.WorkerID
		}
		rows = append(rows, workerRow{
			Rank:     i + 1,
			Name:     name,
			ID:       w.WorkerID,
			Total:    w.Total,
			Helmet:   w.Helmet,
			Vest:     w.Vest,
			Duration: w.TotalDuration.Round(time.Second).String(),
			Last:     formatTime(w.LastViolation),
		})
	}

	return templateData{
		Title:       opts.Title,
		Period:      from + " to " + to,
		Generated:   formatTime(opts.Generated),
		AvgDuration: avg,
		Report:      rep,
		Workers:     rows,
		Briefing:    opts.Briefing,
	}
}

// RenderTeX returns the LaTeX source of the report document.
func RenderTeX(rep report.Report, opts Options) ([]byte, error) {
	funcMap := template.FuncMap{
		"esc": latexEscape,
		"pct": formatPercent,
	}
	tmpl, err := template.New("report.tex").Funcs(funcMap).ParseFS(templateFS, "templates/report.tex")
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, newTemplateData(rep, opts)); err != nil {
		return nil, fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.Bytes(), nil
}

// GeneratePDF renders the report and compiles it with lualatex.
func GeneratePDF(ctx context.Context, rep report.Report, opts Options) ([]byte, error) {
	if _, err := exec.LookPath(compiler); err != nil {
		return nil, ErrCompilerMissing
	}

	tex, err := RenderTeX(rep, opts)
	if err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp("", "ppe-report-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	texPath := filepath.Join(tmpDir, "report.tex")
	if err := os.WriteFile(texPath, tex, 0600); err != nil {
		return nil, fmt.Errorf("failed to write tex file: %w", err)
	}

	// longtable needs a second pass to settle column widths
	for pass := range 2 {
		cmd := exec.CommandContext(ctx, compiler, //nolint:gosec
			"-interaction=nonstopmode",
			"-output-directory="+tmpDir,
			texPath,
		)
		cmd.Dir = tmpDir
		output, err := cmd.CombinedOutput()
		if err != nil {
			return nil, fmt.Errorf("lualatex pass %d failed: %w\n%s", pass+1, err, string(output))
		}
	}

	pdfData, err := os.ReadFile(filepath.Join(tmpDir, "report.pdf")) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF: %w", err)
	}
	return pdfData, nil
}
