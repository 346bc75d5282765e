package scanner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Version is stamped into reports; the CLI overrides it at startup.
var Version = "dev"

type reportServer struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocol_version"`
}

type reportScan struct {
	Server       reportServer `json:"server"`
	ToolsScanned int          `json:"tools_scanned"`
	ScannersRun  []string     `json:"scanners_run"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at"`
}

type reportSummary struct {
	TotalFindings int              `json:"total_findings"`
	BySeverity    map[Severity]int `json:"by_severity"`
	Errors        int              `json:"errors"`
}

type report struct {
	Version  string        `json:"counteragent_version"`
	Scan     reportScan    `json:"scan"`
	Summary  reportSummary `json:"summary"`
	Findings []Finding     `json:"findings"`
	Errors   []ScanError   `json:"errors"`
}

// MarshalReport renders the JSON report document.
func MarshalReport(r *ScanResult, desc *ServerDescription) ([]byte, error) {
	doc := report{
		Version: Version,
		Scan: reportScan{
			ToolsScanned: r.ToolsScanned,
			ScannersRun:  r.ScannersRun,
			StartedAt:    r.StartedAt,
		},
		Summary: reportSummary{
			TotalFindings: len(r.Findings),
			BySeverity:    r.CountBySeverity(),
			Errors:        len(r.Errors),
		},
		Findings: r.Findings,
		Errors:   r.Errors,
	}
	if desc != nil {
		doc.Scan.Server = reportServer{Name: desc.Name, Version: desc.Version, ProtocolVersion: desc.ProtocolVersion}
	}
	if !r.FinishedAt.IsZero() {
		finished := r.FinishedAt
		doc.Scan.FinishedAt = &finished
	}
	if doc.Scan.ScannersRun == nil {
		doc.Scan.ScannersRun = []string{}
	}
	if doc.Findings == nil {
		doc.Findings = []Finding{}
	}
	if doc.Errors == nil {
		doc.Errors = []ScanError{}
	}
	return json.MarshalIndent(doc, "", "  ")
}

// WriteJSONReport writes the report to path, creating parent directories.
func WriteJSONReport(path string, r *ScanResult, desc *ServerDescription) error {
	data, err := MarshalReport(r, desc)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return nil
}
