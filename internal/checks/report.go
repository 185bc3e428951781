package checks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/bigredeye/relgate/internal/models"
)

const DefaultThreshold = models.SeverityHigh

type findingsReport struct {
	Findings []models.Finding `json:"findings"`
}

type sarifReport struct {
	Version string `json:"version"`
	Runs    []struct {
		Tool struct {
			Driver struct {
				Name  string `json:"name"`
				Rules []struct {
					ID         string `json:"id"`
					Properties struct {
						SecuritySeverity string `json:"security-severity"`
					} `json:"properties"`
				} `json:"rules"`
			} `json:"driver"`
		} `json:"tool"`
		Results []struct {
			RuleID  string `json:"ruleId"`
			Level   string `json:"level"`
			Message struct {
				Text string `json:"text"`
			} `json:"message"`
			Locations []struct {
				PhysicalLocation struct {
					ArtifactLocation struct {
						URI string `json:"uri"`
					} `json:"artifactLocation"`
					Region struct {
						StartLine int `json:"startLine"`
					} `json:"region"`
				} `json:"physicalLocation"`
			} `json:"locations"`
		} `json:"results"`
	} `json:"runs"`
}

// ParseReport decodes a scanner report. An empty format sniffs the content:
// documents with a "runs" array are SARIF, everything else is the findings
// format (an object with a "findings" array, or a bare array).
func ParseReport(data []byte, format models.ReportFormat) ([]models.Finding, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("Empty report")
	}

	if format == "" {
		format = sniffFormat(data)
	}

	switch format {
	case models.ReportFormatSARIF:
		return parseSARIF(data)
	case models.ReportFormatFindings:
		return parseFindings(data)
	default:
		return nil, errors.Errorf("Unknown report format %q", format)
	}
}

func sniffFormat(data []byte) models.ReportFormat {
	if data[0] == '{' {
		sniffed := struct {
			Runs json.RawMessage `json:"runs"`
		}{}
		if json.Unmarshal(data, &sniffed) == nil && len(sniffed.Runs) > 0 {
			return models.ReportFormatSARIF
		}
	}
	return models.ReportFormatFindings
}

func parseFindings(data []byte) ([]models.Finding, error) {
	var findings []models.Finding
	if data[0] == '[' {
		if err := json.Unmarshal(data, &findings); err != nil {
			return nil, errors.Wrap(err, "Failed to decode findings")
		}
	} else {
		report := findingsReport{}
		if err := json.Unmarshal(data, &report); err != nil {
			return nil, errors.Wrap(err, "Failed to decode findings")
		}
		findings = report.Findings
	}

	for i := range findings {
		findings[i].Severity = normalizeSeverity(findings[i].Severity)
	}
	return findings, nil
}

func parseSARIF(data []byte) ([]models.Finding, error) {
	report := sarifReport{}
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, errors.Wrap(err, "Failed to decode SARIF report")
	}

	findings := make([]models.Finding, 0)
	for _, run := range report.Runs {
		ruleSeverity := make(map[string]string)
		for _, rule := range run.Tool.Driver.Rules {
			ruleSeverity[rule.ID] = rule.Properties.SecuritySeverity
		}

		for _, result := range run.Results {
			finding := models.Finding{
				ID:    result.RuleID,
				Title: result.Message.Text,
			}
			if score, found := ruleSeverity[result.RuleID]; found && score != "" {
				finding.Severity = severityFromScore(score)
			} else {
				finding.Severity = severityFromLevel(result.Level)
			}
			if len(result.Locations) > 0 {
				loc := result.Locations[0].PhysicalLocation
				finding.Location = loc.ArtifactLocation.URI
				if loc.Region.StartLine > 0 {
					finding.Location = fmt.Sprintf("%s:%d", finding.Location, loc.Region.StartLine)
				}
			}
			findings = append(findings, finding)
		}
	}
	return findings, nil
}

func normalizeSeverity(severity string) models.Severity {
	severity = strings.ToLower(strings.TrimSpace(severity))
	switch severity {
	case "moderate", "warning":
		return models.SeverityMedium
	case "error":
		return models.SeverityHigh
	case "note", "negligible", "unknown", "":
		return models.SeverityInfo
	}
	if !models.IsKnownSeverity(severity) {
		return models.SeverityMedium
	}
	return severity
}

// SARIF levels: error, warning, note, none.
func severityFromLevel(level string) models.Severity {
	switch strings.ToLower(level) {
	case "error":
		return models.SeverityHigh
	case "note":
		return models.SeverityLow
	case "none":
		return models.SeverityInfo
	default:
		return models.SeverityMedium
	}
}

// CVSS-style score as used by GitHub code scanning.
func severityFromScore(score string) models.Severity {
	var value float64
	if _, err := fmt.Sscanf(score, "%g", &value); err != nil {
		return models.SeverityMedium
	}
	switch {
	case value >= 9.0:
		return models.SeverityCritical
	case value >= 7.0:
		return models.SeverityHigh
	case value >= 4.0:
		return models.SeverityMedium
	case value > 0:
		return models.SeverityLow
	default:
		return models.SeverityInfo
	}
}

// Blocking returns findings whose severity meets or exceeds the threshold.
func Blocking(findings []models.Finding, threshold models.Severity) []models.Finding {
	if threshold == "" {
		threshold = DefaultThreshold
	}
	limit := models.SeverityRank(threshold)

	blocking := make([]models.Finding, 0)
	for _, finding := range findings {
		if models.SeverityRank(finding.Severity) >= limit {
			blocking = append(blocking, finding)
		}
	}
	return blocking
}
