// Package coverage parses test coverage files and ships them to an aggregator.
package coverage

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	FormatCoveragePy = "coverage.py-json"
	FormatCobertura  = "cobertura"
)

// FileCoverage is the line coverage of one source file.
type FileCoverage struct {
	Path    string  `json:"path" yaml:"path"`
	Covered int     `json:"covered" yaml:"covered"`
	Valid   int     `json:"valid" yaml:"valid"`
	Percent float64 `json:"percent" yaml:"percent"`
}

// Report is a normalized coverage summary.
type Report struct {
	Format       string         `json:"format" yaml:"format"`
	Path         string         `json:"path" yaml:"path"`
	LinesCovered int            `json:"linesCovered" yaml:"linesCovered"`
	LinesValid   int            `json:"linesValid" yaml:"linesValid"`
	Percent      float64        `json:"percent" yaml:"percent"`
	Files        []FileCoverage `json:"files,omitempty" yaml:"files,omitempty"`
}

// Parse detects the format from the file extension, falling back to content
// sniffing, and normalizes it.
func Parse(path string, data []byte) (Report, error) {
	trimmed := bytes.TrimSpace(data)
	switch {
	case strings.EqualFold(filepath.Ext(path), ".json"), bytes.HasPrefix(trimmed, []byte("{")):
		return parseCoveragePy(path, data)
	case strings.EqualFold(filepath.Ext(path), ".xml"), bytes.HasPrefix(trimmed, []byte("<")):
		return parseCobertura(path, data)
	default:
		return Report{}, fmt.Errorf("unrecognized coverage format: %s", path)
	}
}

type coveragePySummary struct {
	CoveredLines   int     `json:"covered_lines"`
	NumStatements  int     `json:"num_statements"`
	PercentCovered float64 `json:"percent_covered"`
}

type coveragePyReport struct {
	Files map[string]struct {
		Summary coveragePySummary `json:"summary"`
	} `json:"files"`
	Totals *coveragePySummary `json:"totals"`
}

func parseCoveragePy(path string, data []byte) (Report, error) {
	var raw coveragePyReport
	if err := json.Unmarshal(data, &raw); err != nil {
		return Report{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if raw.Files == nil && raw.Totals == nil {
		return Report{}, fmt.Errorf("parse %s: not a coverage.py json report", path)
	}
	r := Report{Format: FormatCoveragePy, Path: path}
	for name, f := range raw.Files {
		r.Files = append(r.Files, FileCoverage{
			Path:    name,
			Covered: f.Summary.CoveredLines,
			Valid:   f.Summary.NumStatements,
			Percent: f.Summary.PercentCovered,
		})
		if raw.Totals == nil {
			r.LinesCovered += f.Summary.CoveredLines
			r.LinesValid += f.Summary.NumStatements
		}
	}
	if raw.Totals != nil {
		r.LinesCovered = raw.Totals.CoveredLines
		r.LinesValid = raw.Totals.NumStatements
	}
	r.Percent = percent(r.LinesCovered, r.LinesValid)
	sortFiles(r.Files)
	return r, nil
}

type coberturaLine struct {
	Number int `xml:"number,attr"`
	Hits   int `xml:"hits,attr"`
}

type coberturaClass struct {
	Filename string          `xml:"filename,attr"`
	Lines    []coberturaLine `xml:"lines>line"`
}

type coberturaReport struct {
	XMLName      xml.Name         `xml:"coverage"`
	LineRate     string           `xml:"line-rate,attr"`
	LinesCovered string           `xml:"lines-covered,attr"`
	LinesValid   string           `xml:"lines-valid,attr"`
	Classes      []coberturaClass `xml:"packages>package>classes>class"`
}

func parseCobertura(path string, data []byte) (Report, error) {
	var raw coberturaReport
	if err := xml.Unmarshal(data, &raw); err != nil {
		return Report{}, fmt.Errorf("parse %s: %w", path, err)
	}
	r := Report{Format: FormatCobertura, Path: path}
	byFile := map[string]*FileCoverage{}
	for _, c := range raw.Classes {
		fc, ok := byFile[c.Filename]
		if !ok {
			fc = &FileCoverage{Path: c.Filename}
			byFile[c.Filename] = fc
		}
		for _, l := range c.Lines {
			fc.Valid++
			if l.Hits > 0 {
				fc.Covered++
			}
		}
	}
	sumCovered, sumValid := 0, 0
	for _, fc := range byFile {
		fc.Percent = percent(fc.Covered, fc.Valid)
		sumCovered += fc.Covered
		sumValid += fc.Valid
		r.Files = append(r.Files, *fc)
	}
	covered, errC := strconv.Atoi(raw.LinesCovered)
	valid, errV := strconv.Atoi(raw.LinesValid)
	if errC == nil && errV == nil {
		r.LinesCovered, r.LinesValid = covered, valid
	} else {
		r.LinesCovered, r.LinesValid = sumCovered, sumValid
	}
	r.Percent = percent(r.LinesCovered, r.LinesValid)
	if r.LinesValid == 0 {
		if rate, err := strconv.ParseFloat(raw.LineRate, 64); err == nil {
			r.Percent = round2(rate * 100)
		}
	}
	sortFiles(r.Files)
	return r, nil
}

func percent(covered, valid int) float64 {
	if valid == 0 {
		return 100
	}
	return round2(float64(covered) * 100 / float64(valid))
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

func sortFiles(fs []FileCoverage) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].Path < fs[j].Path })
}
