// ABOUTME: Reference analyzer matching dependencies against NVD JSON feed files
// ABOUTME: Indexes CPE match criteria per product and compares dotted versions

package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// FeedAnalyzerName identifies the feed analyzer.
const FeedAnalyzerName = "nvd-feed"

// cpeRange is one vulnerable CPE match.
type cpeRange struct {
	cve         string
	severity    string
	score       float64
	description string
	version     string
	startIncl   string
	startExcl   string
	endIncl     string
	endExcl     string
}

// FeedAnalyzer answers from the NVD CVE JSON files stored next to the
// database. The index is rebuilt whenever the database checksum changes.
type FeedAnalyzer struct {
	// Pattern selects feed files inside the database directory.
	Pattern string

	mu       sync.Mutex
	checksum string
	index    map[string][]cpeRange
}

// NewFeedAnalyzer creates a feed analyzer reading *.json feed files.
func NewFeedAnalyzer() *FeedAnalyzer {
	return &FeedAnalyzer{Pattern: "*.json"}
}

// Name implements Analyzer.
func (a *FeedAnalyzer) Name() string {
	return FeedAnalyzerName
}

// Analyze implements Analyzer.
func (a *FeedAnalyzer) Analyze(ctx context.Context, db Database, dep Dependency) ([]Finding, error) {
	index, err := a.load(ctx, db)
	if err != nil {
		return nil, err
	}

	var out []Finding
	seen := make(map[string]bool)
	for _, r := range index[strings.ToLower(dep.Name)] {
		if seen[r.cve] || !r.matches(dep.Version) {
			continue
		}
		seen[r.cve] = true
		out = append(out, Finding{
			CVE:          r.cve,
			Severity:     r.severity,
			Score:        r.score,
			Description:  r.description,
			FixedVersion: r.endExcl,
		})
	}
	return out, nil
}

func (a *FeedAnalyzer) load(ctx context.Context, db Database) (map[string][]cpeRange, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.index != nil && a.checksum == db.Checksum {
		return a.index, nil
	}

	files, err := filepath.Glob(filepath.Join(db.Dir, a.Pattern))
	if err != nil {
		return nil, fmt.Errorf("listing feed files: %w", err)
	}

	index := make(map[string][]cpeRange)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("reading feed %s: %w", f, err)
		}
		if !gjson.ValidBytes(data) {
			return nil, fmt.Errorf("feed %s is not valid JSON", f)
		}
		indexFeed(gjson.ParseBytes(data), index)
	}

	a.index = index
	a.checksum = db.Checksum
	return index, nil
}

// indexFeed adds every vulnerable CPE match of a CVE API 2.0 document.
func indexFeed(doc gjson.Result, index map[string][]cpeRange) {
	doc.Get("vulnerabilities").ForEach(func(_, v gjson.Result) bool {
		cve := v.Get("cve")
		base := cpeRange{
			cve:         cve.Get("id").String(),
			description: englishDescription(cve),
		}
		base.severity, base.score = severity(cve.Get("metrics"))

		for _, m := range cpeMatches(cve) {
			if !m.Get("vulnerable").Bool() {
				continue
			}
			parts := strings.Split(m.Get("criteria").String(), ":")
			if len(parts) < 6 {
				continue
			}
			r := base
			r.version = parts[5]
			r.startIncl = m.Get("versionStartIncluding").String()
			r.startExcl = m.Get("versionStartExcluding").String()
			r.endIncl = m.Get("versionEndIncluding").String()
			r.endExcl = m.Get("versionEndExcluding").String()
			product := strings.ToLower(parts[4])
			index[product] = append(index[product], r)
		}
		return true
	})
}

func cpeMatches(cve gjson.Result) []gjson.Result {
	var out []gjson.Result
	for _, cfg := range cve.Get("configurations").Array() {
		for _, node := range cfg.Get("nodes").Array() {
			out = append(out, node.Get("cpeMatch").Array()...)
		}
	}
	return out
}

func englishDescription(cve gjson.Result) string {
	return cve.Get(`descriptions.#(lang=="en").value`).String()
}

// severity prefers CVSS v3.1, then v3.0, then v2.
func severity(metrics gjson.Result) (string, float64) {
	for _, k := range []string{"cvssMetricV31", "cvssMetricV30"} {
		if m := metrics.Get(k + ".0.cvssData"); m.Exists() {
			return m.Get("baseSeverity").String(), m.Get("baseScore").Float()
		}
	}
	if m := metrics.Get("cvssMetricV2.0"); m.Exists() {
		return m.Get("baseSeverity").String(), m.Get("cvssData.baseScore").Float()
	}
	return "", 0
}

func (r cpeRange) matches(version string) bool {
	if r.version != "*" && r.version != "-" {
		return compareVersions(version, r.version) == 0
	}
	if r.startIncl == "" && r.startExcl == "" && r.endIncl == "" && r.endExcl == "" {
		return true
	}
	if r.startIncl != "" && compareVersions(version, r.startIncl) < 0 {
		return false
	}
	if r.startExcl != "" && compareVersions(version, r.startExcl) <= 0 {
		return false
	}
	if r.endIncl != "" && compareVersions(version, r.endIncl) > 0 {
		return false
	}
	if r.endExcl != "" && compareVersions(version, r.endExcl) >= 0 {
		return false
	}
	return true
}

// compareVersions compares dotted versions segment by segment, numerically
// where both segments are numbers.
func compareVersions(a, b string) int {
	sa := strings.FieldsFunc(a, isVersionSep)
	sb := strings.FieldsFunc(b, isVersionSep)
	for i := range max(len(sa), len(sb)) {
		var x, y string
		if i < len(sa) {
			x = sa[i]
		}
		if i < len(sb) {
			y = sb[i]
		}
		if c := compareSegment(x, y); c != 0 {
			return c
		}
	}
	return 0
}

func isVersionSep(r rune) bool {
	return r == '.' || r == '-' || r == '+' || r == '_'
}

func compareSegment(x, y string) int {
	nx, errX := strconv.Atoi(orZero(x))
	ny, errY := strconv.Atoi(orZero(y))
	if errX == nil && errY == nil {
		switch {
		case nx < ny:
			return -1
		case nx > ny:
			return 1
		}
		return 0
	}
	return strings.Compare(x, y)
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
