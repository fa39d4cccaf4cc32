package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"hashpass/internal/logger"
	"hashpass/internal/puzzle"
)

// maxRecords is the rotation threshold: when the main file reaches this many
// records it is archived and a fresh file is started.
const maxRecords = 1000

// Record is one appended verification event.
type Record struct {
	Timestamp        string  `json:"timestamp"`
	InviteCode       string  `json:"invite_code"`
	VisitorID        string  `json:"visitor_id"`
	Nonce            uint64  `json:"nonce"`
	Hash             string  `json:"hash"`
	Seed             string  `json:"seed"`
	RealIP           string  `json:"real_ip"`
	TraceData        string  `json:"trace_data"`
	Difficulty       int     `json:"difficulty"`
	SolveTime        float64 `json:"solve_time"`
	NewDifficulty    int     `json:"new_difficulty"`
	AdjustmentReason string  `json:"adjustment_reason"`
}

// Log is the append-only verification journal: a JSON array in verify.json,
// rotated to verify_<UTCstamp>.json at maxRecords. Appends take a
// cross-process file lock so concurrent handlers on the same host never
// interleave writes.
type Log struct {
	path string
	lock *flock.Flock
	log  *logger.Logger
}

func New(path string, log *logger.Logger) *Log {
	return &Log{
		path: path,
		lock: flock.New(path + ".lock"),
		log:  log,
	}
}

// Append adds one record, rotating first if the file is full.
func (l *Log) Append(rec Record) error {
	if err := l.lock.Lock(); err != nil {
		return fmt.Errorf("acquire audit lock: %w", err)
	}
	defer l.lock.Unlock()

	records, err := readRecords(l.path)
	if err != nil {
		return err
	}

	if len(records) >= maxRecords {
		stamp := time.Now().UTC().Format("20060102_150405")
		archive := filepath.Join(filepath.Dir(l.path), fmt.Sprintf("verify_%s.json", stamp))
		if err := writeRecords(archive, records); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
		l.log.Infof("audit", "rotated %d records to %s", len(records), filepath.Base(archive))
		records = records[:0]
	}

	records = append(records, rec)
	if err := writeRecords(l.path, records); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

func readRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return records, nil
}

// writeRecords writes atomically: temp file then rename.
func writeRecords(path string, records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// Files lists the main file plus archives, newest archives first. The main
// file is always first so it is the default admin view.
func (l *Log) Files() []string {
	files := []string{filepath.Base(l.path)}
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(l.path), "verify_*.json"))
	if err != nil {
		return files
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	for _, m := range matches {
		files = append(files, filepath.Base(m))
	}
	return files
}

// QueryResult is one page of audit records.
type QueryResult struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Page    int      `json:"page"`
	Pages   int      `json:"pages"`
	Files   []string `json:"files"`
}

// Query returns a page of records from one audit file, newest first,
// optionally filtered by a case-insensitive substring search over the whole
// record. File names outside the known set yield an empty result, which
// also blocks path traversal.
func (l *Log) Query(file string, page, perPage int, search string) QueryResult {
	files := l.Files()
	allowed := false
	for _, f := range files {
		if f == file {
			allowed = true
			break
		}
	}
	if !allowed {
		return QueryResult{Records: []Record{}, Page: page, Files: files}
	}

	records, err := readRecords(filepath.Join(filepath.Dir(l.path), file))
	if err != nil {
		l.log.Errorf("audit", "query %s: %v", file, err)
		records = nil
	}

	if search != "" {
		needle := strings.ToLower(search)
		filtered := records[:0]
		for _, r := range records {
			raw, _ := json.Marshal(r)
			if strings.Contains(strings.ToLower(string(raw)), needle) {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	// newest first
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	total := len(records)
	pages := (total + perPage - 1) / perPage
	if pages < 1 {
		pages = 1
	}
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	return QueryResult{
		Records: append([]Record{}, records[start:end]...),
		Total:   total,
		Page:    page,
		Pages:   pages,
		Files:   files,
	}
}

// Stats aggregates across all audit files.
type Stats struct {
	TotalCodes             int            `json:"total_codes"`
	UniqueVisitors         int            `json:"unique_visitors"`
	AvgSolveTime           float64        `json:"avg_solve_time"`
	MedianSolveTime        float64        `json:"median_solve_time"`
	DifficultyDistribution map[string]int `json:"difficulty_distribution"`
}

func (l *Log) Stats() Stats {
	var all []Record
	dir := filepath.Dir(l.path)
	for _, f := range l.Files() {
		records, err := readRecords(filepath.Join(dir, f))
		if err != nil {
			continue
		}
		all = append(all, records...)
	}

	stats := Stats{
		TotalCodes:             len(all),
		DifficultyDistribution: make(map[string]int),
	}

	visitors := make(map[string]struct{})
	var solveTimes []float64
	for _, r := range all {
		visitors[r.VisitorID] = struct{}{}
		if r.SolveTime > 0 {
			solveTimes = append(solveTimes, r.SolveTime)
		}
		if r.Difficulty > 0 {
			stats.DifficultyDistribution[fmt.Sprintf("%d", r.Difficulty)]++
		}
	}
	stats.UniqueVisitors = len(visitors)

	if len(solveTimes) > 0 {
		var sum float64
		for _, t := range solveTimes {
			sum += t
		}
		stats.AvgSolveTime = puzzle.Round2(sum / float64(len(solveTimes)))

		sorted := append([]float64(nil), solveTimes...)
		sort.Float64s(sorted)
		stats.MedianSolveTime = puzzle.Round2(sorted[len(sorted)/2])
	}
	return stats
}

// RecentSolveTimes returns the last n positive solve times from the main
// file, oldest first, for priming the difficulty EMA at startup.
func (l *Log) RecentSolveTimes(n int) []float64 {
	records, err := readRecords(l.path)
	if err != nil || len(records) == 0 {
		return nil
	}
	if len(records) > n {
		records = records[len(records)-n:]
	}
	var times []float64
	for _, r := range records {
		if r.SolveTime > 0 {
			times = append(times, r.SolveTime)
		}
	}
	return times
}
