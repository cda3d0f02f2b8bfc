package metrics

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flashserve/RAGPulse/replay"
)

// RunInfo identifies a run and the arguments it was started with.
type RunInfo struct {
	RunID     string            `json:"run_id" yaml:"run_id"`
	StartedAt time.Time         `json:"started_at" yaml:"started_at"`
	Args      map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
}

// File is the persisted metrics document: the report plus the raw samples
// it was computed from.
type File struct {
	Run    RunInfo   `json:"run" yaml:"run"`
	Report Report    `json:"report" yaml:"report"`
	TTFTs  []float64 `json:"ttft_samples" yaml:"ttft_samples"`
	TPOTs  []float64 `json:"tpot_samples" yaml:"tpot_samples"`
}

// MetricsFileName names a metrics file after the run's start time.
func MetricsFileName(t time.Time, format string) string {
	ext := "json"
	if format == "yaml" {
		ext = "yaml"
	}
	return fmt.Sprintf("rag_pulse_metrics_%s.%s", t.Format("20060102_150405"), ext)
}

// WriteReport writes f to path as YAML when the extension is .yaml or .yml
// and as indented JSON otherwise.
func WriteReport(path string, f *File) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(f)
	} else {
		data, err = json.MarshalIndent(f, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshaling metrics: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}

// ReadReport loads a file written by WriteReport.
func ReadReport(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metrics: %w", err)
	}
	var f File
	if isYAML(path) {
		err = yaml.Unmarshal(data, &f)
	} else {
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing metrics %s: %w", path, err)
	}
	return &f, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// CSV column headers for per-request records. Token times are
// ';'-separated; empty optional times mean "never happened".
var recordColumns = []string{
	"entry_id", "session_id", "scheduled", "dispatched", "admission_wait",
	"send_time", "first_token_time", "completion_time", "token_times",
	"input_tokens", "declared_input_tokens", "declared_output_tokens", "reported_output_tokens",
	"length_mismatch", "error", "error_message",
}

// WriteRecordsCSV writes one row per record.
func WriteRecordsCSV(path string, records []replay.TimingRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating records file: %w", err)
	}
	defer func() { _ = file.Close() }()
	if err := EncodeRecordsCSV(file, records); err != nil {
		return err
	}
	return file.Close()
}

// EncodeRecordsCSV writes records as CSV to w.
func EncodeRecordsCSV(w io.Writer, records []replay.TimingRecord) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(recordColumns); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for _, r := range records {
		times := make([]string, len(r.TokenTimes))
		for i, t := range r.TokenTimes {
			times[i] = formatFloat(t)
		}
		row := []string{
			strconv.Itoa(r.EntryID),
			r.SessionID,
			formatFloat(r.Scheduled),
			formatFloat(r.Dispatched),
			formatFloat(r.AdmissionWait),
			formatOptional(r.SendTime),
			formatOptional(r.FirstTokenTime),
			formatOptional(r.CompletionTime),
			strings.Join(times, ";"),
			strconv.Itoa(r.InputTokens),
			strconv.Itoa(r.DeclaredInputTokens),
			strconv.Itoa(r.DeclaredOutputTokens),
			strconv.Itoa(r.ReportedOutputTokens),
			strconv.FormatBool(r.LengthMismatch),
			string(r.Error),
			r.ErrorMessage,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("writing CSV row %d: %w", r.EntryID, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// LoadRecordsCSV reads records written by WriteRecordsCSV.
func LoadRecordsCSV(path string) ([]replay.TimingRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening records file: %w", err)
	}
	defer func() { _ = file.Close() }()
	return DecodeRecordsCSV(file)
}

// DecodeRecordsCSV reads CSV records from r.
func DecodeRecordsCSV(r io.Reader) ([]replay.TimingRecord, error) {
	reader := csv.NewReader(r)
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}

	var records []replay.TimingRecord
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV row: %w", err)
		}
		if len(row) < len(recordColumns) {
			return nil, fmt.Errorf("CSV row has %d columns, expected %d", len(row), len(recordColumns))
		}
		rec, err := parseRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRecord(row []string) (replay.TimingRecord, error) {
	var (
		rec replay.TimingRecord
		p   rowParser
	)
	rec.EntryID = p.int(row[0])
	rec.SessionID = row[1]
	rec.Scheduled = p.float(row[2])
	rec.Dispatched = p.float(row[3])
	rec.AdmissionWait = p.float(row[4])
	rec.SendTime = p.optional(row[5])
	rec.FirstTokenTime = p.optional(row[6])
	rec.CompletionTime = p.optional(row[7])
	if row[8] != "" {
		for _, s := range strings.Split(row[8], ";") {
			rec.TokenTimes = append(rec.TokenTimes, p.float(s))
		}
	}
	rec.InputTokens = p.int(row[9])
	rec.DeclaredInputTokens = p.int(row[10])
	rec.DeclaredOutputTokens = p.int(row[11])
	rec.ReportedOutputTokens = p.int(row[12])
	rec.LengthMismatch = row[13] == "true"
	rec.Error = replay.ErrorKind(row[14])
	rec.ErrorMessage = row[15]
	if p.err != nil {
		return replay.TimingRecord{}, fmt.Errorf("parsing record %q: %w", row[0], p.err)
	}
	return rec, nil
}

// rowParser keeps the first conversion error.
type rowParser struct {
	err error
}

func (p *rowParser) int(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil && p.err == nil {
		p.err = err
	}
	return v
}

func (p *rowParser) float(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && p.err == nil {
		p.err = err
	}
	return v
}

func (p *rowParser) optional(s string) *float64 {
	if s == "" {
		return nil
	}
	v := p.float(s)
	return &v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
