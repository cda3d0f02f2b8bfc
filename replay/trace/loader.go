package trace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sirupsen/logrus"
)

// DefaultTraceFile is the request trace file name inside a trace directory.
const DefaultTraceFile = "0_trace.jsonl"

// DefaultChunkFiles lists the per-role chunk tables inside a trace directory.
var DefaultChunkFiles = []string{
	"1_sys_prompt.jsonl",
	"2_passages.jsonl",
	"3_history.jsonl",
	"4_user_input.jsonl",
	"5_web_search.jsonl",
}

// maxLineBytes bounds a single jsonl line; chunk lines may carry long texts.
const maxLineBytes = 64 << 20

// LoadOptions controls trace loading.
type LoadOptions struct {
	Limit          int  // keep the first Limit entries after sorting; 0 keeps all
	ValidateSchema bool // validate every line against the trace schema
}

// openFile opens path, transparently decompressing ".zst" files. When path
// does not exist but path+".zst" does, the compressed file is used.
func openFile(path string) (io.ReadCloser, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if _, zerr := os.Stat(path + ".zst"); zerr == nil {
			path += ".zst"
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".zst") {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("opening zstd stream %s: %w", path, err)
	}
	return &zstdFile{Decoder: dec, f: f}, nil
}

type zstdFile struct {
	*zstd.Decoder
	f *os.File
}

func (z *zstdFile) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}

func exists(path string) bool {
	if _, err := os.Stat(path); err == nil {
		return true
	}
	_, err := os.Stat(path + ".zst")
	return err == nil
}

// forEachLine calls fn with every non-blank line and its 1-based number.
func forEachLine(r io.Reader, fn func(lineNo int, line []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(lineNo, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// LoadChunkStore reads the chunk tables in dir. Missing files are skipped
// with a warning; a conflicting duplicate hash id fails the load.
func LoadChunkStore(dir string, files []string) (*ChunkStore, error) {
	if len(files) == 0 {
		files = DefaultChunkFiles
	}
	store := NewChunkStore()
	for _, name := range files {
		path := filepath.Join(dir, name)
		if !exists(path) {
			logrus.Warnf("Chunk file not found, skipping: %s", path)
			continue
		}
		if err := loadChunkFile(store, path); err != nil {
			return nil, err
		}
	}
	logrus.Infof("Loaded %d chunks from %v", store.Len(), files)
	return store, nil
}

func loadChunkFile(store *ChunkStore, path string) error {
	f, err := openFile(path)
	if err != nil {
		return fmt.Errorf("opening chunk file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return forEachLine(f, func(lineNo int, line []byte) error {
		rec, err := parseChunkLine(line)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if err := store.Add(rec); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		return nil
	})
}

// parseChunkLine decodes a chunk line. Named keys (hash_id, token_length,
// text) are preferred; otherwise the first two numeric values in document
// order are taken as hash id and token length.
func parseChunkLine(line []byte) (ChunkRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return ChunkRecord{}, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return ChunkRecord{}, fmt.Errorf("chunk line is not a JSON object")
	}

	named := make(map[string]json.Number)
	var positional []json.Number
	var text string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return ChunkRecord{}, err
		}
		key, _ := keyTok.(string)
		var val interface{}
		if err := dec.Decode(&val); err != nil {
			return ChunkRecord{}, fmt.Errorf("key %q: %w", key, err)
		}
		switch v := val.(type) {
		case json.Number:
			named[key] = v
			positional = append(positional, v)
		case string:
			if key == "text" {
				text = v
			}
		}
	}

	hashNum, hasHash := lookupNumber(named, "hash_id", "id")
	lenNum, hasLen := lookupNumber(named, "token_length", "length", "num_tokens")
	if !hasHash || !hasLen {
		if len(positional) < 2 {
			return ChunkRecord{}, fmt.Errorf("chunk line needs a hash id and a token length")
		}
		hashNum, lenNum = positional[0], positional[1]
	}
	hashID, err := hashNum.Int64()
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("hash id: %w", err)
	}
	length, err := lenNum.Int64()
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("token length: %w", err)
	}
	return ChunkRecord{HashID: hashID, TokenLength: int(length), Text: text}, nil
}

func lookupNumber(m map[string]json.Number, keys ...string) (json.Number, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return "", false
}

// traceSchema constrains a single trace line.
const traceSchema = `{
  "type": "object",
  "required": ["timestamp"],
  "properties": {
    "timestamp": {"type": ["number", "string"]},
    "session_id": {"type": ["string", "integer", "null"]},
    "input_length": {"type": "integer", "minimum": 0},
    "output_length": {"type": "integer", "minimum": 0},
    "hash_ids": {
      "type": "object",
      "propertyNames": {"enum": ["system_prompt", "sys_prompt", "passages", "history", "web_search", "user_input"]},
      "additionalProperties": {"type": "array", "items": {"type": "integer"}}
    }
  }
}`

func compileTraceSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("trace.schema.json", strings.NewReader(traceSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("trace.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateLine(schema *jsonschema.Schema, line []byte) error {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

// LoadTrace reads a jsonl trace, sorts entries stably by timestamp and keeps
// the first opts.Limit of them. Entry ids default to the 0-based line order.
func LoadTrace(path string, opts LoadOptions) ([]Entry, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening trace: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadTrace(f, opts)
}

// ReadTrace is LoadTrace over an already opened reader.
func ReadTrace(r io.Reader, opts LoadOptions) ([]Entry, error) {
	var schema *jsonschema.Schema
	if opts.ValidateSchema {
		var err error
		if schema, err = compileTraceSchema(); err != nil {
			return nil, err
		}
	}

	var entries []Entry
	err := forEachLine(r, func(lineNo int, line []byte) error {
		if schema != nil {
			if err := validateLine(schema, line); err != nil {
				return fmt.Errorf("trace line %d: %w", lineNo, err)
			}
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("trace line %d: %w", lineNo, err)
		}
		if !hasExplicitID(line) {
			e.ID = len(entries)
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	SortByTimestamp(entries)
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	logrus.Infof("Loaded %d trace entries", len(entries))
	return entries, nil
}

func hasExplicitID(line []byte) bool {
	var head struct {
		ID *int `json:"id"`
	}
	return json.Unmarshal(line, &head) == nil && head.ID != nil
}

// SortByTimestamp orders entries by timestamp, keeping file order for ties.
func SortByTimestamp(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})
}
