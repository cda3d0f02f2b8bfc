package trace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseChunkLine_NamedKeys(t *testing.T) {
	rec, err := parseChunkLine([]byte(`{"token_length": 128, "hash_id": 42, "text": "hello"}`))
	require.NoError(t, err)
	assert.Equal(t, ChunkRecord{HashID: 42, TokenLength: 128, Text: "hello"}, rec)
}

func TestParseChunkLine_PositionalValuesInDocumentOrder(t *testing.T) {
	// Recorded tables use arbitrary key names; the first value is the hash id.
	rec, err := parseChunkLine([]byte(`{"sys_prompt_hash": 9001, "len": 37}`))
	require.NoError(t, err)
	assert.Equal(t, int64(9001), rec.HashID)
	assert.Equal(t, 37, rec.TokenLength)
}

func TestParseChunkLine_Malformed(t *testing.T) {
	for _, line := range []string{`[1, 2]`, `{"hash_id": 1}`, `{"a": 1.5, "b": 2}`, `not json`} {
		if _, err := parseChunkLine([]byte(line)); err == nil {
			t.Errorf("parseChunkLine(%q) succeeded, want error", line)
		}
	}
}

func TestLoadChunkStore_SkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "1_sys_prompt.jsonl", "{\"hash_id\": 1, \"token_length\": 5}\n\n{\"hash_id\": 2, \"token_length\": 6}\n")
	writeFile(t, dir, "2_passages.jsonl", `{"hash_id": 3, "token_length": 7}`+"\n")

	store, err := LoadChunkStore(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, store.Len())
}

func TestLoadChunkStore_ConflictAcrossFilesFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "1_sys_prompt.jsonl", `{"hash_id": 1, "token_length": 5}`+"\n")
	writeFile(t, dir, "3_history.jsonl", `{"hash_id": 1, "token_length": 9}`+"\n")

	_, err := LoadChunkStore(dir, nil)
	if !errors.Is(err, ErrDuplicateChunk) {
		t.Fatalf("error = %v, want ErrDuplicateChunk", err)
	}
}

func TestLoadChunkStore_ReadsZstdFiles(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "2_passages.jsonl.zst"))
	require.NoError(t, err)
	enc, err := zstd.NewWriter(f)
	require.NoError(t, err)
	_, err = enc.Write([]byte(`{"hash_id": 11, "token_length": 100}` + "\n" + `{"hash_id": 12, "token_length": 50}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	store, err := LoadChunkStore(dir, []string{"2_passages.jsonl"})
	require.NoError(t, err)
	rec, err := store.Resolve(12)
	require.NoError(t, err)
	assert.Equal(t, 50, rec.TokenLength)
}

const sampleTrace = `{"timestamp": 8, "session_id": "s2", "input_length": 10, "output_length": 100, "hash_ids": {"sys_prompt": [1], "user_input": [5]}}
{"timestamp": "2", "session_id": 17, "input_length": 20, "output_length": 50, "hash_ids": {"passages": [3, 2]}}
{"timestamp": 0, "input_length": 5, "output_length": 10, "hash_ids": {}}
{"timestamp": 2, "session_id": "s2", "input_length": 7, "output_length": 10, "hash_ids": {"history": [4]}}
`

func TestReadTrace_SortsStablyAndAssignsLineIDs(t *testing.T) {
	entries, err := ReadTrace(strings.NewReader(sampleTrace), LoadOptions{ValidateSchema: true})
	require.NoError(t, err)
	require.Len(t, entries, 4)

	gotIDs := []int{entries[0].ID, entries[1].ID, entries[2].ID, entries[3].ID}
	assert.Equal(t, []int{2, 1, 3, 0}, gotIDs, "ties at t=2 keep file order")
	assert.Equal(t, "17", entries[1].SessionID)
	assert.Equal(t, 2.0, entries[1].Timestamp)
	assert.Equal(t, []int64{3, 2}, entries[1].Refs(RolePassages))
	assert.Equal(t, []int64{1}, entries[3].Refs(RoleSystemPrompt), "sys_prompt alias maps to system_prompt")
	assert.Equal(t, 2, entries[3].NumRefs())
}

func TestReadTrace_LimitKeepsEarliest(t *testing.T) {
	entries, err := ReadTrace(strings.NewReader(sampleTrace), LoadOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 0.0, entries[0].Timestamp)
	assert.Equal(t, 2.0, entries[1].Timestamp)
}

func TestReadTrace_SchemaRejectsBadLine(t *testing.T) {
	bad := `{"timestamp": 1, "hash_ids": {"passages": ["x"]}}` + "\n"
	_, err := ReadTrace(strings.NewReader(bad), LoadOptions{ValidateSchema: true})
	assert.Error(t, err)
}

func TestReadTrace_UnknownRoleRejected(t *testing.T) {
	line := `{"timestamp": 1, "hash_ids": {"tools": [1]}}` + "\n"
	_, err := ReadTrace(strings.NewReader(line), LoadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")
}

func TestLoadTrace_MissingFile(t *testing.T) {
	_, err := LoadTrace(filepath.Join(t.TempDir(), DefaultTraceFile), LoadOptions{})
	assert.Error(t, err)
}
