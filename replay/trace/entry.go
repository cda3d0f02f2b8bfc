package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Role names one of the fixed content sources a request is assembled from.
type Role string

const (
	RoleSystemPrompt Role = "system_prompt"
	RolePassages     Role = "passages"
	RoleHistory      Role = "history"
	RoleWebSearch    Role = "web_search"
	RoleUserInput    Role = "user_input"
)

// CanonicalRoles is the order in which role contents are concatenated.
var CanonicalRoles = []Role{
	RoleSystemPrompt,
	RolePassages,
	RoleHistory,
	RoleWebSearch,
	RoleUserInput,
}

// roleAliases maps key spellings found in recorded traces to roles.
var roleAliases = map[string]Role{
	"system_prompt": RoleSystemPrompt,
	"sys_prompt":    RoleSystemPrompt,
	"passages":      RolePassages,
	"history":       RoleHistory,
	"web_search":    RoleWebSearch,
	"user_input":    RoleUserInput,
}

// ParseRole resolves a trace key to a Role.
func ParseRole(s string) (Role, bool) {
	r, ok := roleAliases[s]
	return r, ok
}

// Entry is one recorded request: its arrival time plus ordered chunk references per role.
// One entry produces exactly one replayed request.
type Entry struct {
	ID           int              `json:"id"`
	SessionID    string           `json:"session_id,omitempty"`
	Timestamp    float64          `json:"timestamp"`
	InputLength  int              `json:"input_length"`
	OutputLength int              `json:"output_length"`
	HashRefs     map[Role][]int64 `json:"hash_ids"`
}

// Refs returns the ordered hash ids recorded for role (nil when absent).
func (e *Entry) Refs(role Role) []int64 {
	return e.HashRefs[role]
}

// NumRefs counts hash references across all roles.
func (e *Entry) NumRefs() int {
	n := 0
	for _, refs := range e.HashRefs {
		n += len(refs)
	}
	return n
}

// rawEntry accepts the field spellings used by recorded trace files.
type rawEntry struct {
	ID                  *int               `json:"id"`
	SessionID           json.RawMessage    `json:"session_id"`
	Session             json.RawMessage    `json:"session"`
	Timestamp           json.RawMessage    `json:"timestamp"`
	InputLength         *int               `json:"input_length"`
	InputLen            *int               `json:"input_len"`
	DeclaredInputLength *int               `json:"declared_input_length"`
	OutputLength        *int               `json:"output_length"`
	OutputLen           *int               `json:"output_len"`
	DeclaredOutput      *int               `json:"declared_output_length"`
	HashIDs             map[string][]int64 `json:"hash_ids"`
	HashRefs            map[string][]int64 `json:"hash_refs"`
}

// UnmarshalJSON decodes a trace line, tolerating numeric-string timestamps
// and numeric session ids.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw rawEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := parseFlexibleFloat(raw.Timestamp)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	sess := raw.SessionID
	if len(sess) == 0 {
		sess = raw.Session
	}
	sessionID, err := parseFlexibleString(sess)
	if err != nil {
		return fmt.Errorf("session_id: %w", err)
	}

	refs := raw.HashIDs
	if refs == nil {
		refs = raw.HashRefs
	}
	hashRefs := make(map[Role][]int64, len(refs))
	for key, ids := range refs {
		role, ok := ParseRole(key)
		if !ok {
			return fmt.Errorf("unknown role %q", key)
		}
		hashRefs[role] = append(hashRefs[role], ids...)
	}

	*e = Entry{
		SessionID:    sessionID,
		Timestamp:    ts,
		InputLength:  firstInt(raw.InputLength, raw.InputLen, raw.DeclaredInputLength),
		OutputLength: firstInt(raw.OutputLength, raw.OutputLen, raw.DeclaredOutput),
		HashRefs:     hashRefs,
	}
	if raw.ID != nil {
		e.ID = *raw.ID
	}
	return nil
}

func firstInt(vals ...*int) int {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

func parseFlexibleFloat(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("missing value")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	return f, nil
}

func parseFlexibleString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}
