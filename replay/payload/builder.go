// Package payload reconstructs request prompts from a trace entry's ordered
// chunk references.
package payload

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"

	"github.com/flashserve/RAGPulse/replay/trace"
)

// Mode selects where chunk content comes from.
type Mode string

const (
	// ModeAuto uses recorded chunk text when present and filler otherwise.
	ModeAuto Mode = "auto"
	// ModeLength ignores recorded text and synthesizes filler of the recorded length.
	ModeLength Mode = "length"
)

// DefaultTolerance is the relative input-length difference above which an
// entry is flagged as a length mismatch.
const DefaultTolerance = 0.05

// roleSeparators joins adjacent chunks of the same role.
var roleSeparators = map[trace.Role]string{
	trace.RoleSystemPrompt: "\n",
	trace.RolePassages:     "\n\n",
	trace.RoleHistory:      "\n",
	trace.RoleWebSearch:    "\n\n",
	trace.RoleUserInput:    " ",
}

// sectionSeparator joins non-empty role sections.
const sectionSeparator = "\n\n"

// Payload is the reconstructed request body for one entry.
type Payload struct {
	EntryID int
	Prompt  string
	Length  int // sum of chunk token lengths
}

// Status records how the computed length reconciles with the declared one.
type Status struct {
	Computed     int     `json:"computed"`
	Declared     int     `json:"declared"`
	RelativeDiff float64 `json:"relative_diff"`
	Mismatch     bool    `json:"mismatch"`
}

// Builder assembles payloads. It is safe for concurrent use; filler text is
// cached per hash id.
type Builder struct {
	mode      Mode
	tolerance float64

	mu     sync.Mutex
	filler map[int64]string
}

// NewBuilder creates a Builder. A non-positive tolerance selects DefaultTolerance.
func NewBuilder(mode Mode, tolerance float64) (*Builder, error) {
	switch mode {
	case "":
		mode = ModeAuto
	case ModeAuto, ModeLength:
	default:
		return nil, fmt.Errorf("unknown payload mode %q", mode)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Builder{mode: mode, tolerance: tolerance, filler: make(map[int64]string)}, nil
}

// Build resolves every hash reference of entry in canonical role order and
// concatenates the contents. Any unresolvable reference fails the whole entry
// with an error wrapping trace.ErrUnresolvedChunk. A length mismatch is only
// reported in Status.
func (b *Builder) Build(entry trace.Entry, store trace.Resolver) (Payload, Status, error) {
	var sections []string
	total := 0
	for _, role := range trace.CanonicalRoles {
		refs := entry.Refs(role)
		if len(refs) == 0 {
			continue
		}
		parts := make([]string, 0, len(refs))
		for _, id := range refs {
			chunk, err := store.Resolve(id)
			if err != nil {
				return Payload{}, Status{}, fmt.Errorf("entry %d role %s: %w", entry.ID, role, err)
			}
			total += chunk.TokenLength
			parts = append(parts, b.content(chunk))
		}
		sections = append(sections, strings.Join(parts, roleSeparators[role]))
	}

	p := Payload{
		EntryID: entry.ID,
		Prompt:  strings.Join(sections, sectionSeparator),
		Length:  total,
	}
	return p, b.reconcile(total, entry.InputLength), nil
}

// Measure resolves every hash reference of entry like Build and returns the
// computed length without assembling any text.
func (b *Builder) Measure(entry trace.Entry, store trace.Resolver) (int, Status, error) {
	total := 0
	for _, role := range trace.CanonicalRoles {
		for _, id := range entry.Refs(role) {
			chunk, err := store.Resolve(id)
			if err != nil {
				return 0, Status{}, fmt.Errorf("entry %d role %s: %w", entry.ID, role, err)
			}
			total += chunk.TokenLength
		}
	}
	return total, b.reconcile(total, entry.InputLength), nil
}

func (b *Builder) content(chunk trace.ChunkRecord) string {
	if b.mode == ModeAuto && chunk.HasText() {
		return chunk.Text
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.filler[chunk.HashID]; ok {
		return s
	}
	s := Filler(chunk.HashID, chunk.TokenLength)
	b.filler[chunk.HashID] = s
	return s
}

// reconcile compares computed and declared lengths. A declared length of 0
// means the trace did not record one and is never a mismatch.
func (b *Builder) reconcile(computed, declared int) Status {
	st := Status{Computed: computed, Declared: declared}
	if declared <= 0 {
		return st
	}
	st.RelativeDiff = math.Abs(float64(computed-declared)) / float64(declared)
	st.Mismatch = st.RelativeDiff > b.tolerance
	return st
}

// fillerWords are short common words that tokenize to one token each in
// typical BPE vocabularies.
var fillerWords = []string{
	"the", "of", "and", "to", "in", "is", "was", "for", "on", "are",
	"with", "as", "at", "be", "this", "have", "from", "or", "one", "had",
	"by", "word", "but", "not", "what", "all", "were", "we", "when", "your",
	"can", "said", "there", "use", "an", "each", "which", "she", "do", "how",
	"their", "if", "will", "up", "other", "about", "out", "many", "then", "them",
	"these", "so", "some", "her", "would", "make", "like", "him", "into", "time",
	"has", "look", "two", "more",
}

// Filler returns tokenLength space-separated words derived only from hashID,
// so requests sharing a chunk share identical text.
func Filler(hashID int64, tokenLength int) string {
	if tokenLength <= 0 {
		return ""
	}
	rng := rand.New(rand.NewSource(hashID))
	var sb strings.Builder
	sb.Grow(tokenLength * 5)
	for i := 0; i < tokenLength; i++ {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(fillerWords[rng.Intn(len(fillerWords))])
	}
	return sb.String()
}
