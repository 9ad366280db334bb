// request.go - Admission-Anfrage und Block-Key-Ableitung
package kvcache

import (
	"github.com/google/uuid"

	"github.com/kvblock/kvblock/block"
)

// Request carries what the engine knows about one admission: the caller's
// prompt and generation parameters, plus the one result field
// (PrepopulatedPromptLen) AddSequence fills in.
type Request struct {
	UniqueTokens []block.UniqueToken
	LoraTaskID   block.LoraTaskID
	BeamWidth    int
	Streaming    bool
	MaxNewTokens int

	// RequestKey gates whether newly-completed context blocks are filed
	// into the reuse trie on release. Nil means no
	// key was supplied: completed blocks are discarded on release rather
	// than stored. Call EnsureRequestKey to opt a request into reuse
	// without requiring the caller to mint its own identifier.
	RequestKey *uuid.UUID

	// PrepopulatedPromptLen is filled in by AddSequence: the number of
	// leading prompt tokens served from the reuse trie.
	PrepopulatedPromptLen int
}

// EnsureRequestKey generates a random request key if the caller did not
// supply one, the way the teacher mints uuids for session identity
// where the caller leaves one unset.
func (r *Request) EnsureRequestKey() uuid.UUID {
	if r.RequestKey == nil {
		id := uuid.New()
		r.RequestKey = &id
	}
	return *r.RequestKey
}

// blockKeys returns the ordered BlockKeys covering the full-block
// prefix of the request's prompt: only the first
// floor(len(tokens)/tokensPerBlock) blocks, since a partial final block
// is never keyed, and at most len(tokens)-1 tokens may ever be
// considered for reuse: one token must always remain to generate.
func (r *Request) blockKeys(tokensPerBlock int) []block.Key {
	reusable := len(r.UniqueTokens) - 1
	if reusable <= 0 {
		return nil
	}
	nBlocks := reusable / tokensPerBlock
	return keysFor(r.LoraTaskID, r.UniqueTokens, nBlocks, tokensPerBlock)
}

// storableKeys returns the keys a release may file completed blocks
// under: every block fully covered by the prompt, including the last
// one. The reserve-one-token rule applies only to lookups, not to
// what a finished sequence leaves behind.
func (r *Request) storableKeys(tokensPerBlock int) []block.Key {
	nBlocks := len(r.UniqueTokens) / tokensPerBlock
	return keysFor(r.LoraTaskID, r.UniqueTokens, nBlocks, tokensPerBlock)
}

func keysFor(lora block.LoraTaskID, tokens []block.UniqueToken, nBlocks, tokensPerBlock int) []block.Key {
	keys := make([]block.Key, nBlocks)
	for i := 0; i < nBlocks; i++ {
		start := i * tokensPerBlock
		toks := make([]block.UniqueToken, tokensPerBlock)
		copy(toks, tokens[start:start+tokensPerBlock])
		keys[i] = block.Key{LoraTaskID: lora, UniqueTokens: toks}
	}
	return keys
}
