package byte_bpe

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru"
	"github.com/wbrown/byte_bpe/resources"
)

const ENCODE_LRU_SZ = 16384

// NumBaseTokens is the number of single-byte base tokens. Every id below
// this value decodes to exactly one raw byte equal to the id itself; every
// merged token id is NumBaseTokens plus the rank of the rule that created it.
const NumBaseTokens = 256

type Token uint32
type Tokens []Token

// TokenPair is an ordered adjacency of two token ids, left then right.
type TokenPair struct {
	Left  Token
	Right Token
}

// Encoder is a trained byte-level BPE model. Merges holds the learned rules
// in rank order; BpeRanks, TokenMerges, Decoder and the unitrim table are
// all derived from it at construction time. An Encoder is immutable once
// returned from Train or NewEncoder, so concurrent Encode and Decode calls
// against one model are safe.
type Encoder struct {
	Merges      []TokenPair
	BpeRanks    map[TokenPair]int
	TokenMerges map[TokenPair]Token
	Decoder     map[Token][]byte
	unitrim     []int
	Cache       *lru.ARCCache
	LruHits     int
	LruMisses   int
}

// UnknownTokenError reports a token id that has no vocabulary entry. It is
// the only hard failure the engine produces: it means the token sequence
// was produced by a different model than the one decoding it.
type UnknownTokenError struct {
	Token Token
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("byte_bpe: unknown token %d", e.Token)
}

type tokenizerConfig struct {
	ModelType string `json:"model_type"`
	VocabSize int    `json:"vocab_size"`
}

// pairCounts scans ids left to right and counts every adjacent pair. It
// never mutates ids.
func pairCounts(ids Tokens) map[TokenPair]int {
	counts := make(map[TokenPair]int, len(ids))
	for idx := 0; idx < len(ids)-1; idx++ {
		counts[TokenPair{ids[idx], ids[idx+1]}] += 1
	}
	return counts
}

// topPair returns the most frequent adjacent pair in ids. Ties on count are
// broken by whichever pair first occurs earliest in the sequence, which
// keeps training deterministic for a fixed corpus. Returns false when ids
// has fewer than two elements.
func topPair(ids Tokens) (TokenPair, bool) {
	if len(ids) < 2 {
		return TokenPair{}, false
	}
	counts := pairCounts(ids)
	seen := make(map[TokenPair]bool, len(counts))
	var best TokenPair
	bestCount := 0
	for idx := 0; idx < len(ids)-1; idx++ {
		pair := TokenPair{ids[idx], ids[idx+1]}
		if seen[pair] {
			continue
		}
		seen[pair] = true
		if counts[pair] > bestCount {
			bestCount = counts[pair]
			best = pair
		}
	}
	return best, true
}

// mergePair rewrites ids, replacing every non-overlapping left-to-right
// occurrence of pair with newId. Once a match consumes positions i and i+1,
// scanning resumes at i+2, so [t,t,t] with pair (t,t) becomes [newId,t].
func mergePair(ids Tokens, pair TokenPair, newId Token) Tokens {
	merged := make(Tokens, 0, len(ids))
	for idx := 0; idx < len(ids); {
		if idx < len(ids)-1 &&
			ids[idx] == pair.Left && ids[idx+1] == pair.Right {
			merged = append(merged, newId)
			idx += 2
		} else {
			merged = append(merged, ids[idx])
			idx += 1
		}
	}
	return merged
}

// tokenizeBytes lifts a byte sequence into base token ids.
func tokenizeBytes(data []byte) Tokens {
	ids := make(Tokens, len(data))
	for idx := range data {
		ids[idx] = Token(data[idx])
	}
	return ids
}

// lossyString decodes a byte sequence as UTF-8, substituting U+FFFD for
// invalid spans. Merged tokens can split multi-byte sequences across token
// boundaries, so decode must never fail on malformed input. Substitution
// follows the Unicode maximal-subparts recommendation: a truncated prefix
// of a valid sequence becomes a single replacement character, not one per
// byte.
func lossyString(bs []byte) string {
	if utf8.Valid(bs) {
		return string(bs)
	}
	out := make([]byte, 0, len(bs))
	for idx := 0; idx < len(bs); {
		r, size := utf8.DecodeRune(bs[idx:])
		if r != utf8.RuneError || size > 1 {
			out = append(out, bs[idx:idx+size]...)
			idx += size
			continue
		}
		idx += invalidSpan(bs[idx:])
		out = append(out, "�"...)
	}
	return string(out)
}

// invalidSpan returns the length of the maximal subpart of the ill-formed
// sequence starting at bs[0]: the lead byte plus however many continuation
// bytes stay within the lead's valid range before the sequence was cut off.
func invalidSpan(bs []byte) int {
	lead := bs[0]
	var want int
	var lo, hi byte
	switch {
	case lead >= 0xC2 && lead <= 0xDF:
		want, lo, hi = 1, 0x80, 0xBF
	case lead == 0xE0:
		want, lo, hi = 2, 0xA0, 0xBF
	case lead >= 0xE1 && lead <= 0xEC:
		want, lo, hi = 2, 0x80, 0xBF
	case lead == 0xED:
		want, lo, hi = 2, 0x80, 0x9F
	case lead >= 0xEE && lead <= 0xEF:
		want, lo, hi = 2, 0x80, 0xBF
	case lead == 0xF0:
		want, lo, hi = 3, 0x90, 0xBF
	case lead >= 0xF1 && lead <= 0xF3:
		want, lo, hi = 3, 0x80, 0xBF
	case lead == 0xF4:
		want, lo, hi = 3, 0x80, 0x8F
	default:
		// Stray continuation byte or invalid lead.
		return 1
	}
	size := 1
	for size <= want && size < len(bs) {
		c := bs[size]
		if c < lo || c > hi {
			break
		}
		size++
		lo, hi = 0x80, 0xBF
	}
	return size
}

// Train learns a BPE model from raw UTF-8 bytes. It repeatedly merges the
// most frequent adjacent pair into a fresh id until the vocabulary reaches
// vocabSize or no pair remains. A vocabSize of 256 or less yields a model
// with zero merges. The returned Tokens is the fully-merged training
// sequence, useful for reporting; it is not needed for inference.
func Train(data []byte, vocabSize int) (*Encoder, Tokens) {
	numMerges := vocabSize - NumBaseTokens
	if numMerges < 0 {
		numMerges = 0
	}
	ids := tokenizeBytes(data)
	merges := make([]TokenPair, 0, numMerges)
	for len(merges) < numMerges {
		pair, ok := topPair(ids)
		if !ok {
			break
		}
		newId := Token(NumBaseTokens + len(merges))
		ids = mergePair(ids, pair, newId)
		merges = append(merges, pair)
	}
	return newEncoder(merges), ids
}

// newEncoder derives the rank maps, vocabulary, and unitrim table from an
// ordered merge list and freezes the result.
func newEncoder(merges []TokenPair) *Encoder {
	bpeRanks := make(map[TokenPair]int, len(merges))
	tokenMerges := make(map[TokenPair]Token, len(merges))
	decoder := make(map[Token][]byte, NumBaseTokens+len(merges))
	for b := 0; b < NumBaseTokens; b++ {
		decoder[Token(b)] = []byte{byte(b)}
	}
	// Rank order matters here: a rule may reference an id created by an
	// earlier rule.
	for rank, pair := range merges {
		newId := Token(NumBaseTokens + rank)
		bpeRanks[pair] = rank
		tokenMerges[pair] = newId
		span := make([]byte, 0,
			len(decoder[pair.Left])+len(decoder[pair.Right]))
		span = append(span, decoder[pair.Left]...)
		span = append(span, decoder[pair.Right]...)
		decoder[newId] = span
	}
	unitrim := make([]int, NumBaseTokens+len(merges))
	for idx := range unitrim {
		unitrim[idx] = unicodeNeed(decoder[Token(idx)])
	}
	cache, _ := lru.NewARC(ENCODE_LRU_SZ)
	return &Encoder{
		Merges:      merges,
		BpeRanks:    bpeRanks,
		TokenMerges: tokenMerges,
		Decoder:     decoder,
		unitrim:     unitrim,
		Cache:       cache,
	}
}

// NewEncoder
// Loads a trained model from a local directory or remote base URL resolved
// by the resources package, verifies any derived files shipped alongside
// the merge table, and returns the frozen Encoder.
func NewEncoder(uri string) (*Encoder, error) {
	rsrcsPtr, rsrcErr := resources.ResolveModel(uri, nil, "")
	if rsrcErr != nil {
		return nil, rsrcErr
	}
	rsrcs := *rsrcsPtr
	defer rsrcs.Cleanup()

	var rawMerges [][2]Token
	if err := json.Unmarshal(*rsrcs["merges.json"].Data,
		&rawMerges); err != nil {
		return nil, fmt.Errorf("cannot unmarshal `merges.json`: %v", err)
	}
	merges := make([]TokenPair, len(rawMerges))
	for rank := range rawMerges {
		merges[rank] = TokenPair{rawMerges[rank][0], rawMerges[rank][1]}
	}
	encoder := newEncoder(merges)

	if vocabEntry, ok := rsrcs["vocab.json"]; ok {
		fileVocab := make(map[Token][]byte)
		if err := json.Unmarshal(*vocabEntry.Data, &fileVocab); err != nil {
			return nil, fmt.Errorf("cannot unmarshal `vocab.json`: %v", err)
		}
		if err := encoder.verifyVocab(fileVocab); err != nil {
			return nil, err
		}
	}
	if configEntry, ok := rsrcs["tokenizer_config.json"]; ok {
		var config tokenizerConfig
		if err := json.Unmarshal(*configEntry.Data, &config); err != nil {
			return nil, fmt.Errorf(
				"cannot unmarshal `tokenizer_config.json`: %v", err)
		}
		if config.VocabSize != 0 &&
			config.VocabSize != encoder.VocabSize() {
			return nil, fmt.Errorf(
				"tokenizer_config.json vocab_size %d does not match "+
					"%d merge rules", config.VocabSize, len(merges))
		}
	}
	return encoder, nil
}

// verifyVocab checks a vocabulary shipped on disk against the one derived
// from the merge table.
func (encoder *Encoder) verifyVocab(fileVocab map[Token][]byte) error {
	if len(fileVocab) != len(encoder.Decoder) {
		return fmt.Errorf(
			"vocab.json has %d entries, merge table derives %d",
			len(fileVocab), len(encoder.Decoder))
	}
	for token, span := range fileVocab {
		derived, ok := encoder.Decoder[token]
		if !ok || string(derived) != string(span) {
			return fmt.Errorf(
				"vocab.json disagrees with merge table at token %d", token)
		}
	}
	return nil
}

// Save writes the model to dir as merges.json plus the derived vocab.json
// and tokenizer_config.json, the layout NewEncoder resolves.
func (encoder *Encoder) Save(dir string) error {
	rawMerges := make([][2]Token, len(encoder.Merges))
	for rank, pair := range encoder.Merges {
		rawMerges[rank] = [2]Token{pair.Left, pair.Right}
	}
	mergesJson, err := json.Marshal(rawMerges)
	if err != nil {
		return err
	}
	vocabJson, err := json.Marshal(encoder.Decoder)
	if err != nil {
		return err
	}
	configJson, err := json.Marshal(tokenizerConfig{
		ModelType: "byte_bpe",
		VocabSize: encoder.VocabSize(),
	})
	if err != nil {
		return err
	}
	if err = os.WriteFile(path.Join(dir, "merges.json"),
		mergesJson, 0644); err != nil {
		return err
	}
	if err = os.WriteFile(path.Join(dir, "vocab.json"),
		vocabJson, 0644); err != nil {
		return err
	}
	return os.WriteFile(path.Join(dir, "tokenizer_config.json"),
		configJson, 0644)
}

// toBPE replays the learned merge rules over a fresh token sequence. At
// each step the present pair with the smallest rank wins, regardless of its
// frequency in this sequence: rank is the priority the model committed to
// during training, and picking by local frequency instead would produce
// sequences incompatible with the trained table.
func (encoder *Encoder) toBPE(ids Tokens) Tokens {
	for len(ids) >= 2 {
		counts := pairCounts(ids)
		bestRank := -1
		var best TokenPair
		for pair := range counts {
			rank, ok := encoder.BpeRanks[pair]
			if !ok {
				continue
			}
			if bestRank < 0 || rank < bestRank {
				bestRank = rank
				best = pair
			}
		}
		if bestRank < 0 {
			break
		}
		ids = mergePair(ids, best, encoder.TokenMerges[best])
	}
	return ids
}

// Encode encodes a string into a sequence of tokens. It is a total, pure
// function of the input and the merge table; results are memoized in the
// ARC cache.
func (encoder *Encoder) Encode(text *string) *Tokens {
	var tokens Tokens
	if lookup, ok := encoder.Cache.Get(*text); ok {
		encoder.LruHits++
		tokens = lookup.(Tokens)
	} else {
		encoder.LruMisses++
		tokens = encoder.toBPE(tokenizeBytes([]byte(*text)))
		encoder.Cache.Add(*text, tokens)
	}
	// Callers get a copy so appends can't reach into the cached backing
	// array.
	out := make(Tokens, len(tokens))
	copy(out, tokens)
	return &out
}

// Decode Tokens back into a string. Invalid UTF-8 spans produced by merges
// that straddle rune boundaries are replaced, never surfaced as errors; the
// only failure is an id absent from the vocabulary.
func (encoder *Encoder) Decode(encoded *Tokens) (string, error) {
	bs := make([]byte, 0, len(*encoded)*2)
	for _, token := range *encoded {
		span, ok := encoder.Decoder[token]
		if !ok {
			return "", &UnknownTokenError{Token: token}
		}
		bs = append(bs, span...)
	}
	return lossyString(bs), nil
}

// Get
// Looks up the token id for a byte span, or nil if no token represents it.
func (encoder *Encoder) Get(span []byte) *Token {
	for token, entry := range encoder.Decoder {
		if string(entry) == string(span) {
			found := token
			return &found
		}
	}
	return nil
}

// TokenBytes returns the byte span a token id decodes to.
func (encoder *Encoder) TokenBytes(token Token) ([]byte, bool) {
	span, ok := encoder.Decoder[token]
	return span, ok
}

// ByteLength returns the decoded length of a token in bytes, or zero for an
// unknown id.
func (encoder *Encoder) ByteLength(token Token) int {
	return len(encoder.Decoder[token])
}

func (encoder *Encoder) VocabSize() int {
	return len(encoder.Decoder)
}

// unicodeNeed computes, for one token's byte span, how many further tokens'
// worth of continuation bytes the span demands (positive) or supplies
// (negative) before the accumulated output is valid UTF-8.
func unicodeNeed(span []byte) int {
	need := 0
	minNeed := 0
	for _, c := range span {
		if (c & 0b10000000) == 0 {
			need = 0
		} else if (c & 0b11000000) == 0b10000000 {
			need -= 1
		} else if (c & 0b11100000) == 0b11000000 {
			need = 1
		} else if (c & 0b11110000) == 0b11100000 {
			need = 2
		} else if (c & 0b11111000) == 0b11110000 {
			need = 3
		}
		if need < 0 {
			minNeed = need
		}
		if need == 0 {
			need = minNeed
		}
	}
	return need
}

// TokensReady
// Determine if the sequence of Tokens given is ready to be serialized
// to string, based on if the sequence will produce valid Unicode runes.
func (encoder *Encoder) TokensReady(tokens *Tokens) bool {
	good := 0
	need := 0
	for tokenIdx := range *tokens {
		tok := (*tokens)[tokenIdx]
		var req int
		if int(tok) >= len(encoder.unitrim) {
			// Don't error out on tokens that we don't know about.
			req = 0
		} else {
			req = encoder.unitrim[tok]
		}

		if !(need+req < 0) {
			need += req
		}
		if req == 0 {
			// reset need to 0 to avoid being stuck when we have invalid
			// unicode being generated.
			need = 0
		}
		if need == 0 {
			good = tokenIdx + 1
		}
	}
	return good == len(*tokens)
}

// TrimTokens
// Trims the given Tokens to tokens that produce valid unicode.
func (encoder *Encoder) TrimTokens(tokens *Tokens) (trimmed *Tokens) {
	trimmed = tokens
	for {
		if len(*trimmed) == 0 {
			return trimmed
		}
		if encoder.TokensReady(trimmed) {
			return trimmed
		} else {
			newTrimmed := (*trimmed)[0 : len(*trimmed)-1]
			trimmed = &newTrimmed
		}
	}
}
