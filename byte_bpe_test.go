package byte_bpe

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Encode takes *string, so this must be an addressable var.
var trainCorpus = "こんにちは世界！Hello world! 機械学習は面白いですね。" +
	"Machine learning is fascinating! Programming プログラミング 人工知能 " +
	"AI technology テクノロジー"

var corpusEncoder *Encoder

// byteEncoder has zero merges, so every token is one byte. Token counts
// equal byte counts, which keeps trim expectations exact.
var byteEncoder *Encoder

func init() {
	corpusEncoder, _ = Train([]byte(trainCorpus), 350)
	byteEncoder, _ = Train(nil, 256)
}

func TestMergePair(t *testing.T) {
	merged := mergePair(Tokens{5, 6, 6, 7, 9, 1}, TokenPair{6, 7}, 99)
	assert.Equal(t, Tokens{5, 6, 99, 9, 1}, merged)
}

func TestMergePairOverlap(t *testing.T) {
	// Greedy left-to-right scanning never re-matches inside a fresh merge.
	merged := mergePair(Tokens{42, 42, 42}, TokenPair{42, 42}, 300)
	assert.Equal(t, Tokens{300, 42}, merged)
	merged = mergePair(Tokens{42, 42, 42, 42}, TokenPair{42, 42}, 300)
	assert.Equal(t, Tokens{300, 300}, merged)
}

func TestPairCounts(t *testing.T) {
	ids := Tokens{1, 2, 1, 2, 3}
	counts := pairCounts(ids)
	assert.Equal(t, 2, counts[TokenPair{1, 2}])
	assert.Equal(t, 1, counts[TokenPair{2, 1}])
	assert.Equal(t, 1, counts[TokenPair{2, 3}])
	assert.Len(t, counts, 3)
	// The scan must not disturb its input.
	assert.Equal(t, Tokens{1, 2, 1, 2, 3}, ids)
}

func TestTopPair(t *testing.T) {
	pair, ok := topPair(Tokens{1, 2, 1, 2, 3})
	assert.True(t, ok)
	assert.Equal(t, TokenPair{1, 2}, pair)

	// All pairs tie at one occurrence; the earliest first occurrence wins.
	pair, ok = topPair(Tokens{3, 4, 4, 3})
	assert.True(t, ok)
	assert.Equal(t, TokenPair{3, 4}, pair)

	_, ok = topPair(Tokens{7})
	assert.False(t, ok)
	_, ok = topPair(Tokens{})
	assert.False(t, ok)
}

func TestTrain(t *testing.T) {
	encoder, trained := Train([]byte("aaabdaaabac"), 256+3)
	expectedMerges := []TokenPair{
		{97, 97},  // "aa"
		{256, 97}, // "aaa"
		{257, 98}, // "aaab"
	}
	assert.Equal(t, expectedMerges, encoder.Merges)
	assert.Equal(t, Tokens{258, 100, 258, 97, 99}, trained)
	assert.Equal(t, []byte("aaab"), encoder.Decoder[258])

	// Replaying the learned table over the original text must reproduce
	// the fully-merged training sequence.
	text := "aaabdaaabac"
	assert.Equal(t, trained, *encoder.Encode(&text))
}

func TestTrainRankMonotonicity(t *testing.T) {
	encoder, _ := Train([]byte(trainCorpus), 300)
	assert.Len(t, encoder.Merges, 300-256)
	for rank, pair := range encoder.Merges {
		assert.Equal(t, rank, encoder.BpeRanks[pair])
		assert.Equal(t, Token(256+rank), encoder.TokenMerges[pair])
	}
}

func TestTrainSmallVocab(t *testing.T) {
	// Target sizes at or below 256 mean zero merges, not an error.
	encoder, trained := Train([]byte("hello"), 256)
	assert.Empty(t, encoder.Merges)
	assert.Equal(t, Tokens{104, 101, 108, 108, 111}, trained)
	assert.Equal(t, 256, encoder.VocabSize())

	encoder, _ = Train([]byte("hello"), 0)
	assert.Empty(t, encoder.Merges)
}

func TestTrainExhaustsPairs(t *testing.T) {
	// A tiny corpus runs out of pairs long before the target size.
	encoder, trained := Train([]byte("ab"), 512)
	assert.Len(t, encoder.Merges, 1)
	assert.Equal(t, Tokens{256}, trained)
}

func TestEncoder_Encode(t *testing.T) {
	start := time.Now()
	tokens := corpusEncoder.Encode(&trainCorpus)
	duration := time.Since(start)
	t.Log(fmt.Sprintf("%v bytes into %v tokens over %v",
		len(trainCorpus), len(*tokens), duration))
	// Merging never lengthens a sequence beyond its byte count.
	assert.LessOrEqual(t, len(*tokens), len([]byte(trainCorpus)))
}

func TestEncoder_EncodeEmpty(t *testing.T) {
	empty := ""
	assert.Empty(t, *corpusEncoder.Encode(&empty))
	single := "h"
	assert.Equal(t, Tokens{104}, *corpusEncoder.Encode(&single))
}

func TestEncoder_EncodeIdempotent(t *testing.T) {
	text := "Hello 機械学習 world"
	first := *corpusEncoder.Encode(&text)
	second := *corpusEncoder.Encode(&text)
	assert.Equal(t, first, second)
	assert.Greater(t, corpusEncoder.LruHits, 0)
}

func TestEncoder_RoundTrip(t *testing.T) {
	inputs := []string{
		trainCorpus,
		"こんにちは",
		"Hello",
		"機械学習",
		"world",
		"never seen ボキャブラリー before",
		"🤖 Unicode symbols ✨",
	}
	for _, input := range inputs {
		decoded, err := corpusEncoder.Decode(corpusEncoder.Encode(&input))
		assert.NoError(t, err)
		assert.Equal(t, input, decoded)
	}
}

func TestEncoder_DecodeUnknownToken(t *testing.T) {
	_, err := corpusEncoder.Decode(&Tokens{1000})
	assert.Error(t, err)
	var unknownErr *UnknownTokenError
	assert.True(t, errors.As(err, &unknownErr))
	assert.Equal(t, Token(1000), unknownErr.Token)

	// The failure must not be swallowed when valid ids surround it.
	_, err = corpusEncoder.Decode(&Tokens{104, 1000, 105})
	assert.Error(t, err)
}

func TestEncoder_DecodeLossy(t *testing.T) {
	// A lone continuation byte is not valid UTF-8; decode substitutes
	// the replacement character rather than failing.
	decoded, err := corpusEncoder.Decode(&Tokens{128})
	assert.NoError(t, err)
	assert.Equal(t, "�", decoded)

	// The first byte of a split multi-byte rune behaves the same way.
	lead := Token([]byte("世")[0])
	decoded, err = corpusEncoder.Decode(&Tokens{lead})
	assert.NoError(t, err)
	assert.Equal(t, "�", decoded)
}

func TestEncoder_DecodeLossyTruncatedMerge(t *testing.T) {
	// Training on a repeated 3-byte rune learns a merge spanning its first
	// two bytes. That truncated prefix is one maximal subpart, so it must
	// decode to a single replacement character, not one per byte.
	encoder, _ := Train([]byte("世世世世"), 257)
	world := []byte("世")
	assert.Equal(t, []byte{world[0], world[1]}, encoder.Decoder[256])

	decoded, err := encoder.Decode(&Tokens{256})
	assert.NoError(t, err)
	assert.Equal(t, "�", decoded)

	// A continuation byte that cannot follow its lead is not part of the
	// lead's subpart; each ill-formed unit gets its own replacement.
	decoded, err = encoder.Decode(&Tokens{0xE0, 0x80})
	assert.NoError(t, err)
	assert.Equal(t, "��", decoded)
}

func TestEncoder_Get(t *testing.T) {
	token := corpusEncoder.Get([]byte("a"))
	if assert.NotNil(t, token) {
		assert.Equal(t, Token(97), *token)
	}
	assert.Nil(t, corpusEncoder.Get([]byte("no such span here")))
}

func TestEncoder_ByteLength(t *testing.T) {
	encoder, _ := Train([]byte("aaabdaaabac"), 256+3)
	assert.Equal(t, 1, encoder.ByteLength(97))
	assert.Equal(t, 2, encoder.ByteLength(256))
	assert.Equal(t, 4, encoder.ByteLength(258))
	assert.Equal(t, 0, encoder.ByteLength(9999))
}

func TestEncoder_TokensReady(t *testing.T) {
	world := []byte("世") // 3-byte UTF-8 sequence
	partial := Tokens{Token(world[0])}
	assert.False(t, byteEncoder.TokensReady(&partial))
	partial = append(partial, Token(world[1]))
	assert.False(t, byteEncoder.TokensReady(&partial))
	partial = append(partial, Token(world[2]))
	assert.True(t, byteEncoder.TokensReady(&partial))
}

func TestEncoder_TrimTokens(t *testing.T) {
	world := []byte("世")
	tokens := Tokens{104, 105}
	tokens = append(tokens, Token(world[0]), Token(world[1]))
	trimmed := byteEncoder.TrimTokens(&tokens)
	assert.Equal(t, Tokens{104, 105}, *trimmed)

	ready := Tokens{104, 105}
	assert.Equal(t, &ready, byteEncoder.TrimTokens(&ready))
}

func TestTokens_ToBin(t *testing.T) {
	tokens := Tokens{0, 97, 258, 65535}
	bin, err := tokens.ToBin(false)
	assert.NoError(t, err)
	assert.Equal(t, tokens, *TokensFromBin(bin))

	bin, err = tokens.ToBin(true)
	assert.NoError(t, err)
	assert.Equal(t, tokens, *TokensFromBin32(bin))

	wide := Tokens{70000}
	_, err = wide.ToBin(false)
	assert.Error(t, err)
}

func TestEncoder_EncodeBuffer(t *testing.T) {
	buffer := []byte("Hello 機械学習 world")
	bin, err := corpusEncoder.EncodeBuffer(&buffer)
	assert.NoError(t, err)
	decoded, err := corpusEncoder.DecodeBuffer(bin)
	assert.NoError(t, err)
	assert.Equal(t, string(buffer), decoded)
}

func TestEncoder_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, corpusEncoder.Save(dir))

	loaded, err := NewEncoder(dir)
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, corpusEncoder.Merges, loaded.Merges)
	text := "Programming プログラミング"
	assert.Equal(t, *corpusEncoder.Encode(&text), *loaded.Encode(&text))
}

func TestNewEncoder_VocabMismatch(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, corpusEncoder.Save(dir))

	// Corrupt one vocabulary entry; the loader must refuse the model.
	tampered := map[Token][]byte{}
	for token, span := range corpusEncoder.Decoder {
		tampered[token] = span
	}
	tampered[256] = []byte("bogus")
	vocabJson, marshalErr := json.Marshal(tampered)
	assert.NoError(t, marshalErr)
	assert.NoError(t, os.WriteFile(path.Join(dir, "vocab.json"),
		vocabJson, 0644))

	_, err := NewEncoder(dir)
	assert.Error(t, err)
}

func TestNewEncoder_MissingMerges(t *testing.T) {
	_, err := NewEncoder(t.TempDir())
	assert.Error(t, err)
}

type TrimTest struct {
	Input     string
	Direction TrimDirection
	Limit     uint
	Expected  string
}

const sent1 = "This is test sentence 1.  This is test sentence 2.  " +
	"This is test sentence 3."
const sent2 = "\nThis is test sentence 4.\nThis is test sentence 5.\n" +
	"This is test sentence 6.\n"

var TrimSentencesTests = []TrimTest{
	{sent1, TrimTop, 30,
		" This is test sentence 3."},
	{sent1, TrimTop, 60,
		" This is test sentence 2.  This is test sentence 3."},
	{sent1, TrimTop, 100,
		sent1},
	{sent2, TrimTop, 30,
		"\nThis is test sentence 6.\n"},
	{sent2, TrimTop, 60,
		"\nThis is test sentence 5.\nThis is test sentence 6.\n"},
	{sent2, TrimTop, 100,
		sent2},
	{sent1, TrimBottom, 30,
		"This is test sentence 1."},
	{sent1, TrimBottom, 60,
		"This is test sentence 1.  This is test sentence 2."},
	{sent1, TrimBottom, 100,
		sent1},
	{sent2, TrimBottom, 30,
		"\nThis is test sentence 4.\n"},
	{sent2, TrimBottom, 60,
		"\nThis is test sentence 4.\nThis is test sentence 5.\n"},
	{sent2, TrimBottom, 100,
		sent2},
}

var TrimNewLinesTests = []TrimTest{
	{sent2, TrimTop, 30,
		"\nThis is test sentence 6.\n"},
	{sent2, TrimTop, 60,
		"\nThis is test sentence 5.\nThis is test sentence 6.\n"},
	{sent2, TrimBottom, 30,
		"\nThis is test sentence 4.\n"},
	{sent2, TrimBottom, 60,
		"\nThis is test sentence 4.\nThis is test sentence 5.\n"},
}

func TestEncoder_TrimNewlines(t *testing.T) {
	for testIdx := range TrimNewLinesTests {
		test := TrimNewLinesTests[testIdx]
		res, err := byteEncoder.TrimNewlines(byteEncoder.Encode(&test.Input),
			test.Direction, test.Limit)
		if err != nil {
			t.Error("TrimNewlines: error:", err)
		}
		decodeRes, decodeErr := byteEncoder.Decode(res)
		if decodeErr != nil {
			t.Error("TrimNewlines: decode error:", decodeErr)
		}
		if decodeRes != test.Expected {
			t.Error("TrimNewlines: expected '" + test.Expected + "' got '" +
				decodeRes + "'")
		}
	}
}

func TestEncoder_TrimSentences(t *testing.T) {
	for testIdx := range TrimSentencesTests {
		test := TrimSentencesTests[testIdx]
		res, err := byteEncoder.TrimSentences(byteEncoder.Encode(&test.Input),
			test.Direction, test.Limit)
		if err != nil {
			t.Error("TrimSentences: error:", err)
		}
		decodeRes, decodeErr := byteEncoder.Decode(res)
		if decodeErr != nil {
			t.Error("TrimSentences: decode error:", decodeErr)
		}
		if decodeRes != test.Expected {
			t.Error("TrimSentences: expected '" + test.Expected + "' got '" +
				decodeRes + "'")
		}
	}
}

func TestEncoder_TrimIncompleteSentence(t *testing.T) {
	testStr := "This is a test. He says, \"This is an unterminated quote. " +
		"She says, this is actually terminated.\" This is awesome! " +
		"This is incomplete "
	expected := "This is a test. He says, \"This is an unterminated quote. " +
		"She says, this is actually terminated.\" This is awesome!"
	trimmed, err := byteEncoder.TrimIncompleteSentence(
		byteEncoder.Encode(&testStr))
	assert.NoError(t, err)
	output, decodeErr := byteEncoder.Decode(trimmed)
	assert.NoError(t, decodeErr)
	assert.Equal(t, expected, output)
}
