package byte_bpe

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

type TrimDirection uint

const (
	TrimTop    TrimDirection = iota
	TrimBottom TrimDirection = iota
	TrimNone   TrimDirection = iota
)

// ToBin serializes tokens as LittleEndian frames, 16-bit unless useUint32
// is set. Ids above 65535 overflow 16-bit frames and are rejected.
func (tokens *Tokens) ToBin(useUint32 bool) (*[]byte, error) {
	if useUint32 {
		return tokens.toBinUint32()
	}
	return tokens.toBinUint16()
}

func (tokens *Tokens) toBinUint16() (*[]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, len(*tokens)*2))
	for idx := range *tokens {
		bs := (*tokens)[idx]
		if bs > 65535 {
			return nil, fmt.Errorf(
				"integer overflow: tried to write token ID %d as "+
					"unsigned 16-bit", bs)
		}
		if err := binary.Write(buf, binary.LittleEndian,
			uint16(bs)); err != nil {
			return nil, err
		}
	}
	byt := buf.Bytes()
	return &byt, nil
}

func (tokens *Tokens) toBinUint32() (*[]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, len(*tokens)*4))
	for idx := range *tokens {
		if err := binary.Write(buf, binary.LittleEndian,
			uint32((*tokens)[idx])); err != nil {
			return nil, err
		}
	}
	byt := buf.Bytes()
	return &byt, nil
}

func TokensFromBin(bin *[]byte) *Tokens {
	tokens := make(Tokens, 0, len(*bin)/2)
	buf := bytes.NewReader(*bin)
	for {
		var token uint16
		if err := binary.Read(buf, binary.LittleEndian, &token); err != nil {
			break
		}
		tokens = append(tokens, Token(token))
	}
	return &tokens
}

func TokensFromBin32(bin *[]byte) *Tokens {
	tokens := make(Tokens, 0, len(*bin)/4)
	buf := bytes.NewReader(*bin)
	for {
		var token uint32
		if err := binary.Read(buf, binary.LittleEndian, &token); err != nil {
			break
		}
		tokens = append(tokens, Token(token))
	}
	return &tokens
}

// wideTokens reports whether this model's ids need 32-bit binary frames.
func (encoder *Encoder) wideTokens() bool {
	return encoder.VocabSize() > 65536
}

// EncodeBuffer takes a byte array and encodes it into Tokens in another
// byte array.
func (encoder *Encoder) EncodeBuffer(buffer *[]byte) (*[]byte, error) {
	text := string(*buffer)
	tokens := encoder.Encode(&text)
	return tokens.ToBin(encoder.wideTokens())
}

// DecodeBuffer
// Decode Tokens from a byte array into a string.
func (encoder *Encoder) DecodeBuffer(encoded *[]byte) (string, error) {
	var tokens *Tokens
	if encoder.wideTokens() {
		tokens = TokensFromBin32(encoded)
	} else {
		tokens = TokensFromBin(encoded)
	}
	return encoder.Decode(tokens)
}

// TrimNewlines trims a token sequence to at most limit tokens on whole-line
// boundaries, dropping lines from the given direction.
func (encoder *Encoder) TrimNewlines(tokens *Tokens, direction TrimDirection,
	limit uint) (*Tokens, error) {
	trimmed := make(Tokens, 0)
	if uint(len(*tokens)) <= limit {
		return tokens, nil
	} else if direction == TrimNone {
		return &trimmed, nil
	}
	text, decodeErr := encoder.Decode(tokens)
	if decodeErr != nil {
		return nil, decodeErr
	}
	lines := strings.Split(text, "\n")
	var start, end, step, idx int
	switch direction {
	case TrimTop:
		start = len(lines) - 1
		end = -1
		step = -1
	case TrimBottom:
		start = 0
		end = len(lines)
		step = 1
	}
	accTokens := make(Tokens, 0)
	for idx = start; idx != end; idx += step {
		line := lines[idx]
		switch direction {
		case TrimTop:
			line = "\n" + line
		case TrimBottom:
			line = line + "\n"
		}
		newTokens := encoder.Encode(&line)
		if len(*newTokens)+len(accTokens) > int(limit) {
			return &accTokens, nil
		}
		switch direction {
		case TrimTop:
			accTokens = append(*newTokens, accTokens...)
		case TrimBottom:
			accTokens = append(accTokens, *newTokens...)
		}
	}
	return &accTokens, nil
}
