// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strconv"
	"strings"

	"proxilion/gateway/model"
)

// Fingerprint derives the stable cache and dedup key for a request. The
// digest covers provider, model, the stream flag, messages, tools, and
// sampling parameters. Correlation id, user identity, and timestamps are
// deliberately excluded: two requests that differ only in those fields
// must collapse onto the same key.
func Fingerprint(req *model.Request) string {
	h := sha256.New()

	writeField(h, "provider", string(req.Provider))
	writeField(h, "model", req.Model)
	writeField(h, "stream", strconv.FormatBool(req.Stream))

	for i, m := range req.Messages {
		prefix := fmt.Sprintf("messages[%d]", i)
		writeField(h, prefix+".role", string(m.Role))
		writeField(h, prefix+".content", m.Content)
		for j, p := range m.Parts {
			writeField(h, fmt.Sprintf("%s.parts[%d].%s", prefix, j, p.Kind), p.Payload)
		}
	}

	for i, t := range req.Tools {
		prefix := fmt.Sprintf("tools[%d]", i)
		writeField(h, prefix+".name", t.Name)
		writeField(h, prefix+".description", t.Description)
		writeField(h, prefix+".parameters", canonical(t.Parameters))
	}

	writeParameters(h, req.Parameters)

	return hex.EncodeToString(h.Sum(nil))
}

// writeParameters serialises the sampling parameters in a fixed field
// order, distinguishing absent from zero-valued fields.
func writeParameters(h hash.Hash, p model.Parameters) {
	writeFloat(h, "temperature", p.Temperature)
	writeInt(h, "max_tokens", p.MaxTokens)
	writeFloat(h, "top_p", p.TopP)
	writeInt(h, "top_k", p.TopK)
	writeFloat(h, "frequency_penalty", p.FrequencyPenalty)
	writeFloat(h, "presence_penalty", p.PresencePenalty)
	for i, s := range p.StopSequences {
		writeField(h, fmt.Sprintf("stop[%d]", i), s)
	}
}

// writeField writes a length-prefixed key/value pair so that adjacent
// fields can never be confused for one another.
func writeField(h hash.Hash, key, value string) {
	var lens [8]byte
	binary.BigEndian.PutUint32(lens[:4], uint32(len(key)))
	binary.BigEndian.PutUint32(lens[4:], uint32(len(value)))
	h.Write(lens[:])
	h.Write([]byte(key))
	h.Write([]byte(value))
}

func writeFloat(h hash.Hash, key string, v *float64) {
	if v == nil {
		return
	}
	writeField(h, key, strconv.FormatFloat(*v, 'g', -1, 64))
}

func writeInt(h hash.Hash, key string, v *int) {
	if v == nil {
		return
	}
	writeField(h, key, strconv.Itoa(*v))
}

// canonical renders an arbitrary JSON-shaped value deterministically:
// map keys are sorted, list order is preserved.
func canonical(v interface{}) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []interface{}:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case string:
		b.WriteString(strconv.Quote(val))
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case float64:
		b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case int:
		b.WriteString(strconv.Itoa(val))
	default:
		fmt.Fprintf(b, "%v", val)
	}
}
