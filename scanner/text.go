// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package scanner

import (
	"fmt"
	"strings"

	"proxilion/gateway/model"
)

// Segment is one scannable slice of the request with its location path.
type Segment struct {
	Location string
	Text     string
}

// Projection is the memoised textual view of a request. The orchestrator
// builds it once per request and every scanner reads the same instance, so
// N scanners never re-traverse the message list N times.
type Projection struct {
	Segments []Segment
	Full     string
}

// Project extracts the scannable text of a request: every message's text
// content plus tool names and descriptions. Image and document payloads are
// not projected; binary blobs are not meaningful regex input.
func Project(req *model.Request) *Projection {
	p := &Projection{}
	var full strings.Builder

	for i, msg := range req.Messages {
		text := msg.Text()
		if text == "" {
			continue
		}
		p.Segments = append(p.Segments, Segment{
			Location: fmt.Sprintf("messages[%d]", i),
			Text:     text,
		})
		if full.Len() > 0 {
			full.WriteByte('\n')
		}
		full.WriteString(text)
	}

	for i, tool := range req.Tools {
		text := tool.Name
		if tool.Description != "" {
			text += ": " + tool.Description
		}
		p.Segments = append(p.Segments, Segment{
			Location: fmt.Sprintf("tools[%d]", i),
			Text:     text,
		})
		if full.Len() > 0 {
			full.WriteByte('\n')
		}
		full.WriteString(text)
	}

	p.Full = full.String()
	return p
}
