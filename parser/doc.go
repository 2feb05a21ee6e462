// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

/*
Package parser detects the vendor dialect of an inbound request and lifts
it into the provider-agnostic normalised form.

# Dispatch

The registry holds parsers in priority order. Each parser matches on URL
host and path first, then on body shape (the presence of a messages array,
a prompt field, a contents array). Dispatch polls the list in order; the
first parser that matches and parses wins. Parsers are pure functions over
the raw request, so new dialects are added by registering a new parser,
never by editing an existing one.

# Failure policy

If no parser produces a normalised request, Parse returns ErrParseFailure
and the pipeline must answer 400. Unparseable payloads are never forwarded
upstream; this is the gateway's no-bypass guarantee.

# Built-in dialects

openai (chat completions and legacy completions), anthropic (messages and
legacy complete), google (Gemini generateContent), cohere (chat and
generate), huggingface (inference API), and a custom fallback for
OpenAI-compatible self-hosted endpoints.
*/
package parser
