// Package userdata: JSON5-tolerant document pre-processing.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package userdata

import "strings"

// stripJSON5 removes //-line and /* */-block comments and trailing commas
// from a JSON5-ish document so the result parses with encoding/json. No
// published Go JSON5 package appears anywhere in the retrieval corpus (see
// DESIGN.md), so this is a small hand-rolled pre-processor rather than a
// general JSON5 parser: it understands just enough syntax (string literals
// with escapes, line/block comments, trailing commas before `]`/`}`) to
// tolerate the shapes ec2fleetd's own user-data documents actually use.
func stripJSON5(src string) string {
	var b strings.Builder
	b.Grow(len(src))

	inString := false
	escaped := false
	i := 0
	for i < len(src) {
		c := src[i]

		if inString {
			b.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			i++
			continue
		}

		switch {
		case c == '"':
			inString = true
			b.WriteByte(c)
			i++
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			i += 2
			for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
				i++
			}
			i += 2
		case c == ',':
			// Look ahead past whitespace/comments for a closing bracket; if
			// found, this is a trailing comma and is dropped.
			j := i + 1
			for j < len(src) {
				if src[j] == ' ' || src[j] == '\t' || src[j] == '\n' || src[j] == '\r' {
					j++
					continue
				}
				if src[j] == '/' && j+1 < len(src) && src[j+1] == '/' {
					for j < len(src) && src[j] != '\n' {
						j++
					}
					continue
				}
				if src[j] == '/' && j+1 < len(src) && src[j+1] == '*' {
					j += 2
					for j+1 < len(src) && !(src[j] == '*' && src[j+1] == '/') {
						j++
					}
					j += 2
					continue
				}
				break
			}
			if j < len(src) && (src[j] == ']' || src[j] == '}') {
				i++ // drop the comma
			} else {
				b.WriteByte(c)
				i++
			}
		default:
			b.WriteByte(c)
			i++
		}
	}

	return b.String()
}
