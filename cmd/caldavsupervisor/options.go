/*
 * MIT License
 *
 * Copyright (c) 2022 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package main

import (
	"strconv"
	"strings"

	"github.com/caldavsupervisor/core/internal/xerr"
)

// applyOption applies one "-o/--option key=value" override: key is a
// dotted path into the raw configuration tree; value is coerced to bool
// ("True"/"False"), a number, a comma-separated list, or else left as a
// string. "None" removes the leaf from the tree, including any value the
// configuration file set, so the built-in default (if any) applies
// instead. A path that currently holds a map
// (a non-leaf) is rejected; overrides address leaves only.
func applyOption(tree map[string]interface{}, kv string) error {
	eq := strings.IndexByte(kv, '=')
	if eq <= 0 {
		return xerr.Newf(xerr.ConfigurationError, "malformed -o value %q, expected key=value", kv)
	}
	key := kv[:eq]
	raw := kv[eq+1:]

	parts := strings.Split(key, ".")
	node := tree
	for i, p := range parts {
		last := i == len(parts)-1
		if last {
			if existing, ok := node[p]; ok {
				if _, isMap := existing.(map[string]interface{}); isMap {
					return xerr.Newf(xerr.ConfigurationError, "-o %s targets a dict path, not a leaf", key)
				}
			}
			if raw == "None" {
				delete(node, p)
				return nil
			}
			node[p] = coerceValue(raw)
			return nil
		}

		next, ok := node[p]
		if !ok {
			m := map[string]interface{}{}
			node[p] = m
			node = m
			continue
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return xerr.Newf(xerr.ConfigurationError, "-o %s: %q is a leaf, not a dict", key, p)
		}
		node = m
	}
	return nil
}

func coerceValue(raw string) interface{} {
	switch raw {
	case "True":
		return true
	case "False":
		return false
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if strings.Contains(raw, ",") {
		items := strings.Split(raw, ",")
		for i := range items {
			items[i] = strings.TrimSpace(items[i])
		}
		return items
	}
	return raw
}
