/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package keyspec

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidPath is returned for malformed path expressions.
var ErrInvalidPath = errors.New("invalid path expression")

// Parse converts a path expression such as
//
//	D,/rt:colony[rt:c='apple']/rt:router[rt:r=*]/interface[*]
//
// to a keyspec. It only understands the subset used by tests and tooling; schema aware
// compilation happens elsewhere. A bare "[*]" leaves the entry keys omitted, "name=*"
// declares a named wildcard key.
func Parse(s string) (ks *Keyspec, err error) {
	ks = &Keyspec{}
	path := s
	if i := strings.IndexByte(s, ','); i >= 0 && !strings.Contains(s[:i], "/") {
		switch s[:i] {
		case "A", "":
			ks.Category = CategoryAny
		case "D":
			ks.Category = CategoryData
		case "C":
			ks.Category = CategoryConfig
		case "I":
			ks.Category = CategoryRPCInput
		case "O":
			ks.Category = CategoryRPCOutput
		default:
			return nil, errors.Wrapf(ErrInvalidPath, "unknown category %q", s[:i])
		}
		path = s[i+1:]
	}

	if !strings.HasPrefix(path, "/") {
		return nil, errors.Wrapf(ErrInvalidPath, "path %q must be absolute", s)
	}

	p := &parser{in: path, pos: 1}
	if p.pos == len(p.in) {
		return
	}
	for {
		var e Entry
		if e, err = p.entry(); err != nil {
			return nil, errors.Wrapf(err, "parse %q", s)
		}
		ks.Entries = append(ks.Entries, e)
		if p.pos >= len(p.in) {
			return
		}
		if p.in[p.pos] != '/' {
			return nil, errors.Wrapf(ErrInvalidPath, "unexpected %q at %d in %q", p.in[p.pos], p.pos, s)
		}
		p.pos++
	}
}

// MustParse is like Parse but panics on error.
func MustParse(s string) *Keyspec {
	ks, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ks
}

type parser struct {
	in  string
	pos int
}

func (p *parser) entry() (e Entry, err error) {
	start := p.pos
	for p.pos < len(p.in) && p.in[p.pos] != '[' && p.in[p.pos] != '/' {
		p.pos++
	}
	if p.pos == start {
		err = errors.Wrap(ErrInvalidPath, "empty node name")
		return
	}
	e.Node = p.in[start:p.pos]

	for p.pos < len(p.in) && p.in[p.pos] == '[' {
		end := p.closing()
		if end < 0 {
			err = errors.Wrap(ErrInvalidPath, "unterminated key predicate")
			return
		}
		pred := p.in[p.pos+1 : end]
		p.pos = end + 1
		if pred == "*" {
			continue
		}
		var k Key
		if k, err = predicate(pred); err != nil {
			return
		}
		e.Keys = append(e.Keys, k)
	}
	return
}

// closing finds the bracket closing the predicate starting at p.pos, skipping quoted text.
func (p *parser) closing() int {
	quoted := false
	for i := p.pos + 1; i < len(p.in); i++ {
		switch c := p.in[i]; {
		case c == '\\' && quoted:
			i++
		case c == '\'':
			quoted = !quoted
		case c == ']' && !quoted:
			return i
		}
	}
	return -1
}

func predicate(pred string) (k Key, err error) {
	eq := strings.IndexByte(pred, '=')
	if eq <= 0 {
		err = errors.Wrapf(ErrInvalidPath, "bad key predicate %q", pred)
		return
	}
	k.Name = strings.TrimSpace(pred[:eq])
	v := strings.TrimSpace(pred[eq+1:])
	switch {
	case v == "*":
		k.Wildcard = true
	case len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'':
		k.Value = strings.Replace(v[1:len(v)-1], "\\'", "'", -1)
	default:
		err = errors.Wrapf(ErrInvalidPath, "unquoted key value %q", v)
	}
	return
}
