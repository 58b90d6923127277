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

// Package keyspec defines the compiled structural address of a point in the schema tree.
//
// A Keyspec is an ordered list of path entries. Each entry names a schema node and carries
// the key values selecting one list element. Key values may be concrete, wildcarded or
// omitted; an omitted key behaves like a wildcard when matching.
package keyspec

import (
	"bytes"
	"strings"
)

// Category defines the schema category a keyspec addresses.
type Category uint8

const (
	// CategoryAny matches every category.
	CategoryAny Category = iota
	// CategoryData addresses operational data.
	CategoryData
	// CategoryConfig addresses configuration.
	CategoryConfig
	// CategoryRPCInput addresses rpc input nodes.
	CategoryRPCInput
	// CategoryRPCOutput addresses rpc output nodes.
	CategoryRPCOutput
)

func (c Category) String() string {
	switch c {
	case CategoryAny:
		return "A"
	case CategoryData:
		return "D"
	case CategoryConfig:
		return "C"
	case CategoryRPCInput:
		return "I"
	case CategoryRPCOutput:
		return "O"
	}
	return "?"
}

// Compatible reports whether two categories may address the same point.
func (c Category) Compatible(o Category) bool {
	return c == CategoryAny || o == CategoryAny || c == o
}

// Key is one key leaf of a path entry.
type Key struct {
	Name     string
	Value    string
	Wildcard bool
}

// K returns a concrete key.
func K(name, value string) Key {
	return Key{Name: name, Value: value}
}

// Any returns a wildcard key.
func Any(name string) Key {
	return Key{Name: name, Wildcard: true}
}

// Entry is one path element: a schema node and its key values.
type Entry struct {
	Node string
	Keys []Key
}

// E builds a path entry.
func E(node string, keys ...Key) Entry {
	return Entry{Node: node, Keys: keys}
}

func (e Entry) key(name string) (k Key, ok bool) {
	for _, k = range e.Keys {
		if k.Name == name {
			return k, true
		}
	}
	return
}

// Wildcarded reports whether the entry contains a wildcard key.
func (e Entry) Wildcarded() bool {
	for _, k := range e.Keys {
		if k.Wildcard {
			return true
		}
	}
	return false
}

// unify checks whether the two entries may select the same element.
// Missing keys on either side match anything.
func (e Entry) unify(o Entry) bool {
	if e.Node != o.Node {
		return false
	}
	for _, k := range e.Keys {
		if k.Wildcard {
			continue
		}
		ok, exists := o.key(k.Name)
		if !exists || ok.Wildcard {
			continue
		}
		if ok.Value != k.Value {
			return false
		}
	}
	return true
}

// equal is the strict structural equality, key order independent.
func (e Entry) equal(o Entry) bool {
	if e.Node != o.Node || len(e.Keys) != len(o.Keys) {
		return false
	}
	for _, k := range e.Keys {
		ok, exists := o.key(k.Name)
		if !exists || ok != k {
			return false
		}
	}
	return true
}

// Keyspec is the compiled address of a point in the schema tree.
type Keyspec struct {
	Category Category
	Entries  []Entry
}

// New builds a keyspec in the given category.
func New(cat Category, entries ...Entry) *Keyspec {
	return &Keyspec{Category: cat, Entries: entries}
}

// Depth returns the number of path entries.
func (ks *Keyspec) Depth() int {
	if ks == nil {
		return 0
	}
	return len(ks.Entries)
}

// Wildcarded reports whether any entry contains a wildcard key.
func (ks *Keyspec) Wildcarded() bool {
	for _, e := range ks.Entries {
		if e.Wildcarded() {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (ks *Keyspec) Clone() *Keyspec {
	if ks == nil {
		return nil
	}
	c := &Keyspec{
		Category: ks.Category,
		Entries:  make([]Entry, len(ks.Entries)),
	}
	for i, e := range ks.Entries {
		c.Entries[i] = Entry{Node: e.Node, Keys: append([]Key(nil), e.Keys...)}
	}
	return c
}

// Prefix returns a copy of the first n entries.
func (ks *Keyspec) Prefix(n int) *Keyspec {
	if n > ks.Depth() {
		n = ks.Depth()
	}
	c := ks.Clone()
	c.Entries = c.Entries[:n]
	return c
}

// Equal compares two keyspecs structurally.
func (ks *Keyspec) Equal(o *Keyspec) bool {
	if ks == nil || o == nil {
		return ks == o
	}
	if ks.Category != o.Category || len(ks.Entries) != len(o.Entries) {
		return false
	}
	for i := range ks.Entries {
		if !ks.Entries[i].equal(o.Entries[i]) {
			return false
		}
	}
	return true
}

// IsPrefixOf reports whether ks, with wildcard and omitted keys unified against q,
// is a structural prefix of q.
func (ks *Keyspec) IsPrefixOf(q *Keyspec) bool {
	if ks == nil || q == nil {
		return false
	}
	if !ks.Category.Compatible(q.Category) || len(ks.Entries) > len(q.Entries) {
		return false
	}
	for i := range ks.Entries {
		if !ks.Entries[i].unify(q.Entries[i]) {
			return false
		}
	}
	return true
}

// Substitute returns a copy of ks with its wildcarded or omitted keys filled from the
// corresponding entries of q. The result is a structural prefix of q when ks.IsPrefixOf(q).
func (ks *Keyspec) Substitute(q *Keyspec) *Keyspec {
	c := ks.Clone()
	for i := range c.Entries {
		if i >= q.Depth() {
			break
		}
		qe := q.Entries[i]
		e := &c.Entries[i]
		for j, k := range e.Keys {
			if !k.Wildcard {
				continue
			}
			if qk, ok := qe.key(k.Name); ok {
				e.Keys[j] = qk
			}
		}
		for _, qk := range qe.Keys {
			if _, ok := e.key(qk.Name); !ok {
				e.Keys = append(e.Keys, qk)
			}
		}
	}
	if c.Category == CategoryAny {
		c.Category = q.Category
	}
	return c
}

// KeyMaterial returns the concatenated key values of the entry at index idx (0 based),
// in declaration order, separated by a zero byte. ok is false when the entry does not exist
// or any of its keys is wildcarded.
func (ks *Keyspec) KeyMaterial(idx int) (b []byte, ok bool) {
	if idx < 0 || idx >= ks.Depth() {
		return nil, false
	}
	e := ks.Entries[idx]
	if len(e.Keys) == 0 {
		return nil, false
	}
	var buf bytes.Buffer
	for i, k := range e.Keys {
		if k.Wildcard {
			return nil, false
		}
		if i > 0 {
			buf.WriteByte(0)
		}
		buf.WriteString(k.Value)
	}
	return buf.Bytes(), true
}

// String renders the keyspec in path expression form.
func (ks *Keyspec) String() string {
	if ks == nil {
		return "<nil>"
	}
	var sb strings.Builder
	sb.WriteString(ks.Category.String())
	sb.WriteByte(',')
	if len(ks.Entries) == 0 {
		sb.WriteByte('/')
	}
	for _, e := range ks.Entries {
		sb.WriteByte('/')
		sb.WriteString(e.Node)
		for _, k := range e.Keys {
			sb.WriteByte('[')
			sb.WriteString(k.Name)
			if k.Wildcard {
				sb.WriteString("=*")
			} else {
				sb.WriteString("='")
				sb.WriteString(strings.Replace(k.Value, "'", "\\'", -1))
				sb.WriteByte('\'')
			}
			sb.WriteByte(']')
		}
	}
	return sb.String()
}
