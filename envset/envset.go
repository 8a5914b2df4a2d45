/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package envset implements the ordered NAME=VALUE environment set handed
// to supervised tasks. Insertion order is preserved so the exported
// environment is stable across runs; a task fragment is merged over the
// global set before launch.
package envset

import (
	"errors"
	"strconv"
	"strings"

	"github.com/crinit/crinit/lexers"
)

var (
	ErrNotFound     = errors.New("no such environment variable")
	ErrBadDirective = errors.New("malformed environment directive")
	ErrBadIncrement = errors.New("allocation increment must be nonzero")
)

type entry struct {
	name string
	val  string
}

// EnvSet is a growable ordered sequence of NAME=VALUE pairs. Growth happens
// in fixed increments rather than doubling so that a PID 1 process with many
// small sets keeps its footprint predictable.
type EnvSet struct {
	ents []entry
	inc  int
}

// New creates an EnvSet with the given initial capacity and allocation
// increment.
func New(cap, inc int) (*EnvSet, error) {
	if inc <= 0 {
		return nil, ErrBadIncrement
	}
	if cap < 0 {
		cap = 0
	}
	return &EnvSet{
		ents: make([]entry, 0, cap),
		inc:  inc,
	}, nil
}

// Len returns the number of variables in the set.
func (es *EnvSet) Len() int {
	return len(es.ents)
}

// Set stores a variable. An existing key is overwritten in place and keeps
// its position; a new key is appended. When the spine is full it grows by
// the configured increment.
func (es *EnvSet) Set(name, val string) error {
	if name == `` {
		return ErrBadDirective
	}
	for i := range es.ents {
		if es.ents[i].name == name {
			es.ents[i].val = val
			return nil
		}
	}
	if len(es.ents) == cap(es.ents) {
		nents := make([]entry, len(es.ents), cap(es.ents)+es.inc)
		copy(nents, es.ents)
		es.ents = nents
	}
	es.ents = append(es.ents, entry{name: name, val: val})
	return nil
}

// Get looks a variable up by name, linearly.
func (es *EnvSet) Get(name string) (val string, ok bool) {
	for i := range es.ents {
		if es.ents[i].name == name {
			return es.ents[i].val, true
		}
	}
	return
}

// ParseAndSet consumes a directive of the form `NAME "value"` and stores the
// result. The value is kept raw; expansion happens on export.
func (es *EnvSet) ParseAndSet(directive string) error {
	var pos int
	tok, b, e := lexers.EnvOuterLex(directive, &pos)
	if tok != lexers.TokenEnvKey {
		return ErrBadDirective
	}
	name := directive[b:e]
	if tok, _, _ = lexers.EnvOuterLex(directive, &pos); tok != lexers.TokenWSpc {
		return ErrBadDirective
	}
	tok, b, e = lexers.EnvOuterLex(directive, &pos)
	if tok != lexers.TokenEnvVal {
		return ErrBadDirective
	}
	val := directive[b:e]
	//only trailing whitespace may follow the value
	for {
		tok, _, _ = lexers.EnvOuterLex(directive, &pos)
		if tok == lexers.TokenEnd {
			break
		}
		if tok != lexers.TokenWSpc {
			return ErrBadDirective
		}
	}
	return es.Set(name, val)
}

// Dup copies every variable of src into a fresh set with the same growth
// policy.
func (es *EnvSet) Dup() *EnvSet {
	d := &EnvSet{
		ents: make([]entry, len(es.ents), cap(es.ents)),
		inc:  es.inc,
	}
	copy(d.ents, es.ents)
	return d
}

// Merge lays the variables of other over the receiver, preserving the
// receiver's ordering for keys both sets carry.
func (es *EnvSet) Merge(other *EnvSet) {
	if other == nil {
		return
	}
	for i := range other.ents {
		es.Set(other.ents[i].name, other.ents[i].val)
	}
}

// Expand resolves a raw value against the set in a single pass: `${NAME}`
// references substitute the named variable or the empty string, escapes
// decode to their bytes.
func (es *EnvSet) Expand(raw string) (string, error) {
	var sb strings.Builder
	var pos int
	for {
		tok, b, e := lexers.EnvInnerLex(raw, &pos)
		switch tok {
		case lexers.TokenEnd:
			return sb.String(), nil
		case lexers.TokenErr:
			return ``, ErrBadDirective
		case lexers.TokenCopy:
			sb.WriteString(raw[b:e])
		case lexers.TokenEscSeq:
			//a \c escape decodes to the literal c; control bytes are
			//written as \xHH
			sb.WriteByte(raw[b])
		case lexers.TokenEscHex:
			cp, err := strconv.ParseUint(raw[b:e], 16, 8)
			if err != nil {
				return ``, ErrBadDirective
			}
			sb.WriteByte(byte(cp))
		case lexers.TokenVarRef:
			if v, ok := es.Get(raw[b:e]); ok {
				sb.WriteString(v)
			}
		}
	}
}

// Export produces the expanded NAME=VALUE list in insertion order, the form
// execve wants.
func (es *EnvSet) Export() ([]string, error) {
	out := make([]string, 0, len(es.ents))
	for i := range es.ents {
		v, err := es.Expand(es.ents[i].val)
		if err != nil {
			return nil, err
		}
		out = append(out, es.ents[i].name+`=`+v)
	}
	return out, nil
}

// Names returns the keys in insertion order.
func (es *EnvSet) Names() []string {
	out := make([]string, 0, len(es.ents))
	for i := range es.ents {
		out = append(out, es.ents[i].name)
	}
	return out
}
