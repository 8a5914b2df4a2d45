/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package elos

import (
	"strconv"
	"strings"

	"github.com/crinit/crinit/options"
)

// lookupField walks a dotted field path (".source.appName") through a
// decoded event object.
func lookupField(ev map[string]interface{}, path string) (interface{}, bool) {
	path = strings.TrimPrefix(path, `.`)
	parts := strings.Split(path, `.`)
	var cur interface{} = ev
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Match evaluates a filter definition against a decoded event. Every field
// predicate must hold.
func Match(f options.FilterDef, ev map[string]interface{}) bool {
	for path, pred := range f.Fields {
		v, ok := lookupField(ev, path)
		if !ok {
			return false
		}
		if !predHolds(pred, v) {
			return false
		}
	}
	return true
}

func predHolds(pred options.FieldPred, v interface{}) bool {
	//numeric compare when both sides parse, string compare otherwise
	lhs := toString(v)
	if ln, lerr := strconv.ParseFloat(lhs, 64); lerr == nil {
		if rn, rerr := strconv.ParseFloat(pred.Value, 64); rerr == nil {
			return cmpNum(pred.Op, ln, rn)
		}
	}
	return cmpStr(pred.Op, lhs, pred.Value)
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return `true`
		}
		return `false`
	case nil:
		return ``
	}
	return ``
}

func cmpNum(op string, l, r float64) bool {
	switch op {
	case `==`:
		return l == r
	case `!=`:
		return l != r
	case `>=`:
		return l >= r
	case `<=`:
		return l <= r
	}
	return false
}

func cmpStr(op, l, r string) bool {
	switch op {
	case `==`:
		return l == r
	case `!=`:
		return l != r
	case `>=`:
		return l >= r
	case `<=`:
		return l <= r
	}
	return false
}
