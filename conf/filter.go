/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package conf

import (
	"fmt"
	"strings"

	"github.com/crinit/crinit/options"
)

// parseFilterDefine parses an external event filter definition:
//
//	NAME={.field="value",.other.field>=3}
//
// Supported operators are = (alias of ==), ==, !=, >= and <=. Values may be
// double quoted; unquoted values run to the next comma or the closing
// brace.
func parseFilterDefine(val string) (f options.FilterDef, err error) {
	val = strings.TrimSpace(val)
	idx := strings.IndexByte(val, '=')
	if idx <= 0 {
		err = fmt.Errorf("%w: filter definition wants NAME={...}", ErrBadValue)
		return
	}
	f.Name = strings.TrimSpace(val[:idx])
	body := strings.TrimSpace(val[idx+1:])
	if len(body) < 2 || body[0] != '{' || body[len(body)-1] != '}' {
		err = fmt.Errorf("%w: filter body must be brace enclosed", ErrBadValue)
		return
	}
	body = body[1 : len(body)-1]
	f.Fields = make(map[string]options.FieldPred)

	i := 0
	for i < len(body) {
		for i < len(body) && (body[i] == ' ' || body[i] == ',') {
			i++
		}
		if i >= len(body) {
			break
		}
		//field path runs to the operator
		fb := i
		for i < len(body) && !isOpChar(body[i]) {
			i++
		}
		field := strings.TrimSpace(body[fb:i])
		if field == `` || i >= len(body) {
			err = fmt.Errorf("%w: filter predicate missing operator", ErrBadValue)
			return
		}
		//operator, one or two characters
		ob := i
		i++
		if i < len(body) && body[i] == '=' {
			i++
		}
		op, ok := normalizeOp(body[ob:i])
		if !ok {
			err = fmt.Errorf("%w: bad filter operator %q", ErrBadValue, body[ob:i])
			return
		}
		//value, quoted or bare
		var value string
		if i < len(body) && body[i] == '"' {
			i++
			vb := i
			for i < len(body) && body[i] != '"' {
				i++
			}
			if i >= len(body) {
				err = fmt.Errorf("%w: unterminated filter value", ErrBadValue)
				return
			}
			value = body[vb:i]
			i++
		} else {
			vb := i
			for i < len(body) && body[i] != ',' {
				i++
			}
			value = strings.TrimSpace(body[vb:i])
		}
		if value == `` {
			err = fmt.Errorf("%w: empty filter value for %s", ErrBadValue, field)
			return
		}
		f.Fields[field] = options.FieldPred{Op: op, Value: value}
	}
	if len(f.Fields) == 0 {
		err = fmt.Errorf("%w: filter %s has no predicates", ErrBadValue, f.Name)
	}
	return
}

func isOpChar(c byte) bool {
	return c == '=' || c == '!' || c == '<' || c == '>'
}

func normalizeOp(op string) (string, bool) {
	switch op {
	case `=`, `==`:
		return `==`, true
	case `!=`:
		return `!=`, true
	case `>=`:
		return `>=`, true
	case `<=`:
		return `<=`, true
	}
	return ``, false
}
