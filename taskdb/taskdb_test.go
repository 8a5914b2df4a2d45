/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package taskdb

import (
	"errors"
	"testing"

	"github.com/crinit/crinit/task"
)

func mktask(name string) *task.Task {
	t := task.New()
	t.Name = name
	return t
}

func TestInsertLookup(t *testing.T) {
	db := New()
	if err := db.Insert(mktask(`a`)); err != nil {
		t.Fatal(err)
	}
	if tk, ok := db.Lookup(`a`); !ok || tk.Name != `a` {
		t.Fatal("lookup failed")
	}
	if _, ok := db.Lookup(`missing`); ok {
		t.Fatal("phantom task")
	}
}

func TestInsertDup(t *testing.T) {
	db := New()
	if err := db.Insert(mktask(`a`)); err != nil {
		t.Fatal(err)
	}
	if err := db.Insert(mktask(`a`)); !errors.Is(err, ErrDupTask) {
		t.Fatal("duplicate accepted", err)
	}
}

func TestInsertInvalid(t *testing.T) {
	db := New()
	if err := db.Insert(nil); !errors.Is(err, ErrNilTask) {
		t.Fatal("nil accepted")
	}
	if err := db.Insert(task.New()); !errors.Is(err, ErrNoName) {
		t.Fatal("unnamed accepted")
	}
}

func TestRemove(t *testing.T) {
	db := New()
	db.Insert(mktask(`a`))
	if err := db.Remove(`a`); err != nil {
		t.Fatal(err)
	}
	if err := db.Remove(`a`); !errors.Is(err, ErrNotFound) {
		t.Fatal("double remove accepted")
	}
	if db.Len() != 0 {
		t.Fatal("remove left task behind")
	}
}

func TestOrdering(t *testing.T) {
	db := New()
	for _, n := range []string{`zeta`, `alpha`, `mid`} {
		if err := db.Insert(mktask(n)); err != nil {
			t.Fatal(err)
		}
	}
	var got []string
	db.ForEach(func(tk *task.Task) {
		got = append(got, tk.Name)
	})
	//insertion order wins over name order
	want := []string{`zeta`, `alpha`, `mid`}
	for i := range want {
		if got[i] != want[i] {
			t.Fatal("bad order", got)
		}
	}
}

func TestValidateDeps(t *testing.T) {
	db := New()
	a := mktask(`a`)
	a.Provides = []string{`custom`}
	b := mktask(`b`)
	b.Deps = []task.DepRef{{Task: `a`, Event: `wait`}, {Task: `a`, Event: `custom`}}
	db.Insert(a)
	db.Insert(b)
	if err := db.ValidateDeps(nil); err != nil {
		t.Fatal(err)
	}

	c := mktask(`c`)
	c.Deps = []task.DepRef{{Task: `a`, Event: `nonsense`}}
	db.Insert(c)
	if err := db.ValidateDeps(nil); err == nil {
		t.Fatal("unprovided event accepted")
	}
	db.Remove(`c`)

	d := mktask(`d`)
	d.Trig = []task.DepRef{{Task: `@elos`, Event: `net-up`}}
	db.Insert(d)
	if err := db.ValidateDeps(nil); err == nil {
		t.Fatal("external namespace accepted without adapter")
	}
	ext := func(name string) bool { return name == `@elos` }
	if err := db.ValidateDeps(ext); err != nil {
		t.Fatal(err)
	}
}
