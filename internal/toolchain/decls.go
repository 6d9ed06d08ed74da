package toolchain

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const pchMagic = "EJPCH1"

// DeclSet is the set of declarations visible to a unit: what headers
// provide and what a precompiled header stores.
type DeclSet struct {
	Magic   string          `msgpack:"magic"`
	Target  string          `msgpack:"target"`
	Externs map[string]int  `msgpack:"externs"`
	Globals map[string]bool `msgpack:"globals"`
	Headers []string        `msgpack:"headers"`
}

func newDeclSet(target string) *DeclSet {
	return &DeclSet{
		Target:  target,
		Externs: make(map[string]int),
		Globals: make(map[string]bool),
	}
}

func (d *DeclSet) declareExtern(name string, arity int) error {
	if prev, ok := d.Externs[name]; ok && prev != arity {
		return fmt.Errorf("conflicting declaration of '%s': arity %d, previously %d", name, arity, prev)
	}
	d.Externs[name] = arity
	return nil
}

func (d *DeclSet) merge(other *DeclSet) error {
	if other == nil {
		return nil
	}
	names := make([]string, 0, len(other.Externs))
	for name := range other.Externs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := d.declareExtern(name, other.Externs[name]); err != nil {
			return err
		}
	}
	for name := range other.Globals {
		d.Globals[name] = true
	}
	for _, h := range other.Headers {
		d.addHeader(h)
	}
	return nil
}

func (d *DeclSet) addHeader(name string) {
	for _, h := range d.Headers {
		if h == name {
			return
		}
	}
	d.Headers = append(d.Headers, name)
}

func (d *DeclSet) covers(header string) bool {
	for _, h := range d.Headers {
		if h == header {
			return true
		}
	}
	return false
}

func (d *DeclSet) marshal() ([]byte, error) {
	d.Magic = pchMagic
	data, err := msgpack.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "toolchain: encode pch")
	}
	return data, nil
}

func unmarshalPCH(data []byte) (*DeclSet, error) {
	var d DeclSet
	if err := msgpack.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrap(err, "toolchain: decode pch")
	}
	if d.Magic != pchMagic {
		return nil, errors.Errorf("toolchain: not a precompiled header (magic %q)", d.Magic)
	}
	if d.Externs == nil {
		d.Externs = make(map[string]int)
	}
	if d.Globals == nil {
		d.Globals = make(map[string]bool)
	}
	return &d, nil
}
