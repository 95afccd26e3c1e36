package bencode

import (
	"reflect"

	"github.com/elliotchance/orderedmap"
)

var dictType = reflect.TypeOf(Dict{})

// A bencode dictionary that remembers key insertion order. Decoding keeps wire order, and
// encoding writes keys in the order they were first set.
type Dict struct {
	m *orderedmap.OrderedMap
}

func NewDict() *Dict {
	return &Dict{m: orderedmap.NewOrderedMap()}
}

// Setting an existing key replaces its value and keeps its position.
func (d *Dict) Set(key string, value interface{}) *Dict {
	if d.m == nil {
		d.m = orderedmap.NewOrderedMap()
	}
	d.m.Set(key, value)
	return d
}

func (d *Dict) Get(key string) (interface{}, bool) {
	if d.m == nil {
		return nil, false
	}
	return d.m.Get(key)
}

func (d *Dict) Delete(key string) {
	if d.m != nil {
		d.m.Delete(key)
	}
}

func (d *Dict) Len() int {
	if d.m == nil {
		return 0
	}
	return d.m.Len()
}

func (d *Dict) Keys() (ret []string) {
	if d.m == nil {
		return
	}
	for _, k := range d.m.Keys() {
		ret = append(ret, k.(string))
	}
	return
}

func (d *Dict) GetString(key string) (s string, ok bool) {
	v, ok := d.Get(key)
	if ok {
		s, ok = v.(string)
	}
	return
}

func (d *Dict) GetInt(key string) (i int64, ok bool) {
	v, ok := d.Get(key)
	if ok {
		i, ok = v.(int64)
	}
	return
}

func (d *Dict) GetList(key string) (l []interface{}, ok bool) {
	v, ok := d.Get(key)
	if ok {
		l, ok = v.([]interface{})
	}
	return
}

func (d *Dict) GetDict(key string) (sub *Dict, ok bool) {
	v, ok := d.Get(key)
	if ok {
		sub, ok = v.(*Dict)
	}
	return
}

// Equal compares decoded values. Dicts are equal when they hold the same keys in the same order
// with equal values.
func Equal(a, b interface{}) bool {
	switch a := a.(type) {
	case *Dict:
		b, ok := b.(*Dict)
		if !ok {
			return false
		}
		ak, bk := a.Keys(), b.Keys()
		if len(ak) != len(bk) {
			return false
		}
		for i := range ak {
			if ak[i] != bk[i] {
				return false
			}
			av, _ := a.Get(ak[i])
			bv, _ := b.Get(bk[i])
			if !Equal(av, bv) {
				return false
			}
		}
		return true
	case []interface{}:
		b, ok := b.([]interface{})
		if !ok || len(a) != len(b) {
			return false
		}
		for i := range a {
			if !Equal(a[i], b[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}
