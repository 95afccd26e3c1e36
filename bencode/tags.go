package bencode

import (
	"reflect"
	"sort"
	"strings"
	"sync"
)

type structField struct {
	key       string
	index     []int
	omitEmpty bool
}

type structFields struct {
	sorted []structField
	byKey  map[string]structField
}

var structFieldsCache sync.Map // map[reflect.Type]*structFields

// Fields are keyed by the `bencode:"key,omitempty"` tag, or the field name. A key of "-" skips
// the field.
func getStructFields(t reflect.Type) *structFields {
	if v, ok := structFieldsCache.Load(t); ok {
		return v.(*structFields)
	}
	ret := &structFields{byKey: make(map[string]structField)}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get("bencode")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		f := structField{
			key:   name,
			index: sf.Index,
		}
		if f.key == "" {
			f.key = sf.Name
		}
		for _, opt := range strings.Split(opts, ",") {
			if opt == "omitempty" {
				f.omitEmpty = true
			}
		}
		ret.sorted = append(ret.sorted, f)
		ret.byKey[f.key] = f
	}
	sort.Slice(ret.sorted, func(i, j int) bool {
		return ret.sorted[i].key < ret.sorted[j].key
	})
	v, _ := structFieldsCache.LoadOrStore(t, ret)
	return v.(*structFields)
}
