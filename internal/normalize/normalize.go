// Package normalize turns raw job-engine records into typed, serializable
// entities. Everything here is pure: no I/O, no shared state.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

const maxRenderDepth = 32

// Clean returns a copy of record in which every value is JSON-serializable.
// Scalars pass through, nested maps and slices are kept when they encode,
// and anything else is replaced by its string rendering.
func Clean(record scrape.RawRecord) scrape.Review {
	out := make(scrape.Review, len(record))
	for key, value := range record {
		out[key] = cleanValue(value)
	}
	return out
}

func cleanValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return render(v)
		}
		return v
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return render(v)
		}
		return v
	}

	switch reflect.ValueOf(value).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		if _, err := json.Marshal(value); err != nil {
			return render(value)
		}
		return value
	default:
		return render(value)
	}
}

// render formats v like %v but terminates on self-referencing maps, slices
// and pointers.
func render(v any) string {
	var b strings.Builder
	writeValue(&b, reflect.ValueOf(v), make(map[uintptr]bool), 0)
	return b.String()
}

func writeValue(b *strings.Builder, rv reflect.Value, seen map[uintptr]bool, depth int) {
	if !rv.IsValid() {
		b.WriteString("<nil>")
		return
	}
	if depth > maxRenderDepth {
		b.WriteString("...")
		return
	}
	if s, ok := stringer(rv); ok {
		b.WriteString(s)
		return
	}

	switch rv.Kind() {
	case reflect.Interface:
		writeValue(b, rv.Elem(), seen, depth)
	case reflect.Pointer:
		if rv.IsNil() {
			b.WriteString("<nil>")
			return
		}
		if !enter(b, rv.Pointer(), seen) {
			return
		}
		defer delete(seen, rv.Pointer())
		b.WriteByte('&')
		writeValue(b, rv.Elem(), seen, depth+1)
	case reflect.Map:
		if rv.Len() > 0 {
			if !enter(b, rv.Pointer(), seen) {
				return
			}
			defer delete(seen, rv.Pointer())
		}
		writeMap(b, rv, seen, depth)
	case reflect.Slice:
		if rv.Len() > 0 {
			if !enter(b, rv.Pointer(), seen) {
				return
			}
			defer delete(seen, rv.Pointer())
		}
		writeList(b, rv, seen, depth)
	case reflect.Array:
		writeList(b, rv, seen, depth)
	case reflect.Struct:
		b.WriteByte('{')
		for i := 0; i < rv.NumField(); i++ {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(rv.Type().Field(i).Name)
			b.WriteByte(':')
			writeValue(b, rv.Field(i), seen, depth+1)
		}
		b.WriteByte('}')
	case reflect.String:
		b.WriteString(rv.String())
	case reflect.Bool:
		b.WriteString(strconv.FormatBool(rv.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		b.WriteString(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		b.WriteString(strconv.FormatFloat(rv.Float(), 'g', -1, 64))
	case reflect.Complex64, reflect.Complex128:
		b.WriteString(strconv.FormatComplex(rv.Complex(), 'g', -1, 128))
	default:
		b.WriteString("<" + rv.Type().String() + ">")
	}
}

func enter(b *strings.Builder, ptr uintptr, seen map[uintptr]bool) bool {
	if seen[ptr] {
		b.WriteString("<cycle>")
		return false
	}
	seen[ptr] = true
	return true
}

func writeMap(b *strings.Builder, rv reflect.Value, seen map[uintptr]bool, depth int) {
	type entry struct {
		key string
		val reflect.Value
	}
	entries := make([]entry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		var kb strings.Builder
		writeValue(&kb, iter.Key(), seen, depth+1)
		entries = append(entries, entry{key: kb.String(), val: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	b.WriteString("map[")
	for i, e := range entries {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(e.key)
		b.WriteByte(':')
		writeValue(b, e.val, seen, depth+1)
	}
	b.WriteByte(']')
}

func writeList(b *strings.Builder, rv reflect.Value, seen map[uintptr]bool, depth int) {
	b.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		writeValue(b, rv.Index(i), seen, depth+1)
	}
	b.WriteByte(']')
}

// stringer uses fmt.Stringer or error when the value exposes one.
func stringer(rv reflect.Value) (s string, ok bool) {
	if !rv.CanInterface() {
		return "", false
	}
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return "", false
	}
	defer func() {
		if recover() != nil {
			s, ok = "", false
		}
	}()
	switch v := rv.Interface().(type) {
	case error:
		return v.Error(), true
	case fmt.Stringer:
		return v.String(), true
	}
	return "", false
}
