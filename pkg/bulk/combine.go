package bulk

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// Combine folds add records sharing one _id into a single update. Numeric
// fields are summed into $inc and anything else goes to $set with the last
// value winning. A path that holds both kinds of value within the bulk is
// written with its last value through $set. When one record sets a path
// and another sets a field below it, the latest record decides the whole
// path and the other writes are dropped.
func Combine(id any, records []*Record) bson.M {
	increments := map[string]any{}
	last := map[string]any{}
	mixed := map[string]bool{}
	numeric := map[string]bool{}
	latest := map[string]int{}
	var order []string

	for i, record := range records {
		flatten("", record.Document, func(path string, value any) {
			if path == "_id" {
				return
			}
			latest[path] = i

			if _, seen := last[path]; !seen {
				order = append(order, path)
			}
			last[path] = value

			number, isNumber := normaliseNumber(value)
			previouslyNumeric, seen := numeric[path]
			if seen && previouslyNumeric != isNumber {
				mixed[path] = true
			}
			numeric[path] = isNumber

			if isNumber {
				if current, ok := increments[path]; ok {
					increments[path] = addNumbers(current, number)
				} else {
					increments[path] = number
				}
			}
		})
	}

	roots := conflictRoots(order, latest)

	inc := bson.M{}
	set := bson.M{}
	for _, path := range order {
		if root, ok := rootOf(path, roots); ok {
			if _, done := set[root]; !done {
				set[root] = lookup(records[roots[root]].Document, root)
			}
			continue
		}

		switch {
		case mixed[path]:
			set[path] = last[path]
		case numeric[path]:
			inc[path] = increments[path]
		default:
			set[path] = last[path]
		}
	}

	update := bson.M{}
	if len(inc) > 0 {
		update["$inc"] = inc
	}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(update) == 0 {
		// An upsert needs at least one operator
		update["$setOnInsert"] = bson.M{"_id": id}
	}

	return update
}

// conflictRoots finds the outermost paths that also have fields written
// below them, mapped to the index of the last record touching the path or
// anything under it
func conflictRoots(paths []string, latest map[string]int) map[string]int {
	roots := map[string]int{}
	for _, path := range paths {
		for i := range len(path) {
			if path[i] != '.' {
				continue
			}
			if _, ok := latest[path[:i]]; ok {
				roots[path[:i]] = 0
				break
			}
		}
	}

	for root := range roots {
		for _, path := range paths {
			if path == root || strings.HasPrefix(path, root+".") {
				roots[root] = max(roots[root], latest[path])
			}
		}
	}

	return roots
}

// rootOf returns the conflict root at or above path
func rootOf(path string, roots map[string]int) (string, bool) {
	for i := range len(path) {
		if path[i] != '.' {
			continue
		}
		if _, ok := roots[path[:i]]; ok {
			return path[:i], true
		}
	}
	if _, ok := roots[path]; ok {
		return path, true
	}

	return "", false
}

// lookup reads a dotted path out of a nested document
func lookup(document any, path string) any {
	for _, key := range strings.Split(path, ".") {
		switch v := document.(type) {
		case bson.M:
			document = v[key]
		case map[string]any:
			document = v[key]
		case bson.D:
			var next any
			for _, element := range v {
				if element.Key == key {
					next = element.Value
					break
				}
			}
			document = next
		default:
			return nil
		}
	}

	return document
}

// flatten walks nested documents, calling visit with dotted paths for every
// leaf. Arrays and empty documents are leaves.
func flatten(prefix string, value any, visit func(path string, value any)) {
	join := func(key string) string {
		if prefix == "" {
			return key
		}
		return prefix + "." + key
	}

	switch v := value.(type) {
	case bson.M:
		if len(v) == 0 && prefix != "" {
			visit(prefix, v)
			return
		}
		for key, item := range v {
			flatten(join(key), item, visit)
		}
	case map[string]any:
		if len(v) == 0 && prefix != "" {
			visit(prefix, v)
			return
		}
		for key, item := range v {
			flatten(join(key), item, visit)
		}
	case bson.D:
		if len(v) == 0 && prefix != "" {
			visit(prefix, v)
			return
		}
		for _, element := range v {
			flatten(join(element.Key), element.Value, visit)
		}
	default:
		visit(prefix, value)
	}
}

// normaliseNumber widens integers to int64 and floats to float64
func normaliseNumber(value any) (any, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return nil, false
	}
}

func addNumbers(a, b any) any {
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		return ai + bi
	}

	return toFloat(a) + toFloat(b)
}

func toFloat(value any) float64 {
	switch v := value.(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	default:
		return 0
	}
}
