package codec

// lcsLimit bounds the LCS table for list diffs. Larger middles fall back to delete-all then insert-all.
const lcsLimit = 1 << 20

// Diff computes a patch sequence that turns old into new when applied in order with ApplyAll.
func Diff(old, new any) []Patch {
	var out []Patch
	diffAt(nil, old, new, &out)
	return out
}

func sameKind(a, b any) bool {
	switch a.(type) {
	case map[string]any:
		_, ok := b.(map[string]any)
		return ok
	case []any:
		_, ok := b.([]any)
		return ok
	}
	return false
}

func diffAt(path Path, old, new any, out *[]Patch) {
	if Equal(old, new) {
		return
	}
	switch o := old.(type) {
	case map[string]any:
		if n, ok := new.(map[string]any); ok {
			diffMap(path, o, n, out)
			return
		}
	case []any:
		if n, ok := new.([]any); ok {
			diffList(path, o, n, out)
			return
		}
	}
	*out = append(*out, Patch{Op: OpSet, Path: path, Value: Clone(new)})
}

func diffMap(path Path, old, new map[string]any, out *[]Patch) {
	for _, k := range SortedKeys(old) {
		if _, ok := new[k]; !ok {
			*out = append(*out, Patch{Op: OpDelete, Path: path.Append(k)})
		}
	}
	for _, k := range SortedKeys(new) {
		ov, ok := old[k]
		if !ok {
			*out = append(*out, Patch{Op: OpSet, Path: path.Append(k), Value: Clone(new[k])})
			continue
		}
		diffAt(path.Append(k), ov, new[k], out)
	}
}

func diffList(path Path, old, new []any, out *[]Patch) {
	p := 0
	for p < len(old) && p < len(new) && Equal(old[p], new[p]) {
		p++
	}
	s := 0
	for s < len(old)-p && s < len(new)-p && Equal(old[len(old)-1-s], new[len(new)-1-s]) {
		s++
	}
	om, nm := old[p:len(old)-s], new[p:len(new)-s]

	if len(om) == len(nm) {
		n := len(om)
		if n >= 2 {
			if Equal(om[0], nm[n-1]) && Equal(om[1:], nm[:n-1]) {
				*out = append(*out, Patch{Op: OpMove, Path: path.Append(p), To: p + n - 1})
				return
			}
			if Equal(om[n-1], nm[0]) && Equal(om[:n-1], nm[1:]) {
				*out = append(*out, Patch{Op: OpMove, Path: path.Append(p + n - 1), To: p})
				return
			}
		}
		for i := range om {
			if Equal(om[i], nm[i]) {
				continue
			}
			if sameKind(om[i], nm[i]) {
				diffAt(path.Append(p+i), om[i], nm[i], out)
			} else {
				*out = append(*out, Patch{Op: OpSet, Path: path.Append(p + i), Value: Clone(nm[i])})
			}
		}
		return
	}

	keepOld, keepNew := lcs(om, nm)
	for i := len(om) - 1; i >= 0; i-- {
		if !keepOld[i] {
			*out = append(*out, Patch{Op: OpDelete, Path: path.Append(p + i)})
		}
	}
	for j := range nm {
		if !keepNew[j] {
			*out = append(*out, Patch{Op: OpInsert, Path: path.Append(p + j), Value: Clone(nm[j])})
		}
	}
}

// lcs marks the elements of a and b that belong to one longest common subsequence.
func lcs(a, b []any) (keepA, keepB []bool) {
	keepA, keepB = make([]bool, len(a)), make([]bool, len(b))
	if len(a) == 0 || len(b) == 0 || (len(a)+1)*(len(b)+1) > lcsLimit {
		return keepA, keepB
	}
	w := len(b) + 1
	table := make([]int, (len(a)+1)*w)
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if Equal(a[i], b[j]) {
				table[i*w+j] = table[(i+1)*w+j+1] + 1
			} else if table[(i+1)*w+j] >= table[i*w+j+1] {
				table[i*w+j] = table[(i+1)*w+j]
			} else {
				table[i*w+j] = table[i*w+j+1]
			}
		}
	}
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case Equal(a[i], b[j]):
			keepA[i], keepB[j] = true, true
			i++
			j++
		case table[(i+1)*w+j] >= table[i*w+j+1]:
			i++
		default:
			j++
		}
	}
	return keepA, keepB
}
