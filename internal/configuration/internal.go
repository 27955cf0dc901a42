package configuration

import (
	"sort"

	"github.com/zclconf/go-cty/cty"
)

// The internal bag holds plugin-private values keyed by string. Values are
// cty values so each key keeps its type; cty values are immutable, which
// makes copying the bag for a snapshot a shallow map copy.

// InternalValue returns the raw value stored under key, or cty.NilVal.
func (c *Configuration) InternalValue(key string) cty.Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.internal[key]
	if !ok {
		return cty.NilVal
	}
	return v
}

// SetInternalValue stores v under key. A null or NilVal value removes the key.
func (c *Configuration) SetInternalValue(key string, v cty.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.IsNull() {
		delete(c.internal, key)
		return
	}
	c.internal[key] = v
}

// InternalKeys returns the sorted keys of the internal bag.
func (c *Configuration) InternalKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.internal))
	for k := range c.internal {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Configuration) InternalString(key string) string {
	return ctyString(c.InternalValue(key))
}

func (c *Configuration) SetInternalString(key, value string) {
	c.SetInternalValue(key, cty.StringVal(value))
}

func (c *Configuration) InternalStrings(key string) []string {
	return ctyStrings(c.InternalValue(key))
}

func (c *Configuration) SetInternalStrings(key string, values []string) {
	c.SetInternalValue(key, stringsVal(values))
}

func (c *Configuration) InternalBool(key string) bool {
	return ctyBool(c.InternalValue(key))
}

func (c *Configuration) SetInternalBool(key string, value bool) {
	c.SetInternalValue(key, cty.BoolVal(value))
}

func (c *Configuration) InternalInt(key string) int {
	return int(ctyInt64(c.InternalValue(key)))
}

func (c *Configuration) SetInternalInt(key string, value int) {
	c.SetInternalValue(key, cty.NumberIntVal(int64(value)))
}

func (c *Configuration) InternalInt64(key string) int64 {
	return ctyInt64(c.InternalValue(key))
}

func (c *Configuration) SetInternalInt64(key string, value int64) {
	c.SetInternalValue(key, cty.NumberIntVal(value))
}

func stringsVal(values []string) cty.Value {
	if len(values) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	vals := make([]cty.Value, len(values))
	for i, s := range values {
		vals[i] = cty.StringVal(s)
	}
	return cty.ListVal(vals)
}

func usable(v cty.Value) bool {
	return !v.IsNull() && v.IsKnown()
}

func ctyString(v cty.Value) string {
	if !usable(v) || !v.Type().Equals(cty.String) {
		return ""
	}
	return v.AsString()
}

func ctyStrings(v cty.Value) []string {
	if !usable(v) {
		return nil
	}
	ty := v.Type()
	if !(ty.IsListType() || ty.IsSetType() || ty.IsTupleType()) {
		return nil
	}
	var out []string
	for _, elem := range v.AsValueSlice() {
		if usable(elem) && elem.Type().Equals(cty.String) {
			out = append(out, elem.AsString())
		}
	}
	return out
}

func ctyBool(v cty.Value) bool {
	if !usable(v) || !v.Type().Equals(cty.Bool) {
		return false
	}
	return v.True()
}

func ctyInt64(v cty.Value) int64 {
	if !usable(v) || !v.Type().Equals(cty.Number) {
		return 0
	}
	i, _ := v.AsBigFloat().Int64()
	return i
}

func copyInternal(in map[string]cty.Value) map[string]cty.Value {
	out := make(map[string]cty.Value, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
