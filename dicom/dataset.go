// Package dicom implements the DICOM file and data set codec used by the
// acquisition pipeline: streaming decode of Part 10 files and bare data
// sets in the uncompressed little-endian transfer syntaxes, plus re-encode
// of the understood subset.
package dicom

import (
	"strconv"
	"strings"
)

// Element represents a DICOM data element. Value holds the decoded form
// for the element's VR: string for text VRs, typed slices for numeric VRs,
// raw []byte for the opaque byte VRs and sequences.
type Element struct {
	Tag   Tag
	VR    VR
	Value any

	// Undefined marks sequences decoded from undefined-length encoding;
	// Value then holds the item stream verbatim, delimiter included, and
	// re-encoding emits the same framing.
	Undefined bool
}

// Dataset represents a collection of DICOM elements keyed by tag.
type Dataset struct {
	Elements map[Tag]*Element
}

// NewDataset creates a new empty dataset
func NewDataset() *Dataset {
	return &Dataset{Elements: make(map[Tag]*Element)}
}

// Add inserts an element, replacing any previous value for the tag.
func (d *Dataset) Add(tag Tag, vr VR, value any) {
	d.Elements[tag] = &Element{Tag: tag, VR: vr, Value: value}
}

// Get returns an element by tag.
func (d *Dataset) Get(tag Tag) (*Element, bool) {
	el, ok := d.Elements[tag]
	return el, ok
}

// Has reports whether the tag is present.
func (d *Dataset) Has(tag Tag) bool {
	_, ok := d.Elements[tag]
	return ok
}

// SortedTags returns all tags in ascending (group, element) order.
func (d *Dataset) SortedTags() []Tag {
	tags := make([]Tag, 0, len(d.Elements))
	for tag := range d.Elements {
		tags = append(tags, tag)
	}
	for i := 1; i < len(tags); i++ {
		for j := i; j > 0 && tags[j].Less(tags[j-1]); j-- {
			tags[j], tags[j-1] = tags[j-1], tags[j]
		}
	}
	return tags
}

// GetString returns the trimmed string value for a text-VR tag, or "".
func (d *Dataset) GetString(tag Tag) string {
	el, ok := d.Elements[tag]
	if !ok {
		return ""
	}
	if s, ok := el.Value.(string); ok {
		return strings.TrimRight(s, "\x00 ")
	}
	return ""
}

// GetStrings splits a multi-valued text element on backslashes.
func (d *Dataset) GetStrings(tag Tag) []string {
	raw := d.GetString(tag)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, "\\")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// GetInt returns the first integer value of an IS, US, UL, SS or SL
// element. Returns def when the tag is absent or unparseable.
func (d *Dataset) GetInt(tag Tag, def int) int {
	el, ok := d.Elements[tag]
	if !ok {
		return def
	}
	switch v := el.Value.(type) {
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimRight(v, "\x00 ")))
		if err != nil {
			return def
		}
		return n
	case []uint16:
		if len(v) > 0 {
			return int(v[0])
		}
	case []int16:
		if len(v) > 0 {
			return int(v[0])
		}
	case []uint32:
		if len(v) > 0 {
			return int(v[0])
		}
	case []int32:
		if len(v) > 0 {
			return int(v[0])
		}
	}
	return def
}

// GetFloat returns the first decimal value of a DS, FL or FD element.
func (d *Dataset) GetFloat(tag Tag, def float64) float64 {
	vals := d.GetFloats(tag)
	if len(vals) == 0 {
		return def
	}
	return vals[0]
}

// GetFloats returns all decimal values of a DS, FL or FD element. DS
// multi-values are backslash separated per the standard.
func (d *Dataset) GetFloats(tag Tag) []float64 {
	el, ok := d.Elements[tag]
	if !ok {
		return nil
	}
	switch v := el.Value.(type) {
	case string:
		parts := strings.Split(strings.TrimRight(v, "\x00 "), "\\")
		out := make([]float64, 0, len(parts))
		for _, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil
			}
			out = append(out, f)
		}
		return out
	case []float32:
		out := make([]float64, len(v))
		for i, f := range v {
			out[i] = float64(f)
		}
		return out
	case []float64:
		out := make([]float64, len(v))
		copy(out, v)
		return out
	}
	return nil
}
