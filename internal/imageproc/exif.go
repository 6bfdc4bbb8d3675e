package imageproc

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

// ExtractEXIF returns the EXIF tags of data keyed by tag name. Images without
// EXIF, or with EXIF that cannot be parsed, yield an empty map.
func ExtractEXIF(data []byte) (tags map[string]any) {
	tags = map[string]any{}
	defer func() {
		// goexif can panic on truncated IFDs
		if r := recover(); r != nil {
			tags = map[string]any{}
		}
	}()

	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil || x == nil {
		return tags
	}
	w := &exifWalker{tags: tags}
	if err := x.Walk(w); err != nil {
		return map[string]any{}
	}
	return tags
}

type exifWalker struct {
	tags map[string]any
}

func (w *exifWalker) Walk(name exif.FieldName, tag *tiff.Tag) error {
	if tag == nil {
		return nil
	}
	w.tags[string(name)] = tagValue(tag)
	return nil
}

func tagValue(tag *tiff.Tag) any {
	switch tag.Format() {
	case tiff.StringVal:
		s, err := tag.StringVal()
		if err != nil {
			return NormalizeValue(tag.Val)
		}
		return NormalizeValue(strings.TrimRight(s, "\x00"))
	case tiff.UndefVal:
		return NormalizeValue(bytes.TrimRight(tag.Val, "\x00"))
	case tiff.IntVal:
		return collect(tag, func(i int) (any, error) { return tag.Int64(i) })
	case tiff.FloatVal:
		return collect(tag, func(i int) (any, error) { return tag.Float(i) })
	case tiff.RatVal:
		return collect(tag, func(i int) (any, error) {
			num, den, err := tag.Rat2(i)
			if err != nil {
				return nil, err
			}
			if den == 0 {
				return fmt.Sprintf("%d/%d", num, den), nil
			}
			return float64(num) / float64(den), nil
		})
	default:
		return tag.String()
	}
}

// collect reads every component of tag; single-component tags become scalars.
func collect(tag *tiff.Tag, get func(int) (any, error)) any {
	n := int(tag.Count)
	vals := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v, err := get(i)
		if err != nil {
			return tag.String()
		}
		vals = append(vals, NormalizeValue(v))
	}
	if len(vals) == 1 {
		return vals[0]
	}
	return vals
}

// NormalizeValue maps v onto a JSON-friendly value: string, float64, int64,
// bool, nil, []any or map[string]any. Byte slices are decoded as UTF-8 with
// U+FFFD replacement, non-finite floats and anything else are stringified.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if !utf8.ValidString(t) {
			return strings.ToValidUTF8(t, "\uFFFD")
		}
		return t
	case []byte:
		return strings.ToValidUTF8(string(t), "\uFFFD")
	case bool:
		return t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return normalizeUint(uint64(t))
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return normalizeUint(t)
	case float32:
		return normalizeFloat(float64(t))
	case float64:
		return normalizeFloat(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = NormalizeValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = NormalizeValue(e)
		}
		return out
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func normalizeUint(u uint64) any {
	if u > math.MaxInt64 {
		return fmt.Sprint(u)
	}
	return int64(u)
}

func normalizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Sprint(f)
	}
	return f
}
