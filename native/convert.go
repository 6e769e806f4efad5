package native

import (
	"fmt"
	"strconv"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// paramValue reads the current value of a parameter bind.
func paramValue(b Bind) (any, error) {
	if b.IsNull != nil && *b.IsNull {
		return nil, nil
	}
	switch p := b.Buffer.(type) {
	case nil:
		return nil, nil
	case *int64:
		return *p, nil
	case *float64:
		return *p, nil
	case *bool:
		return *p, nil
	case *string:
		return *p, nil
	case *[]byte:
		if b.Length != nil && *b.Length <= len(*p) {
			return (*p)[:*b.Length], nil
		}
		return *p, nil
	case *time.Time:
		return *p, nil
	default:
		return nil, fmt.Errorf("native: unsupported parameter buffer %T", b.Buffer)
	}
}

func paramValues(binds []Bind) ([]any, error) {
	args := make([]any, len(binds))
	for i, b := range binds {
		v, err := paramValue(b)
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}

// assign copies a driver value into a result bind. It reports whether a
// variable-length value was truncated to the buffer's capacity.
func assign(b Bind, v any) (bool, error) {
	if b.Error != nil {
		*b.Error = false
	}
	if b.IsNull != nil {
		*b.IsNull = v == nil
	}
	if v == nil {
		if b.Length != nil {
			*b.Length = 0
		}
		if p, ok := b.Buffer.(*[]byte); ok {
			*p = (*p)[:0]
		}
		return false, nil
	}

	switch p := b.Buffer.(type) {
	case *int64:
		n, err := toInt64(v)
		if err != nil {
			return false, err
		}
		*p = n
	case *float64:
		f, err := toFloat64(v)
		if err != nil {
			return false, err
		}
		*p = f
	case *bool:
		n, err := toInt64(v)
		if err != nil {
			return false, err
		}
		*p = n != 0
	case *string:
		s := toString(v)
		*p = s
		if b.Length != nil {
			*b.Length = len(s)
		}
	case *[]byte:
		src := toBytes(v)
		if b.Length != nil {
			*b.Length = len(src)
		}
		buf := (*p)[:cap(*p)]
		n := copy(buf, src)
		*p = buf[:n]
		if n < len(src) {
			if b.Error != nil {
				*b.Error = true
			}
			return true, nil
		}
	case *time.Time:
		t, err := toTime(v)
		if err != nil {
			return false, err
		}
		*p = t
	default:
		return false, fmt.Errorf("native: unsupported result buffer %T", b.Buffer)
	}
	return false, nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case string:
		return strconv.ParseInt(x, 10, 64)
	case time.Time:
		return x.Unix(), nil
	}
	return 0, fmt.Errorf("native: cannot convert %T to int64", v)
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case []byte:
		return strconv.ParseFloat(string(x), 64)
	case string:
		return strconv.ParseFloat(x, 64)
	}
	return 0, fmt.Errorf("native: cannot convert %T to float64", v)
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

func toBytes(v any) []byte {
	switch x := v.(type) {
	case []byte:
		return x
	case string:
		return []byte(x)
	default:
		return []byte(toString(v))
	}
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case int64:
		return time.Unix(x, 0).UTC(), nil
	case []byte:
		return parseTime(string(x))
	case string:
		return parseTime(x)
	}
	return time.Time{}, fmt.Errorf("native: cannot convert %T to time.Time", v)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("native: cannot parse %q as time", s)
}
