package frame

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// wireFrame is the provider's column-oriented JSON layout:
// {"index": ["2024-01-02", ...], "columns": ["2330", ...], "data": [[...], ...]}
// where data is row-major and missing floats are null.
type wireFrame[T any] struct {
	Index   []string `json:"index"`
	Columns []string `json:"columns"`
	Data    [][]T    `json:"data"`
}

func encodeIndex(idx []time.Time) []string {
	out := make([]string, len(idx))
	for i, t := range idx {
		out[i] = t.Format(DateLayout)
	}
	return out
}

func decodeIndex(raw []string) ([]time.Time, error) {
	out := make([]time.Time, len(raw))
	for i, s := range raw {
		t, err := ParseDay(s)
		if err != nil {
			return nil, err
		}
		if i > 0 && !t.After(out[i-1]) {
			return nil, fmt.Errorf("index not strictly increasing at %s", s)
		}
		out[i] = t
	}
	return out, nil
}

func checkShape(rows, cols int, data int, width func(int) int) error {
	if data != rows {
		return fmt.Errorf("frame has %d index dates but %d data rows", rows, data)
	}
	for i := 0; i < rows; i++ {
		if w := width(i); w != cols {
			return fmt.Errorf("row %d has %d values, want %d", i, w, cols)
		}
	}
	return nil
}

func (b *Bool) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireFrame[bool]{
		Index:   encodeIndex(b.Index),
		Columns: b.Columns,
		Data:    b.Data,
	})
}

func (b *Bool) UnmarshalJSON(p []byte) error {
	var w wireFrame[*bool]
	if err := json.Unmarshal(p, &w); err != nil {
		return err
	}
	idx, err := decodeIndex(w.Index)
	if err != nil {
		return err
	}
	if err := checkShape(len(idx), len(w.Columns), len(w.Data), func(i int) int { return len(w.Data[i]) }); err != nil {
		return err
	}
	out := NewBool(idx, w.Columns)
	for i, row := range w.Data {
		for j, v := range row {
			out.Data[i][j] = v != nil && *v
		}
	}
	*b = *out
	return nil
}

func (f *Float) MarshalJSON() ([]byte, error) {
	data := make([][]*float64, len(f.Data))
	for i, row := range f.Data {
		data[i] = make([]*float64, len(row))
		for j := range row {
			if !math.IsNaN(row[j]) && !math.IsInf(row[j], 0) {
				data[i][j] = &row[j]
			}
		}
	}
	return json.Marshal(wireFrame[*float64]{
		Index:   encodeIndex(f.Index),
		Columns: f.Columns,
		Data:    data,
	})
}

func (f *Float) UnmarshalJSON(p []byte) error {
	var w wireFrame[*float64]
	if err := json.Unmarshal(p, &w); err != nil {
		return err
	}
	idx, err := decodeIndex(w.Index)
	if err != nil {
		return err
	}
	if err := checkShape(len(idx), len(w.Columns), len(w.Data), func(i int) int { return len(w.Data[i]) }); err != nil {
		return err
	}
	out := NewFloat(idx, w.Columns)
	for i, row := range w.Data {
		for j, v := range row {
			if v != nil {
				out.Data[i][j] = *v
			}
		}
	}
	*f = *out
	return nil
}
