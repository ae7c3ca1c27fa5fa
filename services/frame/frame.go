// Package frame holds date x symbol matrices used to express trading signals
// and positions before they are handed to the backtest provider.
//
// Rows are trading days (normalized to midnight UTC), columns are stock ids.
// Float frames use NaN for missing values; every comparison involving NaN is
// false, and rolling windows containing NaN produce NaN.
package frame

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// DateLayout is the wire and display format of frame index dates.
const DateLayout = "2006-01-02"

// Day truncates t to its calendar date in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

type axes struct {
	Index   []time.Time
	Columns []string
}

func newAxes(index []time.Time, columns []string) axes {
	idx := make([]time.Time, len(index))
	for i, t := range index {
		idx[i] = Day(t)
	}
	cols := make([]string, len(columns))
	copy(cols, columns)
	return axes{Index: idx, Columns: cols}
}

// Rows returns the number of dates.
func (a axes) Rows() int { return len(a.Index) }

// Cols returns the number of symbols.
func (a axes) Cols() int { return len(a.Columns) }

// ColumnIndex returns the position of column name or -1.
func (a axes) ColumnIndex(name string) int {
	for i, c := range a.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// RowIndex returns the position of date t or -1.
func (a axes) RowIndex(t time.Time) int {
	t = Day(t)
	i := sort.Search(len(a.Index), func(i int) bool { return !a.Index[i].Before(t) })
	if i < len(a.Index) && a.Index[i].Equal(t) {
		return i
	}
	return -1
}

// LastDate returns the last index date, zero for an empty frame.
func (a axes) LastDate() time.Time {
	if len(a.Index) == 0 {
		return time.Time{}
	}
	return a.Index[len(a.Index)-1]
}

func (a axes) sameShape(b axes) bool {
	if len(a.Index) != len(b.Index) || len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Index {
		if !a.Index[i].Equal(b.Index[i]) {
			return false
		}
	}
	for i := range a.Columns {
		if a.Columns[i] != b.Columns[i] {
			return false
		}
	}
	return true
}

// aligner maps receiver coordinates onto another frame's coordinates.
type aligner struct {
	rows []int
	cols []int
}

func align(dst, src axes) aligner {
	al := aligner{rows: make([]int, len(dst.Index)), cols: make([]int, len(dst.Columns))}
	if dst.sameShape(src) {
		for i := range al.rows {
			al.rows[i] = i
		}
		for j := range al.cols {
			al.cols[j] = j
		}
		return al
	}
	rowPos := make(map[time.Time]int, len(src.Index))
	for i, t := range src.Index {
		rowPos[t] = i
	}
	colPos := make(map[string]int, len(src.Columns))
	for j, c := range src.Columns {
		colPos[c] = j
	}
	for i, t := range dst.Index {
		if p, ok := rowPos[t]; ok {
			al.rows[i] = p
		} else {
			al.rows[i] = -1
		}
	}
	for j, c := range dst.Columns {
		if p, ok := colPos[c]; ok {
			al.cols[j] = p
		} else {
			al.cols[j] = -1
		}
	}
	return al
}

// Bool is a boolean date x symbol matrix.
type Bool struct {
	axes
	Data [][]bool
}

// NewBool returns an all-false frame.
func NewBool(index []time.Time, columns []string) *Bool {
	b := &Bool{axes: newAxes(index, columns)}
	b.Data = make([][]bool, len(index))
	for i := range b.Data {
		b.Data[i] = make([]bool, len(columns))
	}
	return b
}

// Clone returns a deep copy.
func (b *Bool) Clone() *Bool {
	out := NewBool(b.Index, b.Columns)
	for i := range b.Data {
		copy(out.Data[i], b.Data[i])
	}
	return out
}

// Get returns the cell at (date, column); missing coordinates read as false.
func (b *Bool) Get(t time.Time, col string) bool {
	i, j := b.RowIndex(t), b.ColumnIndex(col)
	if i < 0 || j < 0 {
		return false
	}
	return b.Data[i][j]
}

// Set writes the cell at (date, column). It reports false for unknown coordinates.
func (b *Bool) Set(t time.Time, col string, v bool) bool {
	i, j := b.RowIndex(t), b.ColumnIndex(col)
	if i < 0 || j < 0 {
		return false
	}
	b.Data[i][j] = v
	return true
}

func (b *Bool) aligned(other *Bool) [][]bool {
	al := align(b.axes, other.axes)
	out := make([][]bool, len(b.Index))
	for i := range out {
		out[i] = make([]bool, len(b.Columns))
		r := al.rows[i]
		if r < 0 {
			continue
		}
		for j := range out[i] {
			if c := al.cols[j]; c >= 0 {
				out[i][j] = other.Data[r][c]
			}
		}
	}
	return out
}

func (b *Bool) zip(other *Bool, fn func(x, y bool) bool) *Bool {
	rhs := b.aligned(other)
	out := NewBool(b.Index, b.Columns)
	for i := range b.Data {
		for j := range b.Data[i] {
			out.Data[i][j] = fn(b.Data[i][j], rhs[i][j])
		}
	}
	return out
}

// And is the cell-wise conjunction, aligned on the receiver's axes.
func (b *Bool) And(other *Bool) *Bool {
	return b.zip(other, func(x, y bool) bool { return x && y })
}

// Or is the cell-wise disjunction, aligned on the receiver's axes.
func (b *Bool) Or(other *Bool) *Bool {
	return b.zip(other, func(x, y bool) bool { return x || y })
}

// Not negates every cell.
func (b *Bool) Not() *Bool {
	out := NewBool(b.Index, b.Columns)
	for i := range b.Data {
		for j, v := range b.Data[i] {
			out.Data[i][j] = !v
		}
	}
	return out
}

// Shift moves rows down by n (up for negative n); vacated rows are false.
func (b *Bool) Shift(n int) *Bool {
	out := NewBool(b.Index, b.Columns)
	for i := range out.Data {
		src := i - n
		if src < 0 || src >= len(b.Data) {
			continue
		}
		copy(out.Data[i], b.Data[src])
	}
	return out
}

// Streak counts, per column, consecutive true days ending at each row.
func (b *Bool) Streak() *Float {
	out := NewFloat(b.Index, b.Columns)
	for j := range b.Columns {
		run := 0
		for i := range b.Data {
			if b.Data[i][j] {
				run++
			} else {
				run = 0
			}
			out.Data[i][j] = float64(run)
		}
	}
	return out
}

// RollingMean is the share of true days over a full window of w rows.
func (b *Bool) RollingMean(w int) *Float {
	f := NewFloat(b.Index, b.Columns)
	for i := range b.Data {
		for j, v := range b.Data[i] {
			if v {
				f.Data[i][j] = 1
			} else {
				f.Data[i][j] = 0
			}
		}
	}
	return f.RollingMean(w)
}

// HoldUntil turns entry/exit signals into a holding position. A held column
// is released on the first exit day and is flat on that day. Exit wins over
// entry on the same day: a held column with both signals is released, and a
// flat column with both stays flat. Re-entry needs an entry on a later day
// without an exit.
func (b *Bool) HoldUntil(exit *Bool) *Bool {
	ex := b.aligned(exit)
	out := NewBool(b.Index, b.Columns)
	for j := range b.Columns {
		holding := false
		for i := range b.Data {
			switch {
			case holding && ex[i][j]:
				holding = false
			case !holding && b.Data[i][j] && !ex[i][j]:
				holding = true
			}
			out.Data[i][j] = holding
		}
	}
	return out
}

// From returns the rows dated on or after t.
func (b *Bool) From(t time.Time) *Bool {
	t = Day(t)
	start := sort.Search(len(b.Index), func(i int) bool { return !b.Index[i].Before(t) })
	out := NewBool(b.Index[start:], b.Columns)
	for i := range out.Data {
		copy(out.Data[i], b.Data[start+i])
	}
	return out
}

// MaskRows clears every row whose date fails keep.
func (b *Bool) MaskRows(keep func(time.Time) bool) *Bool {
	out := b.Clone()
	for i, t := range out.Index {
		if keep(t) {
			continue
		}
		for j := range out.Data[i] {
			out.Data[i][j] = false
		}
	}
	return out
}

// ReindexColumns reorders to columns; unknown columns are false.
func (b *Bool) ReindexColumns(columns []string) *Bool {
	out := NewBool(b.Index, columns)
	pos := make(map[string]int, len(b.Columns))
	for j, c := range b.Columns {
		pos[c] = j
	}
	for j, c := range out.Columns {
		src, ok := pos[c]
		if !ok {
			continue
		}
		for i := range out.Data {
			out.Data[i][j] = b.Data[i][src]
		}
	}
	return out
}

// ResampleDaily expands the index to every calendar day between the first
// date and max(last date, until), forward-filling rows.
func (b *Bool) ResampleDaily(until time.Time) *Bool {
	if len(b.Index) == 0 {
		return b.Clone()
	}
	end := b.LastDate()
	if u := Day(until); u.After(end) {
		end = u
	}
	var days []time.Time
	for d := b.Index[0]; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	out := NewBool(days, b.Columns)
	src := 0
	for i, d := range days {
		for src+1 < len(b.Index) && !b.Index[src+1].After(d) {
			src++
		}
		copy(out.Data[i], b.Data[src])
	}
	return out
}

// Cap keeps, per row, only the first n true columns in column order.
func (b *Bool) Cap(n int) *Bool {
	out := NewBool(b.Index, b.Columns)
	for i := range b.Data {
		kept := 0
		for j, v := range b.Data[i] {
			if !v || kept >= n {
				continue
			}
			out.Data[i][j] = true
			kept++
		}
	}
	return out
}

// OnlyColumn keeps one column's values and clears every other column.
func (b *Bool) OnlyColumn(col string) *Bool {
	out := NewBool(b.Index, b.Columns)
	j := b.ColumnIndex(col)
	if j < 0 {
		return out
	}
	for i := range b.Data {
		out.Data[i][j] = b.Data[i][j]
	}
	return out
}

// ActiveColumns lists the columns that are true on at least one row.
func (b *Bool) ActiveColumns() []string {
	var cols []string
	for j, c := range b.Columns {
		for i := range b.Data {
			if b.Data[i][j] {
				cols = append(cols, c)
				break
			}
		}
	}
	return cols
}

// TrueAt lists the true columns of row i.
func (b *Bool) TrueAt(i int) []string {
	if i < 0 || i >= len(b.Data) {
		return nil
	}
	var cols []string
	for j, v := range b.Data[i] {
		if v {
			cols = append(cols, b.Columns[j])
		}
	}
	return cols
}

// CountTrue returns the number of true rows in column col.
func (b *Bool) CountTrue(col string) int {
	j := b.ColumnIndex(col)
	if j < 0 {
		return 0
	}
	n := 0
	for i := range b.Data {
		if b.Data[i][j] {
			n++
		}
	}
	return n
}

// Float is a numeric date x symbol matrix.
type Float struct {
	axes
	Data [][]float64
}

// NewFloat returns a frame filled with NaN.
func NewFloat(index []time.Time, columns []string) *Float {
	f := &Float{axes: newAxes(index, columns)}
	f.Data = make([][]float64, len(index))
	for i := range f.Data {
		row := make([]float64, len(columns))
		for j := range row {
			row[j] = math.NaN()
		}
		f.Data[i] = row
	}
	return f
}

// Get returns the cell at (date, column) or NaN.
func (f *Float) Get(t time.Time, col string) float64 {
	i, j := f.RowIndex(t), f.ColumnIndex(col)
	if i < 0 || j < 0 {
		return math.NaN()
	}
	return f.Data[i][j]
}

func (f *Float) aligned(other *Float) [][]float64 {
	al := align(f.axes, other.axes)
	out := make([][]float64, len(f.Index))
	for i := range out {
		out[i] = make([]float64, len(f.Columns))
		r := al.rows[i]
		for j := range out[i] {
			c := al.cols[j]
			if r < 0 || c < 0 {
				out[i][j] = math.NaN()
				continue
			}
			out[i][j] = other.Data[r][c]
		}
	}
	return out
}

// Compare applies fn cell-wise against other; NaN on either side yields false.
func (f *Float) Compare(other *Float, fn func(x, y float64) bool) *Bool {
	rhs := f.aligned(other)
	out := NewBool(f.Index, f.Columns)
	for i := range f.Data {
		for j, x := range f.Data[i] {
			y := rhs[i][j]
			if math.IsNaN(x) || math.IsNaN(y) {
				continue
			}
			out.Data[i][j] = fn(x, y)
		}
	}
	return out
}

// CompareScalar applies fn against a constant; NaN cells yield false.
func (f *Float) CompareScalar(v float64, fn func(x, y float64) bool) *Bool {
	out := NewBool(f.Index, f.Columns)
	for i := range f.Data {
		for j, x := range f.Data[i] {
			if math.IsNaN(x) {
				continue
			}
			out.Data[i][j] = fn(x, v)
		}
	}
	return out
}

// Comparison helpers for Compare and CompareScalar.
func Gt(x, y float64) bool { return x > y }
func Ge(x, y float64) bool { return x >= y }
func Lt(x, y float64) bool { return x < y }
func Le(x, y float64) bool { return x <= y }

// Scale multiplies every cell by k.
func (f *Float) Scale(k float64) *Float {
	out := NewFloat(f.Index, f.Columns)
	for i := range f.Data {
		for j, x := range f.Data[i] {
			out.Data[i][j] = x * k
		}
	}
	return out
}

// Shift moves rows down by n (up for negative n); vacated rows are NaN.
func (f *Float) Shift(n int) *Float {
	out := NewFloat(f.Index, f.Columns)
	for i := range out.Data {
		src := i - n
		if src < 0 || src >= len(f.Data) {
			continue
		}
		copy(out.Data[i], f.Data[src])
	}
	return out
}

func (f *Float) rolling(w int, agg func([]float64) float64) *Float {
	out := NewFloat(f.Index, f.Columns)
	if w <= 0 {
		return out
	}
	window := make([]float64, w)
	for j := range f.Columns {
		for i := w - 1; i < len(f.Data); i++ {
			complete := true
			for k := 0; k < w; k++ {
				v := f.Data[i-w+1+k][j]
				if math.IsNaN(v) {
					complete = false
					break
				}
				window[k] = v
			}
			if complete {
				out.Data[i][j] = agg(window)
			}
		}
	}
	return out
}

// RollingMean averages a full window of w rows.
func (f *Float) RollingMean(w int) *Float {
	return f.rolling(w, func(xs []float64) float64 {
		sum := 0.0
		for _, x := range xs {
			sum += x
		}
		return sum / float64(len(xs))
	})
}

// RollingMax takes the maximum over a full window of w rows.
func (f *Float) RollingMax(w int) *Float {
	return f.rolling(w, func(xs []float64) float64 {
		m := xs[0]
		for _, x := range xs[1:] {
			if x > m {
				m = x
			}
		}
		return m
	})
}

// ReindexColumns reorders to columns; unknown columns are NaN.
func (f *Float) ReindexColumns(columns []string) *Float {
	out := NewFloat(f.Index, columns)
	pos := make(map[string]int, len(f.Columns))
	for j, c := range f.Columns {
		pos[c] = j
	}
	for j, c := range out.Columns {
		src, ok := pos[c]
		if !ok {
			continue
		}
		for i := range out.Data {
			out.Data[i][j] = f.Data[i][src]
		}
	}
	return out
}

// PositiveCount counts, per cell, how many of the frames are strictly positive.
func PositiveCount(frames ...*Float) *Float {
	if len(frames) == 0 {
		return nil
	}
	base := frames[0]
	out := NewFloat(base.Index, base.Columns)
	for i := range out.Data {
		for j := range out.Data[i] {
			out.Data[i][j] = 0
		}
	}
	for _, fr := range frames {
		vals := base.aligned(fr)
		for i := range vals {
			for j, v := range vals[i] {
				if !math.IsNaN(v) && v > 0 {
					out.Data[i][j]++
				}
			}
		}
	}
	return out
}
