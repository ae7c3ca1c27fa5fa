package frame

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func days(start string, n int) []time.Time {
	t, _ := ParseDay(start)
	out := make([]time.Time, n)
	for i := range out {
		out[i] = t.AddDate(0, 0, i)
	}
	return out
}

func boolFrame(start string, cols []string, rows ...[]bool) *Bool {
	b := NewBool(days(start, len(rows)), cols)
	for i, r := range rows {
		copy(b.Data[i], r)
	}
	return b
}

func floatColumn(start string, vals ...float64) *Float {
	f := NewFloat(days(start, len(vals)), []string{"A"})
	for i, v := range vals {
		f.Data[i][0] = v
	}
	return f
}

func column(f *Float) []float64 {
	out := make([]float64, f.Rows())
	for i := range f.Data {
		out[i] = f.Data[i][0]
	}
	return out
}

func TestRowIndexAndDay(t *testing.T) {
	b := NewBool(days("2024-03-01", 3), []string{"A"})
	assert.Equal(t, 1, b.RowIndex(time.Date(2024, 3, 2, 13, 30, 0, 0, time.UTC)))
	assert.Equal(t, -1, b.RowIndex(time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2024-03-03", b.LastDate().Format(DateLayout))
	assert.Equal(t, -1, b.ColumnIndex("B"))
}

func TestBoolLogicAlignsOnReceiver(t *testing.T) {
	a := boolFrame("2024-01-01", []string{"A", "B"}, []bool{true, true}, []bool{false, true})
	b := boolFrame("2024-01-02", []string{"B"}, []bool{true})

	and := a.And(b)
	assert.Equal(t, [][]bool{{false, false}, {false, true}}, and.Data)

	or := a.Or(b)
	assert.Equal(t, [][]bool{{true, true}, {false, true}}, or.Data)

	assert.Equal(t, [][]bool{{false, false}, {true, false}}, a.Not().Data)
}

func TestShift(t *testing.T) {
	b := boolFrame("2024-01-01", []string{"A"}, []bool{true}, []bool{false}, []bool{true})
	assert.Equal(t, [][]bool{{false}, {true}, {false}}, b.Shift(1).Data)
	assert.Equal(t, [][]bool{{false}, {true}, {false}}, b.Shift(-1).Data)

	f := floatColumn("2024-01-01", 1, 2, 3)
	got := column(f.Shift(1))
	assert.True(t, math.IsNaN(got[0]))
	assert.Equal(t, []float64{1, 2}, got[1:])
}

func TestStreak(t *testing.T) {
	b := boolFrame("2024-01-01", []string{"A"},
		[]bool{true}, []bool{true}, []bool{false}, []bool{true})
	assert.Equal(t, []float64{1, 2, 0, 1}, column(b.Streak()))
}

func TestRollingRequiresFullWindow(t *testing.T) {
	f := floatColumn("2024-01-01", 1, 3, math.NaN(), 5, 7, 9)

	mean := column(f.RollingMean(2))
	assert.True(t, math.IsNaN(mean[0]))
	assert.Equal(t, 2.0, mean[1])
	assert.True(t, math.IsNaN(mean[2]))
	assert.True(t, math.IsNaN(mean[3]))
	assert.Equal(t, []float64{6, 8}, mean[4:])

	high := column(f.RollingMax(3))
	assert.True(t, math.IsNaN(high[4]))
	assert.Equal(t, 9.0, high[5])
}

func TestBoolRollingMean(t *testing.T) {
	b := boolFrame("2024-01-01", []string{"A"},
		[]bool{true}, []bool{false}, []bool{true}, []bool{true})
	got := column(b.RollingMean(2))
	assert.True(t, math.IsNaN(got[0]))
	assert.Equal(t, []float64{0.5, 0.5, 1}, got[1:])
}

func TestCompareTreatsNaNAsFalse(t *testing.T) {
	a := floatColumn("2024-01-01", 1, math.NaN(), 5)
	b := floatColumn("2024-01-01", 0, 1, 6)

	assert.Equal(t, [][]bool{{true}, {false}, {false}}, a.Compare(b, Gt).Data)
	assert.Equal(t, [][]bool{{false}, {false}, {true}}, a.Compare(b, Lt).Data)
	assert.Equal(t, [][]bool{{false}, {false}, {true}}, a.CompareScalar(5, Ge).Data)
	assert.Equal(t, [][]bool{{true}, {false}, {true}}, a.CompareScalar(5, Le).Data)
	assert.Equal(t, []float64{2, 10}, []float64{a.Scale(2).Data[0][0], a.Scale(2).Data[2][0]})
}

func TestHoldUntil(t *testing.T) {
	entry := boolFrame("2024-01-01", []string{"A"},
		[]bool{true}, []bool{false}, []bool{true}, []bool{false}, []bool{true}, []bool{false})
	exit := boolFrame("2024-01-01", []string{"A"},
		[]bool{false}, []bool{false}, []bool{false}, []bool{true}, []bool{true}, []bool{false})

	got := entry.HoldUntil(exit)
	assert.Equal(t, [][]bool{{true}, {true}, {true}, {false}, {false}, {false}}, got.Data)
}

func TestHoldUntilExitWinsSameDay(t *testing.T) {
	// day 1 enters, day 2 has both while held, day 3 has both while flat,
	// day 4 re-enters.
	entry := boolFrame("2024-01-01", []string{"A"},
		[]bool{true}, []bool{true}, []bool{true}, []bool{true}, []bool{false})
	exit := boolFrame("2024-01-01", []string{"A"},
		[]bool{false}, []bool{true}, []bool{true}, []bool{false}, []bool{false})

	got := entry.HoldUntil(exit)
	assert.Equal(t, [][]bool{{true}, {false}, {false}, {true}, {true}}, got.Data)
}

func TestFromAndMaskRows(t *testing.T) {
	b := boolFrame("2024-01-05", []string{"A"}, []bool{true}, []bool{true}, []bool{true})
	from, _ := ParseDay("2024-01-06")
	sliced := b.From(from)
	require.Equal(t, 2, sliced.Rows())
	assert.Equal(t, "2024-01-06", sliced.Index[0].Format(DateLayout))

	// keep only Fridays
	masked := b.MaskRows(func(t time.Time) bool { return t.Weekday() == time.Friday })
	assert.Equal(t, [][]bool{{true}, {false}, {false}}, masked.Data)
	assert.True(t, b.Data[1][0], "receiver must not be modified")
}

func TestReindexColumns(t *testing.T) {
	b := boolFrame("2024-01-01", []string{"A", "B"}, []bool{true, false})
	got := b.ReindexColumns([]string{"C", "B", "A"})
	assert.Equal(t, []string{"C", "B", "A"}, got.Columns)
	assert.Equal(t, [][]bool{{false, false, true}}, got.Data)

	f := floatColumn("2024-01-01", 4).ReindexColumns([]string{"A", "Z"})
	assert.Equal(t, 4.0, f.Data[0][0])
	assert.True(t, math.IsNaN(f.Data[0][1]))
}

func TestResampleDailyForwardFills(t *testing.T) {
	idx := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC),
	}
	b := NewBool(idx, []string{"A", "B"})
	b.Data[0] = []bool{true, false}
	b.Data[1] = []bool{false, true}

	got := b.ResampleDaily(time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC))
	require.Equal(t, 6, got.Rows())
	assert.Equal(t, [][]bool{
		{true, false}, {true, false}, {true, false},
		{false, true}, {false, true}, {false, true},
	}, got.Data)

	assert.Equal(t, 4, b.ResampleDaily(time.Time{}).Rows())
}

func TestCapKeepsFirstColumns(t *testing.T) {
	b := boolFrame("2024-01-01", []string{"A", "B", "C"},
		[]bool{true, true, true}, []bool{false, true, true})
	got := b.Cap(2)
	assert.Equal(t, [][]bool{{true, true, false}, {false, true, true}}, got.Data)
}

func TestColumnQueries(t *testing.T) {
	b := boolFrame("2024-01-01", []string{"A", "B", "C"},
		[]bool{false, true, false}, []bool{false, true, true})
	assert.Equal(t, []string{"B", "C"}, b.ActiveColumns())
	assert.Equal(t, []string{"B", "C"}, b.TrueAt(1))
	assert.Nil(t, b.TrueAt(5))
	assert.Equal(t, 2, b.CountTrue("B"))
	assert.Equal(t, 0, b.CountTrue("Z"))

	only := b.OnlyColumn("C")
	assert.Equal(t, [][]bool{{false, false, false}, {false, false, true}}, only.Data)
}

func TestPositiveCount(t *testing.T) {
	a := floatColumn("2024-01-01", 1, -1, math.NaN())
	b := floatColumn("2024-01-01", 2, 3, 4)
	c := floatColumn("2024-01-01", 0, 5, 6)
	assert.Equal(t, []float64{2, 2, 2}, column(PositiveCount(a, b, c)))
}

func TestJSONRoundTripKeepsMissingValues(t *testing.T) {
	f := floatColumn("2024-01-01", 1.5, math.NaN())
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"index":["2024-01-01","2024-01-02"],"columns":["A"],"data":[[1.5],[null]]}`, string(raw))

	var back Float
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, 1.5, back.Data[0][0])
	assert.True(t, math.IsNaN(back.Data[1][0]))
}

func TestUnmarshalRejectsBadShapes(t *testing.T) {
	var b Bool
	assert.Error(t, json.Unmarshal([]byte(`{"index":["2024-01-01"],"columns":["A"],"data":[]}`), &b))
	assert.Error(t, json.Unmarshal([]byte(`{"index":["2024-01-01"],"columns":["A","B"],"data":[[true]]}`), &b))
	assert.Error(t, json.Unmarshal([]byte(`{"index":["2024-01-02","2024-01-01"],"columns":[],"data":[[],[]]}`), &b))
	require.NoError(t, json.Unmarshal([]byte(`{"index":["2024-01-01"],"columns":["A"],"data":[[null]]}`), &b))
	assert.False(t, b.Data[0][0])
}
