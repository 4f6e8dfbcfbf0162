package chanstats

import (
	"encoding/json"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var tolerance *big.Float

func init() {
	tolerance = big.NewFloat(1.01) //one percent
}

func within(t *testing.T, wanted, got float64, what string) {
	t.Helper()
	w := big.NewFloat(wanted)
	g := big.NewFloat(got)
	if w.Cmp(big.NewFloat(0).Mul(g, tolerance)) > 0 {
		t.Errorf("%s incorrect wanted %f, got %f\n", what, wanted, got)
	}
	if w.Cmp(big.NewFloat(0).Quo(g, tolerance)) < 0 {
		t.Errorf("%s incorrect wanted %f, got %f\n", what, wanted, got)
	}
}

func TestInitialise(t *testing.T) {

	t0 := time.Now()

	s := New(t0)

	assert.Equal(t, t0, s.ConnectedAt)
	assert.Equal(t, uint64(0), s.Rx.Bytes.Count())
	assert.Equal(t, uint64(0), s.Tx.Dt.Count())

	rxm, rxb, txm, txb := s.Totals()
	assert.Zero(t, rxm+rxb+txm+txb)
}

func TestRecord(t *testing.T) {

	t0 := time.Unix(1700000000, 0)

	s := New(t0)

	loadStats(s, t0)

	rxm, rxb, txm, txb := s.Totals()

	assert.Equal(t, uint64(4), rxm)
	assert.Equal(t, uint64(1000), rxb)
	assert.Equal(t, uint64(4), txm)
	assert.Equal(t, uint64(10000), txb)

	assert.Equal(t, 250.0, s.Rx.Bytes.Mean())
	assert.Equal(t, 2500.0, s.Tx.Bytes.Mean())

	within(t, 0.01, s.Rx.Dt.Mean(), "Rx.Dt mean")
	within(t, 0.02, s.Tx.Dt.Mean(), "Tx.Dt mean")
}

func TestReport(t *testing.T) {

	t0 := time.Unix(1700000000, 0)

	s := New(t0)

	never := NewReport(s, t0)
	assert.Equal(t, "never", never.Rx.Last)
	assert.Equal(t, WelfordStats{}, never.Tx.Bytes)

	loadStats(s, t0)

	r := NewReport(s, t0.Add(time.Second))

	assert.Equal(t, 400.0, r.Rx.Bytes.Max)
	assert.Equal(t, uint64(4), r.Tx.Messages)
	within(t, s.Tx.Dt.Stddev(), r.Tx.Dt.Stddev, "Tx.Dt stddev")
	assert.Equal(t, "2023-11-14T22:13:20Z", r.Connected)

	_, err := json.Marshal(r)
	assert.NoError(t, err)
}

func TestFinite(t *testing.T) {
	assert.Equal(t, 0.0, finite(math.NaN()))
	assert.Equal(t, 0.0, finite(math.Inf(1)))
	assert.Equal(t, 1.5, finite(1.5))
}

func loadStats(s *ChanStats, t0 time.Time) {

	rxSizes := []int{100, 200, 300, 400}
	txSizes := []int{1000, 2000, 3000, 4000}
	rxDt := []float64{0.01, 0.011, 0.009, 0.01}
	txDt := []float64{0.02, 0.021, 0.019, 0.02}

	rx, tx := t0, t0

	for i := 0; i < len(rxSizes); i++ {
		rx = rx.Add(time.Duration(rxDt[i] * float64(time.Second)))
		tx = tx.Add(time.Duration(txDt[i] * float64(time.Second)))
		s.RecordRx(rx, rxSizes[i])
		s.RecordTx(tx, txSizes[i])
	}

}
