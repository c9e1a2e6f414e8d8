package main

import (
	"testing"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/data"
	"github.com/apache/arrow-go/v18/arrow/array"
)

func TestSampleTableLengthsCoverValues(t *testing.T) {
	for _, rows := range []int{1, 2, 7, 1000} {
		tbl, err := sampleTable(data.NewCodec(), rows)
		if err != nil {
			t.Fatalf("sampleTable(%d) failed: %v", rows, err)
		}

		if tbl.NumRows() != int64(rows) {
			t.Errorf("Expected %d rows, got %d", rows, tbl.NumRows())
		}

		var sum int64
		for _, chunk := range tbl.Column(1).Data().Chunks() {
			for _, n := range chunk.(*array.Int64).Int64Values() {
				if n < 0 {
					t.Fatalf("negative length %d", n)
				}
				sum += n
			}
		}
		if sum != int64(rows) {
			t.Errorf("Lengths sum to %d, expected %d", sum, rows)
		}
		tbl.Release()
	}
}
