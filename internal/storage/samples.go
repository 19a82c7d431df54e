package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/san-kum/mdgps/internal/dynamo"
	"gonum.org/v1/gonum/mat"
)

// ReadSamples parses rollouts from CSV. After a header row each row is
// "sample, t, x0..x(dX-1), u0..u(dU-1)". Rows of one sample are contiguous
// with t counting up from 0, and every sample has the same length.
func ReadSamples(r io.Reader, dX, dU int) (dynamo.SampleList, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2 + dX + dU
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%w: no sample rows", dynamo.ErrInsufficientSamples)
	}

	var (
		list    dynamo.SampleList
		xs, us  [][]float64
		current = -1
	)
	flush := func() error {
		if len(xs) == 0 {
			return nil
		}
		x := mat.NewDense(len(xs), dX, nil)
		u := mat.NewDense(len(us), dU, nil)
		for t := range xs {
			x.SetRow(t, xs[t])
			u.SetRow(t, us[t])
		}
		s, err := dynamo.NewSample(x, u, nil)
		if err != nil {
			return err
		}
		list = append(list, s)
		xs, us = nil, nil
		return nil
	}

	for i, row := range rows[1:] {
		line := i + 2
		vals := make([]float64, len(row))
		for j, field := range row {
			if vals[j], err = strconv.ParseFloat(field, 64); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		}
		id, t := int(vals[0]), int(vals[1])
		if id != current {
			if err := flush(); err != nil {
				return nil, err
			}
			current = id
		}
		if t != len(xs) {
			return nil, dynamo.DimensionErrorf("line %d: sample %d expected t=%d, got %d", line, id, len(xs), t)
		}
		xs = append(xs, vals[2:2+dX])
		us = append(us, vals[2+dX:])
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if err := list.Validate(); err != nil {
		return nil, err
	}
	return list, nil
}
