package graph

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// ReadDetectionsCSV reads a frame,x,y,w,h,score table. A leading header
// row is skipped. Every record must have exactly six fields.
func ReadDetectionsCSV(r io.Reader) (*mat.Dense, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var data []float64
	rows := 0
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read detections: %w", err)
		}
		if len(rec) != DetectionColumns {
			return nil, &InvalidShapeError{Rows: rows, Cols: len(rec), WantCols: DetectionColumns}
		}
		if line == 1 && isHeader(rec) {
			continue
		}
		for c, field := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d column %d: %v", ErrInvalidDetection, line, c, err)
			}
			data = append(data, v)
		}
		rows++
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: no detections", ErrInvalidDetection)
	}
	return mat.NewDense(rows, DetectionColumns, data), nil
}

func isHeader(rec []string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
	return err != nil
}
