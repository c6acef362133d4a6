package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
)

// particleRecord is one row of a particle CSV. Coordinates beyond the
// requested dimensionality are ignored; features are space separated.
type particleRecord struct {
	Batch    int     `csv:"batch"`
	X        float32 `csv:"x"`
	Y        float32 `csv:"y"`
	Z        float32 `csv:"z"`
	Features string  `csv:"features"`
}

// instanceRecord places one SDF volume in a batch element.
type instanceRecord struct {
	Batch  int    `csv:"batch"`
	Volume int    `csv:"volume"`
	Pose   string `csv:"pose"`
	Scale  string `csv:"scale"`
}

// outputRecord is one row of operator output.
type outputRecord struct {
	Batch  int    `csv:"batch"`
	Index  int    `csv:"index"`
	Values string `csv:"values"`
}

// collisionRecord is one sorted particle with its neighbor list.
type collisionRecord struct {
	Batch     int     `csv:"batch"`
	Index     int     `csv:"index"`
	Source    int     `csv:"source"`
	Cell      int32   `csv:"cell"`
	X         float32 `csv:"x"`
	Y         float32 `csv:"y"`
	Z         float32 `csv:"z"`
	Neighbors string  `csv:"neighbors"`
}

// particles is a batch of equally sized particle sets.
type particles struct {
	batch, n, dims, channels int

	locs []float32 // batch x n x dims
	data []float32 // batch x n x channels
}

// readParticles decodes a particle CSV. Batch ids must be dense from zero and
// every batch element must hold the same number of particles. Rows without
// features carry a single unit feature.
func readParticles(r io.Reader, dims int) (*particles, error) {
	var records []*particleRecord
	if err := gocsv.Unmarshal(r, &records); err != nil {
		return nil, fmt.Errorf("reading particles: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("reading particles: no rows")
	}

	groups := make(map[int][]*particleRecord)
	for _, rec := range records {
		groups[rec.Batch] = append(groups[rec.Batch], rec)
	}
	p := &particles{batch: len(groups), n: -1, dims: dims, channels: -1}
	for b := 0; b < p.batch; b++ {
		rows, ok := groups[b]
		if !ok {
			return nil, fmt.Errorf("reading particles: batch ids must be dense from 0, missing %d", b)
		}
		if p.n >= 0 && len(rows) != p.n {
			return nil, fmt.Errorf("reading particles: batch %d has %d particles, batch 0 has %d", b, len(rows), p.n)
		}
		p.n = len(rows)

		for i, rec := range rows {
			xyz := [3]float32{rec.X, rec.Y, rec.Z}
			p.locs = append(p.locs, xyz[:dims]...)

			features, err := parseFloats(rec.Features)
			if err != nil {
				return nil, fmt.Errorf("reading particles: batch %d row %d: %w", b, i, err)
			}
			if len(features) == 0 {
				features = []float32{1}
			}
			if p.channels >= 0 && len(features) != p.channels {
				return nil, fmt.Errorf("reading particles: batch %d row %d has %d features, want %d", b, i, len(features), p.channels)
			}
			p.channels = len(features)
			p.data = append(p.data, features...)
		}
	}
	return p, nil
}

// readInstances decodes an instance CSV into per-slot buffers for batch
// elements. Batch elements with fewer instances than the largest one get
// unused slots.
func readInstances(r io.Reader, batch, dims, poseLen int) (idxs, poses, scales []float32, m int, err error) {
	var records []*instanceRecord
	if err := gocsv.Unmarshal(r, &records); err != nil {
		return nil, nil, nil, 0, fmt.Errorf("reading instances: %w", err)
	}

	groups := make([][]*instanceRecord, batch)
	for _, rec := range records {
		if rec.Batch < 0 || rec.Batch >= batch {
			return nil, nil, nil, 0, fmt.Errorf("reading instances: batch %d not in [0, %d)", rec.Batch, batch)
		}
		groups[rec.Batch] = append(groups[rec.Batch], rec)
		m = max(m, len(groups[rec.Batch]))
	}

	idxs = make([]float32, batch*m)
	poses = make([]float32, batch*m*poseLen)
	scales = make([]float32, batch*m*dims)
	for i := range idxs {
		idxs[i] = -1
	}
	for b, rows := range groups {
		for i, rec := range rows {
			k := b*m + i
			pose, err := parseFloats(rec.Pose)
			if err != nil || len(pose) != poseLen {
				return nil, nil, nil, 0, fmt.Errorf("reading instances: batch %d row %d: pose needs %d values", b, i, poseLen)
			}
			scale, err := parseFloats(rec.Scale)
			if err != nil || len(scale) != dims {
				return nil, nil, nil, 0, fmt.Errorf("reading instances: batch %d row %d: scale needs %d values", b, i, dims)
			}
			idxs[k] = float32(rec.Volume)
			copy(poses[k*poseLen:], pose)
			copy(scales[k*dims:], scale)
		}
	}
	return idxs, poses, scales, m, nil
}

func parseFloats(s string) ([]float32, error) {
	fields := strings.Fields(s)
	out := make([]float32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(v)
	}
	return out, nil
}

func formatFloats(v []float32) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(float64(x), 'g', -1, 32)
	}
	return strings.Join(parts, " ")
}

func formatInts(v []int32) string {
	parts := make([]string, 0, len(v))
	for _, x := range v {
		if x < 0 {
			break
		}
		parts = append(parts, strconv.Itoa(int(x)))
	}
	return strings.Join(parts, " ")
}

// outputRecords splits a [batch, n, width] buffer into rows.
func outputRecords(out []float32, batch, n, width int) []*outputRecord {
	records := make([]*outputRecord, 0, batch*n)
	for b := 0; b < batch; b++ {
		for i := 0; i < n; i++ {
			r := b*n + i
			records = append(records, &outputRecord{
				Batch:  b,
				Index:  i,
				Values: formatFloats(out[r*width : (r+1)*width]),
			})
		}
	}
	return records
}
