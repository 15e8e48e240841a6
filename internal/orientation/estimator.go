// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"github.com/relabs-tech/muvbox/internal/buffer"
	"github.com/relabs-tech/muvbox/internal/imu"
)

// Estimator fuses newly appended samples into orientation records.
// Each sample is consumed exactly once: after Update, out.Len() == in.Len().
type Estimator struct {
	filter *Madgwick
	marg   bool
}

// NewEstimator returns an estimator using a Madgwick filter with the given gain.
func NewEstimator(gain float64) *Estimator {
	return &Estimator{filter: NewMadgwick(gain)}
}

// UseMagnetometer selects MARG fusion. Update then fails with
// ErrNoMagnetometer, since no sample carries magnetometer data.
func (e *Estimator) UseMagnetometer(on bool) {
	e.marg = on
}

// Magnetometer reports whether MARG fusion is selected.
func (e *Estimator) Magnetometer() bool {
	return e.marg
}

// Update processes in[out.Len():] one sample at a time and returns the number
// of records appended. The first record is the identity at the first
// sample's time.
func (e *Estimator) Update(in *buffer.Buffer[imu.Sample], out *buffer.Buffer[Sample]) (int, error) {
	total := in.Len()
	if total == 0 {
		return 0, nil
	}

	added := 0
	if out.Len() == 0 {
		first := in.At(0)
		out.Append(Sample{Time: first.Time, Q: Identity})
		added++
	}

	done := out.Len()
	if done >= total {
		return added, nil
	}

	// One sample of history is needed for dt.
	pending := in.Range(done-1, total)
	prev, ok := out.Last()
	if !ok {
		return added, nil
	}
	q := prev.Q

	for i := 1; i < len(pending); i++ {
		s := pending[i]
		dt := s.Time - pending[i-1].Time
		if dt < 0 {
			dt = 0
		}

		if e.marg {
			var err error
			q, err = e.filter.UpdateMARG(q, s.GyroRad(), s.AccelMS2(), [3]float64{}, dt)
			if err != nil {
				return added, err
			}
		} else {
			q = e.filter.UpdateIMU(q, s.GyroRad(), s.AccelMS2(), dt)
		}

		out.Append(Sample{Time: s.Time, Q: q, Pose: q.Conj().Pose()})
		added++
	}
	return added, nil
}
