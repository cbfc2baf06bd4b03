package app

import (
	"okx-carry-unwind/internal/stats"
	"okx-carry-unwind/internal/timescale"
	"okx-carry-unwind/internal/unwind"
)

// spreadSink fans gate observations out to the in-memory window and, when
// configured, the timescale writer.
type spreadSink struct {
	rolling *stats.Rolling
	writer  *timescale.Writer
}

func (s *spreadSink) RecordSpread(sample unwind.SpreadSample) {
	if s == nil {
		return
	}
	if s.rolling != nil {
		s.rolling.Observe(sample.Time, sample.Premium)
	}
	if s.writer == nil {
		return
	}
	s.writer.Observe(timescale.SpreadObservation{
		Time:       sample.Time.UTC(),
		Instrument: sample.Coin,
		SpotBid:    sample.SpotBid,
		SwapAsk:    sample.SwapAsk,
		Premium:    sample.Premium,
		Threshold:  sample.Threshold,
	})
}
