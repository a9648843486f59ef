// Package predictor forecasts near-term transfer throughput from noisy,
// bursty byte-arrival samples.
//
// The core is a Holt (double exponential) smoother tracking both a level
// and a trend in bytes per second. Residuals against the one-step
// forecast are kept in a sliding window so confidence bounds can be
// derived from their variance. A Meter converts raw byte arrivals into
// per-interval rate samples for the smoother and answers ETA queries as
// remaining bytes divided by the forecast rate.
//
// Example:
//
//	h := predictor.NewHolt()
//	meter := predictor.NewMeter(h, time.Second)
//	meter.Add(32768) // per chunk received
//	eta := meter.ETA(remainingBytes)
package predictor
