package extract_test

import (
	"context"
	"sync/atomic"

	"github.com/hupe1980/facematch/extract"
)

// fakeExtractor delegates to fn and counts Close calls, standing in for a
// worker-owned model context.
type fakeExtractor struct {
	fn     func(ctx context.Context, img []byte) (extract.Result, error)
	closes *atomic.Int64
}

func (f *fakeExtractor) Extract(ctx context.Context, img []byte) (extract.Result, error) {
	return f.fn(ctx, img)
}

func (f *fakeExtractor) Close() error {
	if f.closes != nil {
		f.closes.Add(1)
	}

	return nil
}

// echoFactory builds extractors that succeed instantly with a fixed result.
func echoFactory() extract.Factory {
	return func(ctx context.Context) (extract.Extractor, error) {
		return &fakeExtractor{
			fn: func(ctx context.Context, img []byte) (extract.Result, error) {
				return extract.Result{Vector: []float32{0.6, 0.8}, Score: 0.97}, nil
			},
		}, nil
	}
}

// gatedFactory builds extractors that block on gate and ignore their
// context, imitating a computation that cannot be interrupted.
func gatedFactory(gate <-chan struct{}) extract.Factory {
	return func(ctx context.Context) (extract.Extractor, error) {
		return &fakeExtractor{
			fn: func(ctx context.Context, img []byte) (extract.Result, error) {
				<-gate
				return extract.Result{Vector: []float32{1, 0}, Score: 1}, nil
			},
		}, nil
	}
}

// crashyFactory builds extractors that panic on the input "boom" and counts
// factory calls and extractor closes.
func crashyFactory(builds, closes *atomic.Int64) extract.Factory {
	return func(ctx context.Context) (extract.Extractor, error) {
		builds.Add(1)

		return &fakeExtractor{
			closes: closes,
			fn: func(ctx context.Context, img []byte) (extract.Result, error) {
				if string(img) == "boom" {
					panic("synthetic crash")
				}

				return extract.Result{Vector: []float32{0, 1}, Score: 0.9}, nil
			},
		}, nil
	}
}
