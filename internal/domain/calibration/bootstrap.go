package calibration

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

type itemSE struct {
	a, b float64
}

// bootstrap resamples every calibrated item's (ability, response) pairs
// with abilities fixed and reports the sample SD of the refitted (a, b).
// Items run concurrently, bounded by the worker count; each item owns its
// PCG stream keyed by (seed, item id) so results do not depend on scheduling.
func (e *Engine) bootstrap(ctx context.Context, p *problem) ([]itemSE, error) {
	out := make([]itemSE, len(p.itemIDs))
	if e.bootstrapSamples < 2 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for j := range p.itemIDs {
		if p.failed[j] {
			continue
		}
		g.Go(func() error {
			start := time.Now()
			se, err := e.bootstrapItem(gctx, p, j)
			if err != nil {
				return err
			}
			out[j] = se
			if e.observe != nil {
				e.observe(p.itemIDs[j], time.Since(start))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) bootstrapItem(ctx context.Context, p *problem, j int) (itemSE, error) {
	rng := rand.New(rand.NewPCG(uint64(e.seed), itemStream(p.itemIDs[j]))) //nolint:gosec // reproducible resampling, not security
	data := p.byItem[j]
	sample := make([]obs, len(data))
	as := make([]float64, 0, e.bootstrapSamples)
	bs := make([]float64, 0, e.bootstrapSamples)

	for s := 0; s < e.bootstrapSamples; s++ {
		if err := ctx.Err(); err != nil {
			return itemSE{}, err
		}
		for k := range sample {
			sample[k] = data[rng.IntN(len(data))]
		}
		a, b, _ := e.fitItem(sample, p.theta, p.a[j], p.b[j])
		as = append(as, a)
		bs = append(bs, b)
	}
	return itemSE{a: stat.StdDev(as, nil), b: stat.StdDev(bs, nil)}, nil
}

// itemStream picks the PCG stream of an item.
func itemStream(itemID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(itemID))
	return h.Sum64()
}
