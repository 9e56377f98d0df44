package hatrack

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestDomainRetireWaitsForReservation(t *testing.T) {
	d := NewDomain(8)

	r := &record{}
	d.commit(&r.hdr)

	freed := false
	addCleanup(&r.hdr, func() { freed = true })

	reader := d.begin()
	writer := d.begin()
	writer.retire(&r.hdr)
	writer.end()

	d.Drain()
	require.False(t, freed, "reservation opened before retire must pin the record")

	reader.end()
	d.Drain()
	require.True(t, freed)
}

func TestDomainRetireAfterReservationIsFree(t *testing.T) {
	d := NewDomain(8)

	r := &record{}
	d.commit(&r.hdr)

	freed := false
	addCleanup(&r.hdr, func() { freed = true })

	g := d.begin()
	g.retire(&r.hdr)
	g.end()

	d.Drain()
	require.True(t, freed)
}

func TestDomainCleanupChain(t *testing.T) {
	d := NewDomain(8)

	r := &record{}
	d.commit(&r.hdr)

	var order []int
	addCleanup(&r.hdr, func() { order = append(order, 1) })
	addCleanup(&r.hdr, func() { order = append(order, 2) })

	g := d.begin()
	g.retire(&r.hdr)
	g.end()
	d.Drain()

	// Handlers run newest first, like the chain is built.
	require.Equal(t, []int{2, 1}, order)
}

func TestDomainBatchFlush(t *testing.T) {
	d := NewDomain(8)

	var freed atomic.Int64
	for i := 0; i < retireBatch+1; i++ {
		r := &record{}
		d.commit(&r.hdr)
		addCleanup(&r.hdr, func() { freed.Add(1) })
		g := d.begin()
		g.retire(&r.hdr)
		g.end()
	}

	// Slot reuse is not deterministic across begins, so force the rest.
	d.Drain()
	require.Equal(t, int64(retireBatch+1), freed.Load())
}

func TestDomainRegistryExhaustion(t *testing.T) {
	d := NewDomain(2)
	g1 := d.begin()
	g2 := d.begin()

	require.Panics(t, func() { d.begin() })

	g1.end()
	g2.end()
}

func TestDomainEpochAdvancesOnCommit(t *testing.T) {
	d := NewDomain(8)
	before := d.epoch.Load()

	r := &record{}
	d.commit(&r.hdr)
	require.Greater(t, r.write, before)
	require.Equal(t, r.write, d.epoch.Load())
}

func TestDomainConcurrentOps(t *testing.T) {
	d := NewDomain(256)

	var freed atomic.Int64
	var eg errgroup.Group
	for w := 0; w < 8; w++ {
		eg.Go(func() error {
			for i := 0; i < 1000; i++ {
				r := &record{}
				d.commit(&r.hdr)
				addCleanup(&r.hdr, func() { freed.Add(1) })
				g := d.begin()
				g.retire(&r.hdr)
				g.end()
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	d.Drain()
	require.Equal(t, int64(8000), freed.Load())
}
