package projection

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterProjection(t *testing.T) {
	t.Run("counts per kind", func(ct *testing.T) {
		p := GetCounterProjection()
		p.Increment("EventA")
		p.Increment("EventA")
		p.Increment("EventB")

		assert.Equal(ct, uint64(2), p.Count("EventA"))
		assert.Equal(ct, uint64(1), p.Count("EventB"))
		assert.Equal(ct, uint64(0), p.Count("EventC"))
	})

	t.Run("snapshot is a copy", func(ct *testing.T) {
		p := GetCounterProjection()
		p.Increment("EventA")

		snapshot := p.Snapshot()
		snapshot["EventA"] = 99

		assert.Equal(ct, uint64(1), p.Count("EventA"))
	})

	t.Run("no lost updates under concurrent folding", func(ct *testing.T) {
		const writers = 8
		const perWriter = 2000

		p := GetCounterProjection()
		projector := GetCounterProjector("counter", p)

		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			kind := fmt.Sprintf("Event%d", i%2)
			wg.Add(1)
			go func(kind string) {
				defer wg.Done()
				for j := 0; j < perWriter; j++ {
					_ = projector.Apply(ProjectorEvent{Kind: kind})
				}
			}(kind)
		}
		wg.Wait()

		expected := uint64(writers / 2 * perWriter)
		assert.Equal(ct, map[string]uint64{
			"Event0": expected,
			"Event1": expected,
		}, p.Snapshot())
	})
}
