// Command couplerctl runs a tiny in-process demonstration of the coupler:
// three simulated workers, one on grid "ocean" and two on grid "ice",
// exchanging a single field across one coupling edge. It exists to exercise the public Engine surface
// end to end outside of the test suite.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/parallelfields/coupler"
	"github.com/parallelfields/coupler/internal/substrate/local"
	"github.com/parallelfields/coupler/internal/tile"
	"github.com/parallelfields/coupler/internal/weights"
)

func main() {
	dir := must.M1(os.MkdirTemp("", "couplerctl-"))
	defer os.RemoveAll(dir)

	must.M(os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
mappings:
  - source_grid: ocean
    destination_grid: ice
    fields: [sst]
`), 0o644))

	// A 1x4 row grid, split down the middle: ocean owns it whole, ice is
	// split across two workers.
	oceanBox := tile.Box{LIS: 0, LIE: 1, LJS: 0, LJE: 4, GIS: 0, GIE: 1, GJS: 0, GJE: 4}
	iceBoxes := []tile.Box{
		{LIS: 0, LIE: 1, LJS: 0, LJE: 2, GIS: 0, GIE: 1, GJS: 0, GJE: 4},
		{LIS: 0, LIE: 1, LJS: 2, LJE: 4, GIS: 0, GIE: 1, GJS: 0, GJE: 4},
	}

	weightsFile := filepath.Join(dir, "ocean_to_ice_rmp.nc")
	f := must.M1(os.Create(weightsFile))
	must.M(weights.WriteBinaryColumns(f, weights.Table{
		Src: []uint32{1, 2, 3, 4},
		Dst: []uint32{1, 2, 3, 4},
		Wgt: []float64{1, 1, 1, 1},
	}))
	must.M(f.Close())

	comms := local.NewWorld(3) // rank 0 = ocean, ranks 1-2 = ice
	var wg sync.WaitGroup
	wg.Add(3)

	log := klog.Background()

	go func() {
		defer wg.Done()
		eng := must.M1(coupler.Init(comms[0], dir, "ocean", oceanBox, coupler.WithLogger(log)))
		coupler.Run(eng, func(e *coupler.Engine) error {
			if err := e.BeginTransfer(0, "ice"); err != nil {
				return err
			}
			if err := e.Put("sst", []float64{1, 2, 3, 4}); err != nil {
				return err
			}
			if err := e.EndTransfer(); err != nil {
				return err
			}
			return e.Finalize()
		})
	}()

	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			eng := must.M1(coupler.Init(comms[i+1], dir, "ice", iceBoxes[i], coupler.WithLogger(log)))
			coupler.Run(eng, func(e *coupler.Engine) error {
				if err := e.BeginTransfer(0, "ocean"); err != nil {
					return err
				}
				out := make([]float64, 2)
				if err := e.Get("sst", out); err != nil {
					return err
				}
				if err := e.EndTransfer(); err != nil {
					return err
				}
				fmt.Printf("ice worker %d received sst=%v\n", i, out)
				return nil
			})
		}(i)
	}

	wg.Wait()
}
