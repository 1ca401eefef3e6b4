package coupler

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/parallelfields/coupler/internal/substrate/local"
	"github.com/parallelfields/coupler/internal/tile"
	"github.com/parallelfields/coupler/internal/weights"
)

type fakeSource struct{ tables map[string]weights.Table }

func (s fakeSource) Read(path string) (weights.Table, error) {
	if t, ok := s.tables[path]; ok {
		return t, nil
	}
	return weights.Table{}, nil
}

// TestEngine_EndToEndRoundTrip drives two Engines, one on each side of a
// single coupling edge, through Init, BeginTransfer/Put/EndTransfer on the
// sender and BeginTransfer/Get/EndTransfer on the receiver, and Finalize
// on the sender — the full public surface in one pass.
func TestEngine_EndToEndRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
mappings:
  - source_grid: ocean
    destination_grid: ice
    fields: [sst]
`), 0o644))

	box := tile.Box{LIS: 0, LIE: 1, LJS: 0, LJE: 2, GIS: 0, GIE: 1, GJS: 0, GJE: 2}
	src := fakeSource{tables: map[string]weights.Table{
		filepath.Join(dir, "ocean_to_ice_rmp.nc"): {
			Src: []uint32{1, 2},
			Dst: []uint32{1, 2},
			Wgt: []float64{1, 1},
		},
	}}

	comms := local.NewWorld(2)
	var wg sync.WaitGroup
	wg.Add(2)

	got := make([]float64, 2)
	var recvErr error

	go func() {
		defer wg.Done()
		eng, err := Init(comms[0], dir, "ocean", box, WithLogger(logr.Discard()), WithWeightSource(src))
		require.NoError(t, err)

		Run(eng, func(e *Engine) error {
			if err := e.BeginTransfer(0, "ice"); err != nil {
				return err
			}
			if err := e.Put("sst", []float64{10, 20}); err != nil {
				return err
			}
			if err := e.EndTransfer(); err != nil {
				return err
			}
			return e.Finalize()
		})
	}()

	go func() {
		defer wg.Done()
		eng, err := Init(comms[1], dir, "ice", box, WithLogger(logr.Discard()), WithWeightSource(src))
		require.NoError(t, err)

		Run(eng, func(e *Engine) error {
			if err := e.BeginTransfer(0, "ocean"); err != nil {
				return err
			}
			recvErr = e.Get("sst", got)
			if recvErr != nil {
				return recvErr
			}
			return e.EndTransfer()
		})
	}()

	wg.Wait()
	require.NoError(t, recvErr)
	require.Equal(t, []float64{10, 20}, got)
}

// TestInit_MissingConfigFileIsError checks Init surfaces the config
// package's named error rather than panicking when config.yaml is absent.
func TestInit_MissingConfigFileIsError(t *testing.T) {
	comms := local.NewWorld(1)
	box := tile.Box{LIS: 0, LIE: 1, LJS: 0, LJE: 1, GIS: 0, GIE: 1, GJS: 0, GJE: 1}
	_, err := Init(comms[0], t.TempDir(), "ocean", box, WithLogger(logr.Discard()))
	require.Error(t, err)
}
