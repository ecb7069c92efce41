// Command genmock writes a synthetic archive fixture: smooth in-range
// reanalysis-like fields for every catalog variable on coarse source grids,
// auxiliary indices and fire labels on the target grid. The catalog, target
// grid, seed and output path come from the same environment as the service,
// so a generated fixture always lines up with TARGET_GRID.
//
// Usage:
//
//	TARGET_GRID=45,45.5,126,126.5,0.05 go run ./cmd/genmock -samples 30 -out data/archive.fx.zst
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/archive"
	"github.com/couchcryptid/fire-risk-service/internal/config"
	"github.com/couchcryptid/fire-risk-service/internal/domain"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	out := flag.String("out", cfg.ArchivePath, "output path for the fixture")
	samples := flag.Int("samples", 30, "number of labelled reference days")
	start := flag.String("start", "2024-04-10", "first labelled reference day (YYYY-MM-DD)")
	sourceRes := flag.Float64("source-res", 0.25, "resolution of the surface and upper-air grids in degrees")
	margin := flag.Float64("margin", 0.5, "source grid margin around the target in degrees")
	labelMissing := flag.Float64("label-missing", 0.02, "fraction of unlabelled cells")
	flag.Parse()

	first, err := time.Parse(time.DateOnly, *start)
	if err != nil {
		return fmt.Errorf("-start: %w", err)
	}

	t := cfg.TargetGrid
	source, err := domain.NewGridSpec(t.LatMin-*margin, t.LatMax+*margin, t.LonMin-*margin, t.LonMax+*margin, *sourceRes, domain.DefaultProjection)
	if err != nil {
		return fmt.Errorf("source grid: %w", err)
	}

	sc := archive.DefaultSyntheticConfig(cfg.Catalog)
	sc.Target = t
	sc.Surface = source
	sc.UpperAir = source
	sc.Start = first
	sc.Samples = *samples
	sc.Seed = cfg.Seed
	sc.LabelMissing = *labelMissing

	m, err := archive.Synthetic(sc)
	if err != nil {
		return err
	}
	if err := archive.SaveFixtureFile(*out, m); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}

	fmt.Printf("wrote %s: %d fields, %d labelled days, target %s, source %s\n",
		*out, m.Len(), len(m.LabelledTimes()), t.ID(), source.ID())
	return nil
}
