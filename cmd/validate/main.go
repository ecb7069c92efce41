// Command validate checks an archive fixture end to end before it is used
// for training: catalog consistency with the service configuration, label
// geometry, and a full fuse of every labelled window through the same
// interpolation and fusion code the service runs. It prints one line per
// phase and exits non-zero when any phase fails.
//
// Usage:
//
//	go run ./cmd/validate -fixture data/archive.fx.zst
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/archive"
	"github.com/couchcryptid/fire-risk-service/internal/config"
	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/couchcryptid/fire-risk-service/internal/fusion"
	"github.com/couchcryptid/fire-risk-service/internal/interp"
	"github.com/couchcryptid/fire-risk-service/internal/observability"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	path := flag.String("fixture", cfg.ArchivePath, "archive fixture to validate")
	maxErrors := flag.Int("max-errors", 10, "errors printed per phase")
	flag.Parse()

	os.Exit(run(context.Background(), cfg, *path, *maxErrors, os.Stdout))
}

func run(ctx context.Context, cfg *config.Config, path string, maxErrors int, w io.Writer) int {
	m, err := archive.LoadFixtureFile(path)
	if err != nil {
		fmt.Fprintf(w, "FAIL load %s: %v\n", path, err)
		return 1
	}
	fmt.Fprintf(w, "loaded %s: %d fields, %d labelled days\n", path, m.Len(), len(m.LabelledTimes()))

	phases := []*phase{
		checkCatalog(cfg.Catalog, m.Catalog()),
		checkLabels(cfg.TargetGrid, m),
	}
	fusePhase, counts := checkWindows(ctx, cfg, m)
	phases = append(phases, fusePhase)

	code := 0
	for _, p := range phases {
		if p.passed() {
			fmt.Fprintf(w, "PASS %s\n", p.name)
			continue
		}
		code = 1
		fmt.Fprintf(w, "FAIL %s (%d errors)\n", p.name, len(p.errors))
		for i, e := range p.errors {
			if i == maxErrors {
				fmt.Fprintf(w, "  ... %d more\n", len(p.errors)-maxErrors)
				break
			}
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	if len(counts) > 0 {
		kinds := make([]string, 0, len(counts))
		for k := range counts {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		parts := make([]string, len(kinds))
		for i, k := range kinds {
			parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
		}
		fmt.Fprintf(w, "window errors by kind: %s\n", strings.Join(parts, " "))
	}
	return code
}

// checkCatalog compares the fixture's catalog with the configured one.
func checkCatalog(want, got domain.Catalog) *phase {
	p := &phase{name: "catalog"}
	if err := got.Validate(); err != nil {
		p.errorf("fixture catalog: %v", err)
		return p
	}
	for _, v := range want.Variables {
		g, ok := got.Lookup(v.Name)
		if !ok {
			p.errorf("variable %s missing from fixture", v.Name)
			continue
		}
		if g.Kind != v.Kind {
			p.errorf("variable %s: kind %s, configured %s", v.Name, g.Kind, v.Kind)
		}
	}
	if !slices.Equal(want.UpperAirLevels, got.UpperAirLevels) {
		p.errorf("upper air levels %v, configured %v", got.UpperAirLevels, want.UpperAirLevels)
	}
	return p
}

// checkLabels verifies that every label sits on the target grid and has
// both classes somewhere in the archive.
func checkLabels(target domain.GridSpec, m *archive.Memory) *phase {
	p := &phase{name: "labels"}
	times := m.LabelledTimes()
	if len(times) == 0 {
		p.errorf("no labelled days")
		return p
	}
	var pos, neg int
	for _, ts := range times {
		spec := domain.NewWindowSpec(ts, m.Catalog().UpperAirLevels)
		fields, err := m.Window(context.Background(), spec)
		if err != nil {
			p.errorf("%s: %v", ts.Format(time.DateOnly), err)
			continue
		}
		l := fields.Label
		if l == nil {
			p.errorf("%s: label vanished", ts.Format(time.DateOnly))
			continue
		}
		if !l.Grid.SameGeometry(target) {
			p.errorf("%s: label grid %s, target %s", ts.Format(time.DateOnly), l.Grid.ID(), target.ID())
			continue
		}
		for i, v := range l.Values {
			switch {
			case l.Missing[i]:
			case v > 0.5:
				pos++
			default:
				neg++
			}
		}
	}
	if pos+neg > 0 && (pos == 0 || neg == 0) {
		p.errorf("labels are single-class: %d positive, %d negative cells", pos, neg)
	}
	return p
}

// checkWindows fuses every labelled window and tallies failures by kind.
func checkWindows(ctx context.Context, cfg *config.Config, m *archive.Memory) (*phase, map[string]int) {
	p := &phase{name: "windows"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()

	engine, err := interp.NewEngine(cfg.Interp(), m.Catalog(), metrics, logger)
	if err != nil {
		p.errorf("interpolation engine: %v", err)
		return p, nil
	}
	pipe := fusion.New(cfg.Fusion(), cfg.TargetGrid, m.Catalog(), engine, logger)

	counts := make(map[string]int)
	for _, ts := range m.LabelledTimes() {
		spec := domain.NewWindowSpec(ts, m.Catalog().UpperAirLevels)
		fields, err := m.Window(ctx, spec)
		if err == nil {
			_, err = pipe.Fuse(ctx, fields, spec)
		}
		if err != nil {
			counts[observability.ErrorKind(err)]++
			p.errorf("%s: %v", ts.Format(time.DateOnly), err)
		}
	}
	return p, counts
}
