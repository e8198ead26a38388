// coverage-report renders the persisted coverage grid of a scan session as
// an interactive HTML scatter (go-echarts) plus a score histogram PNG, for
// checking what a capture actually observed without the mobile UI.
//
// Usage:
//
//	coverage-report -db depthscan.db                  # list sessions
//	coverage-report -db depthscan.db -session <id> -out report/
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/depthscan/internal/scan"
	"github.com/banshee-data/depthscan/internal/scandb"
	"github.com/banshee-data/depthscan/internal/security"
)

var (
	dbPath    = flag.String("db", "depthscan.db", "Path to the session database")
	sessionID = flag.String("session", "", "Session to report on; empty lists sessions")
	outDir    = flag.String("out", "coverage-report", "Output directory")
	maxPoints = flag.Int("max-points", 20000, "Cap on scatter points in the HTML plot")
)

func main() {
	flag.Parse()

	db, err := scandb.Open(*dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if *sessionID == "" {
		listSessions(db)
		return
	}

	meta, err := db.LoadSessionMeta(*sessionID)
	if err != nil {
		log.Fatalf("load session %s: %v", *sessionID, err)
	}

	blob, err := db.LoadCoverageGrid(*sessionID)
	if err != nil {
		log.Fatalf("load coverage grid: %v", err)
	}
	analyzer := scan.NewCoverageAnalyzer(scan.DefaultCoverageParams())
	if err := analyzer.Restore(blob); err != nil {
		log.Fatalf("decode coverage grid: %v", err)
	}

	cells := analyzer.Cells()
	if len(cells) == 0 {
		log.Fatalf("session %s has no coverage data", *sessionID)
	}

	// Session ids come from the database; keep the output paths they feed
	// inside the working tree or temp dir.
	if err := security.ValidateExportPath(*outDir); err != nil {
		log.Fatalf("output dir: %v", err)
	}
	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("create output dir: %v", err)
	}

	covered, fraction := analyzer.CoveredSummary()
	fmt.Printf("session:   %s (%s)\n", meta.ID, meta.Name)
	fmt.Printf("state:     %s\n", meta.State)
	fmt.Printf("cells:     %d\n", len(cells))
	fmt.Printf("covered:   %d (%.1f%%)\n", covered, fraction*100)
	fmt.Printf("cell size: %.3fm\n", analyzer.CellSize())

	base := security.SanitizeFilename(*sessionID)
	htmlPath := filepath.Join(*outDir, fmt.Sprintf("coverage-%s.html", base))
	if err := renderScatter(htmlPath, meta, analyzer, cells); err != nil {
		log.Fatalf("render scatter: %v", err)
	}
	fmt.Printf("wrote %s\n", htmlPath)

	pngPath := filepath.Join(*outDir, fmt.Sprintf("scores-%s.png", base))
	if err := renderHistogram(pngPath, analyzer, cells); err != nil {
		log.Fatalf("render histogram: %v", err)
	}
	fmt.Printf("wrote %s\n", pngPath)
}

func listSessions(db *scandb.ScanDB) {
	metas, err := db.ListSessions()
	if err != nil {
		log.Fatalf("list sessions: %v", err)
	}
	if len(metas) == 0 {
		fmt.Println("no persisted sessions")
		return
	}
	for _, m := range metas {
		fmt.Printf("%s  %-20s %-10s cells=%d points=%d\n",
			m.ID, m.Name, m.State, m.CoveredCells, m.PointCount)
	}
}

// renderScatter writes a top-down (X/Z) scatter of the grid with the quality
// score on the colour axis.
func renderScatter(path string, meta *scan.SessionMeta, analyzer *scan.CoverageAnalyzer, cells map[scan.CellKey]scan.CoverageCell) error {
	size := analyzer.CellSize()

	// Downsample by stride to stay within maxPoints.
	stride := 1
	if len(cells) > *maxPoints {
		stride = int(math.Ceil(float64(len(cells)) / float64(*maxPoints)))
	}

	data := make([]opts.ScatterData, 0, len(cells)/stride+1)
	maxAbs := 0.0
	i := 0
	for k, c := range cells {
		if i%stride != 0 {
			i++
			continue
		}
		i++
		x := (float64(k.X) + 0.5) * size
		z := (float64(k.Z) + 0.5) * size
		if math.Abs(x) > maxAbs {
			maxAbs = math.Abs(x)
		}
		if math.Abs(z) > maxAbs {
			maxAbs = math.Abs(z)
		}
		// Dimension 3 (last observed confidence) shows in the tooltip
		// alongside the score driving the colour axis.
		data = append(data, opts.ScatterData{Value: []interface{}{x, z, float64(c.Score), float64(c.LastConfidence)}})
	}

	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Scan Coverage (Top-Down)", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Scan Coverage Grid", Subtitle: fmt.Sprintf("session=%s cells=%d stride=%d cell=%.0fcm", meta.ID, len(data), stride, size*100)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Z (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        1,
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}},
		}),
	)
	scatter.AddSeries("coverage", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return scatter.Render(f)
}

// renderHistogram writes a PNG histogram of cell quality scores with the
// covered threshold drawn as a vertical marker.
func renderHistogram(path string, analyzer *scan.CoverageAnalyzer, cells map[scan.CellKey]scan.CoverageCell) error {
	scores := make(plotter.Values, 0, len(cells))
	for _, c := range cells {
		scores = append(scores, float64(c.Score))
	}

	p := plot.New()
	p.Title.Text = "Coverage Score Distribution"
	p.X.Label.Text = "quality score"
	p.Y.Label.Text = "cells"
	p.X.Min, p.X.Max = 0, 1

	hist, err := plotter.NewHist(scores, 40)
	if err != nil {
		return err
	}
	p.Add(hist)

	threshold := float64(scan.DefaultCoverageParams().CoveredThreshold)
	_, _, _, ymax := hist.DataRange()
	marker, err := plotter.NewLine(plotter.XYs{
		{X: threshold, Y: 0},
		{X: threshold, Y: ymax},
	})
	if err != nil {
		return err
	}
	marker.Width = vg.Points(1)
	p.Add(marker)

	return p.Save(10*vg.Inch, 6*vg.Inch, path)
}
