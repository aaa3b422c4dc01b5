package web

import (
	"bytes"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"net/url"
	"sort"

	"github.com/gorilla/mux"
	"github.com/jnb666/convtrack/stats"
	"github.com/jnb666/convtrack/track"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

const (
	// train series are smoothed with a moving average over this many batches
	smoothBatches = 10
	// pixels per inch used to size svg plots
	plotDPI = 96
)

// Dashboard has the handlers for the experiment list and detail pages
type Dashboard struct {
	*Templates
	store    *Store
	projects []string
	maxPlot  int
}

func NewDashboard(t *Templates, store *Store, conf ServerConfig) *Dashboard {
	return &Dashboard{Templates: t, store: store, projects: conf.Projects(), maxPlot: conf.MaxPlot}
}

type listPage struct {
	*Templates
	Project     string
	Projects    []string
	Experiments []*Experiment
}

// Handler function for the experiment list, filtered by the project query parameter
func (d *Dashboard) List() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p := listPage{Templates: d.Clone().Select("/experiments"), Project: r.FormValue("project"), Projects: d.projects}
		for _, name := range p.Projects {
			p.AddOption(Link{Name: name, Url: "/experiments?project=" + url.QueryEscape(name)})
		}
		p.SelectOptions(p.Project)
		p.Experiments = d.store.List(p.Project)
		p.Heading = template.HTML(fmt.Sprintf("%d experiments", len(p.Experiments)))
		p.Exec(w, "list", p)
	}
}

type experimentPage struct {
	*Templates
	Exp     *Experiment
	maxPlot int
}

type Param struct {
	Name, Value string
}

type SummaryRow struct {
	Name  string
	Stats *stats.Average
}

// Handler function for the experiment detail page
func (d *Dashboard) Experiment() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := d.store.Get(mux.Vars(r)["id"])
		if err != nil {
			http.NotFound(w, r)
			return
		}
		p := experimentPage{Templates: d.Clone().Select("/experiments"), Exp: e, maxPlot: d.maxPlot}
		epoch, iter := e.Progress()
		p.Heading = template.HTML(fmt.Sprintf(`%s: <span id="status">%s</span> epoch <span id="epoch">%d</span> iteration <span id="iteration">%d</span>`,
			template.HTMLEscapeString(e.Info.Model), e.Status, epoch, iter))
		p.Exec(w, "experiment", p)
	}
}

// Params returns the hyper parameters sorted by name
func (p experimentPage) Params() []Param {
	var list []Param
	for k, v := range p.Exp.Info.Params {
		list = append(list, Param{Name: k, Value: v})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Summary returns the running stats for each metric
func (p experimentPage) Summary() []SummaryRow {
	var rows []SummaryRow
	for _, name := range p.Exp.MetricNames() {
		rows = append(rows, SummaryRow{Name: name, Stats: p.Exp.Summary[name]})
	}
	return rows
}

func (p experimentPage) LossPlot(width, height int) template.HTML {
	return p.metricPlot(track.Train.Prefix()+"Loss", track.Validation.Prefix()+"Loss", width, height)
}

func (p experimentPage) AccuracyPlot(width, height int) template.HTML {
	return p.metricPlot(track.Train.Prefix()+"Accuracy", track.Validation.Prefix()+"Accuracy", width, height)
}

func (p experimentPage) metricPlot(train, val string, width, height int) template.HTML {
	plt := newPlot()
	plt.X.Label.Text = "iteration"
	for i, name := range []string{train, val} {
		pts := p.Exp.Series(name)
		if len(pts) == 0 {
			continue
		}
		smooth := 0.0
		if name == train {
			smooth = smoothBatches
		}
		line, err := newLinePlot(pts, i, p.maxPlot, smooth)
		if err != nil {
			log.Println("plot:", err)
			continue
		}
		plt.Add(line)
		plt.Legend.Add(name+" ", line)
	}
	return writePlot(plt, width, height)
}

func newPlot() *plot.Plot {
	p := plot.New()
	p.X.Padding, p.Y.Padding = 0, 0
	p.X.Tick.Label.Font.Size = vg.Points(10)
	p.Y.Tick.Label.Font.Size = vg.Points(10)
	p.X.Label.TextStyle.Font.Size = vg.Points(10)
	p.Legend.Top = true
	p.Legend.TextStyle.Font.Size = vg.Points(12)
	p.Add(plotter.NewGrid())
	return p
}

func writePlot(p *plot.Plot, w, h int) template.HTML {
	var buf bytes.Buffer
	writer, err := p.WriterTo(vg.Length(w)*vg.Inch/plotDPI, vg.Length(h)*vg.Inch/plotDPI, "svg")
	if err != nil {
		log.Println("error writing plot:", err)
		return ""
	}
	if _, err = writer.WriteTo(&buf); err != nil {
		log.Println("error writing plot:", err)
		return ""
	}
	return template.HTML(buf.String())
}

// line plot of iteration vs value, series longer than max points are thinned out.
// If smooth is set values are replaced by their moving average over that many points.
func newLinePlot(points []track.Point, ix, max int, smooth float64) (*plotter.Line, error) {
	step := 1
	if max > 0 && len(points) > max {
		step = (len(points) + max - 1) / max
	}
	values := make([]float64, len(points))
	var ema stats.EMA
	for i, p := range points {
		values[i] = p.Value
		if smooth > 0 {
			ema = stats.EMA(ema.Add(p.Value, smooth))
			values[i] = float64(ema)
		}
	}
	var pts plotter.XYs
	for i := 0; i < len(points); i += step {
		pts = append(pts, plotter.XY{X: float64(points[i].Iteration), Y: values[i]})
	}
	if last := len(points) - 1; last%step != 0 {
		pts = append(pts, plotter.XY{X: float64(points[last].Iteration), Y: values[last]})
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	l.Width = 2
	l.Color = plotutil.Color(ix)
	return l, nil
}
