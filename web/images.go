package web

import (
	"fmt"
	"html/template"
	"image/png"
	"log"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/jnb666/convtrack/img"
)

// ImagePage is a browser for the training and test images
type ImagePage struct {
	*Templates
	data  map[string]*img.Data
	scale int
	rows  int
	cols  int
}

type imageGrid struct {
	*Templates
	Dset   string
	Class  int
	Page   int
	Pages  int
	Total  int
	Width  int
	Height int
	Rows   [][]ImageCell
}

type ImageCell struct {
	Index int
	Url   string
	Label string
}

// Base data for handler functions to view input image dataset
func NewImagePage(t *Templates, data map[string]*img.Data, scale, rows, cols int) *ImagePage {
	return &ImagePage{Templates: t, data: data, scale: scale, rows: rows, cols: cols}
}

// Handler function for the image grid, query parameters select the class (0 for all) and page
func (p *ImagePage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		dset := mux.Vars(r)["dset"]
		d, ok := p.data[dset]
		if !ok {
			http.NotFound(w, r)
			return
		}
		g := imageGrid{Templates: p.Clone().Select("/images"), Dset: dset}
		g.Class, _ = strconv.Atoi(r.FormValue("class"))
		g.Page, _ = strconv.Atoi(r.FormValue("page"))
		for _, name := range p.Sets() {
			g.AddOption(Link{Name: name, Url: "/images/" + name + "/"})
		}
		g.SelectOptions(dset)
		index := p.filter(d, g.Class)
		perPage := p.rows * p.cols
		g.Total = len(index)
		g.Pages = (g.Total + perPage - 1) / perPage
		if g.Page = mod(g.Page, 1, g.Pages); g.Page < 1 {
			g.Page = 1
		}
		dims := d.Shape()
		g.Height, g.Width = dims[1]*p.scale, dims[2]*p.scale
		start := (g.Page - 1) * perPage
		for row := 0; row < p.rows; row++ {
			var cells []ImageCell
			for col := 0; col < p.cols; col++ {
				i := start + row*p.cols + col
				if i >= len(index) {
					break
				}
				ix := index[i]
				cells = append(cells, ImageCell{
					Index: ix,
					Url:   fmt.Sprintf("/img/%s/%d", dset, ix),
					Label: d.Class[d.Labels[ix]],
				})
			}
			if len(cells) > 0 {
				g.Rows = append(g.Rows, cells)
			}
		}
		g.Heading = p.heading(d, dset, g.Class)
		g.Exec(w, "images", g)
	}
}

// Sets returns the sorted data set names
func (p *ImagePage) Sets() []string {
	var names []string
	for name := range p.data {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *ImagePage) heading(d *img.Data, dset string, class int) template.HTML {
	html := fmt.Sprintf(`%s: <select name="class" form="classForm" onchange="this.form.submit()">`, dset)
	html += fmt.Sprintf(`<option value="0"%s>all classes</option>`, selected(class == 0))
	for i, name := range d.Classes() {
		html += fmt.Sprintf(`<option value="%d"%s>%s</option>`, i+1, selected(class == i+1), template.HTMLEscapeString(name))
	}
	return template.HTML(html + "</select>")
}

func selected(on bool) string {
	if on {
		return " selected"
	}
	return ""
}

// indexes of images with the given class, or all images if class is 0
func (p *ImagePage) filter(d *img.Data, class int) []int {
	var index []int
	for i, label := range d.Labels {
		if class == 0 || int(label) == class-1 {
			index = append(index, i)
		}
	}
	return index
}

// Handler function for the image data
func (p *ImagePage) Image() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		data, ok := p.data[vars["dset"]]
		id, err := strconv.Atoi(vars["id"])
		if !ok || err != nil || id < 0 || id >= data.Len() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-type", "image/png")
		if err := png.Encode(w, data.Image(id)); err != nil {
			log.Println("error encoding image:", err)
		}
	}
}

func mod(i, min, max int) int {
	if i < min {
		i = max
	}
	if i > max {
		i = min
	}
	return i
}
