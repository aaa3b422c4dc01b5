// Package img contains routines for loading and normalising sets of images.
package img

import (
	"image"

	"github.com/jnb666/convtrack/stats"
	"github.com/pkg/errors"
)

// Image data set which implements the nnet.Data interface.
// Pixels are stored as raw 8 bit values in row major order, one image after another.
type Data struct {
	Class  []string
	Dims   []int
	Labels []int32
	Pixels []uint8
	Mean   float32
	StdDev float32
}

// Create a new image set with the given shape as height, width.
func NewData(classes []string, height, width int, labels []int32, pixels []uint8) (*Data, error) {
	d := &Data{Class: classes, Dims: []int{1, height, width}, Labels: labels, Pixels: pixels, StdDev: 1}
	if len(pixels) != len(labels)*height*width {
		return nil, errors.Errorf("img: have %d pixels for %d images of %dx%d", len(pixels), len(labels), height, width)
	}
	for i, label := range labels {
		if label < 0 || int(label) >= len(classes) {
			return nil, errors.Errorf("img: image %d label %d out of range", i, label)
		}
	}
	return d, nil
}

// Len function returns number of images
func (d *Data) Len() int { return len(d.Labels) }

// Classes functions number of differerent label values
func (d *Data) Classes() []string { return d.Class }

// Shape returns channels, height, width
func (d *Data) Shape() []int { return d.Dims }

// Label returns classification for given images
func (d *Data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

// Input returns scaled input data in buf array, each pixel is mapped to (pix/255 - mean) / stddev
func (d *Data) Input(index []int, buf []float32) {
	nfeat := d.nfeat()
	std := d.StdDev
	if std == 0 {
		std = 1
	}
	for i, ix := range index {
		src := d.Pixels[ix*nfeat : (ix+1)*nfeat]
		dst := buf[i*nfeat : (i+1)*nfeat]
		for j, pix := range src {
			dst[j] = (float32(pix)/255 - d.Mean) / std
		}
	}
}

// Normalise sets the mean and standard deviation used to scale the inputs
func (d *Data) Normalise(mean, std float32) *Data {
	d.Mean, d.StdDev = mean, std
	return d
}

// Image returns given image number as a grayscale image
func (d *Data) Image(ix int) *image.Gray {
	h, w := d.Dims[1], d.Dims[2]
	m := image.NewGray(image.Rect(0, 0, w, h))
	copy(m.Pix, d.Pixels[ix*w*h:(ix+1)*w*h])
	return m
}

func (d *Data) nfeat() int {
	n := 1
	for _, d := range d.Dims {
		n *= d
	}
	return n
}

// Calculate mean and stddev of the pixel values scaled to the range 0-1
func GetStats(sets ...*Data) (mean, std float32) {
	var s stats.Average
	for _, d := range sets {
		for _, pix := range d.Pixels {
			s.Add(float64(pix) / 255)
		}
	}
	return float32(s.Mean), float32(s.StdDev)
}
