package img

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	labelMagic = 2049
	imageMagic = 2051
)

// Limits on the header values of an IDX file
const (
	maxImages = 1 << 20
	maxPixels = 1 << 30
)

// Mean and standard deviation of the MNIST training images
const (
	MNISTMean = 0.1307
	MNISTStd  = 0.3081
)

var Digits = []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}

type labelHeader struct{ Magic, Num uint32 }

type imageHeader struct{ Magic, Num, Height, Width uint32 }

// LoadMNIST reads the train or test set from the IDX files under dir.
// Files may be plain or gzip compressed with a .gz suffix.
func LoadMNIST(dir, set string) (*Data, error) {
	var prefix string
	switch set {
	case "train":
		prefix = "train"
	case "test":
		prefix = "t10k"
	default:
		return nil, errors.Errorf("mnist: invalid data set %q", set)
	}
	labels, err := readLabels(filepath.Join(dir, prefix+"-labels-idx1-ubyte"))
	if err != nil {
		return nil, err
	}
	pixels, h, w, err := readImages(filepath.Join(dir, prefix+"-images-idx3-ubyte"), len(labels))
	if err != nil {
		return nil, err
	}
	d, err := NewData(Digits, h, w, labels, pixels)
	if err != nil {
		return nil, err
	}
	return d.Normalise(MNISTMean, MNISTStd), nil
}

// ReadLabels decodes an IDX label file from r
func ReadLabels(r io.Reader) ([]int32, error) {
	var head labelHeader
	if err := binary.Read(r, binary.BigEndian, &head); err != nil {
		return nil, errors.Wrap(err, "mnist: error reading label header")
	}
	if head.Magic != labelMagic {
		return nil, errors.Errorf("mnist: bad label file magic %d", head.Magic)
	}
	if head.Num > maxImages {
		return nil, errors.Errorf("mnist: label count %d exceeds limit of %d", head.Num, maxImages)
	}
	bytes := make([]byte, head.Num)
	if _, err := io.ReadFull(r, bytes); err != nil {
		return nil, errors.Wrap(err, "mnist: error reading labels")
	}
	labels := make([]int32, head.Num)
	for i, label := range bytes {
		labels[i] = int32(label)
	}
	return labels, nil
}

// ReadImages decodes an IDX image file from r, returns the pixels and image height and width
func ReadImages(r io.Reader) (pixels []uint8, h, w int, err error) {
	var head imageHeader
	if err = binary.Read(r, binary.BigEndian, &head); err != nil {
		return nil, 0, 0, errors.Wrap(err, "mnist: error reading image header")
	}
	if head.Magic != imageMagic {
		return nil, 0, 0, errors.Errorf("mnist: bad image file magic %d", head.Magic)
	}
	if head.Num > maxImages {
		return nil, 0, 0, errors.Errorf("mnist: image count %d exceeds limit of %d", head.Num, maxImages)
	}
	if head.Height == 0 || head.Width == 0 {
		return nil, 0, 0, errors.Errorf("mnist: invalid image size %dx%d", head.Height, head.Width)
	}
	size := uint64(head.Num) * uint64(head.Height) * uint64(head.Width)
	if size > maxPixels {
		return nil, 0, 0, errors.Errorf("mnist: %d images of %dx%d exceeds limit of %d pixels", head.Num, head.Height, head.Width, maxPixels)
	}
	h, w = int(head.Height), int(head.Width)
	pixels = make([]uint8, size)
	if _, err = io.ReadFull(r, pixels); err != nil {
		return nil, 0, 0, errors.Wrap(err, "mnist: error reading images")
	}
	return pixels, h, w, nil
}

func readLabels(name string) ([]int32, error) {
	r, closer, err := openIDX(name)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	labels, err := ReadLabels(r)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}
	log.Printf("read %d labels from %s", len(labels), filepath.Base(name))
	return labels, nil
}

func readImages(name string, count int) ([]uint8, int, int, error) {
	r, closer, err := openIDX(name)
	if err != nil {
		return nil, 0, 0, err
	}
	defer closer.Close()
	pixels, h, w, err := ReadImages(r)
	if err != nil {
		return nil, 0, 0, errors.Wrap(err, name)
	}
	if h*w == 0 {
		return nil, 0, 0, errors.Errorf("mnist: %s has zero sized images", filepath.Base(name))
	}
	if n := len(pixels) / (h * w); n != count {
		return nil, 0, 0, errors.Errorf("mnist: %s has %d images but %d labels", filepath.Base(name), n, count)
	}
	log.Printf("read %d %dx%d images from %s", count, h, w, filepath.Base(name))
	return pixels, h, w, nil
}

// open name or name.gz
func openIDX(name string) (io.Reader, io.Closer, error) {
	if f, err := os.Open(name); err == nil {
		return bufio.NewReader(f), f, nil
	}
	f, err := os.Open(name + ".gz")
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mnist: cannot open %s", name)
	}
	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "mnist: %s.gz", name)
	}
	return zr, f, nil
}
