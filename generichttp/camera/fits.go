package camera

import (
	"fmt"
	"io"

	"github.com/astrogo/fitsio"
	cam "github.jpl.nasa.gov/bdube/xspress/camera"
)

// cubeZero is the BZERO that maps uint32 counts onto FITS' signed 32-bit integers
const cubeZero = 2147483648

// WriteCube streams frames as a FITS cube to w.  Each frame holds channels
// runs of stride counts, giving NAXIS1 = stride, NAXIS2 = channels and
// NAXIS3 = len(frames).
func WriteCube(w io.Writer, metadata []fitsio.Card, frames [][]uint32, channels, stride int) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to write")
	}
	n := channels * stride
	for i, f := range frames {
		if len(f) != n {
			return fmt.Errorf("frame %d has %d elements, expected %d", i, len(f), n)
		}
	}
	metadata = append(metadata,
		fitsio.Card{Name: "BZERO", Value: cubeZero},
		fitsio.Card{Name: "BSCALE", Value: 1.0})

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(32, []int{stride, channels, len(frames)})
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}

	ints := make([]int32, 0, n*len(frames))
	for _, f := range frames {
		for _, v := range f {
			// wraps to the offset representation
			ints = append(ints, int32(v-cubeZero))
		}
	}
	err = im.Write(ints)
	if err != nil {
		return err
	}
	return fits.Write(im)
}

// Cube reads count frames starting at first from src
func Cube(src cam.FrameSource, first, count int) ([][]uint32, error) {
	if count < 1 {
		return nil, fmt.Errorf("frame count must be at least 1, got %d", count)
	}
	// count may come from a request; ReadFrame bounds it
	var out [][]uint32
	for i := 0; i < count; i++ {
		f, err := src.ReadFrame(first + i)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// FrameCard records the index of the first frame of a cube
func FrameCard(first int) fitsio.Card {
	return fitsio.Card{Name: "FRAME0", Value: first, Comment: "index of the first frame"}
}
