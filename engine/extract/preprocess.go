package extract

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"
)

// Preprocess converts img to grayscale, binarizes it with Otsu's threshold
// and removes speckle noise with a 3x3 median filter.
func Preprocess(img image.Image) *image.Gray {
	gray := toGray(img)
	binarize(gray, otsuThreshold(gray))
	return median3(gray)
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Stride == g.Bounds().Dx() {
		out := image.NewGray(g.Bounds())
		copy(out.Pix, g.Pix)
		return out
	}
	b := img.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return out
}

// otsuThreshold picks the level that maximises between-class variance.
func otsuThreshold(g *image.Gray) uint8 {
	var hist [256]int
	b := g.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := g.Pix[(y-b.Min.Y)*g.Stride:]
		for x := 0; x < b.Dx(); x++ {
			hist[row[x]]++
		}
	}
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 128
	}

	var sumAll float64
	for i, n := range hist {
		sumAll += float64(i * n)
	}
	var (
		sumB, best float64
		wB         int
		threshold  uint8
	)
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / float64(wB)
		mF := (sumAll - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = uint8(t)
		}
	}
	return threshold
}

func binarize(g *image.Gray, t uint8) {
	for i, v := range g.Pix {
		if v > t {
			g.Pix[i] = 255
		} else {
			g.Pix[i] = 0
		}
	}
}

// median3 applies a 3x3 median filter; border pixels use the clamped edge.
func median3(g *image.Gray) *image.Gray {
	b := g.Bounds()
	out := image.NewGray(b)
	var win [9]uint8
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			k := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					win[k] = g.GrayAt(clamp(x+dx, b.Min.X, b.Max.X-1), clamp(y+dy, b.Min.Y, b.Max.Y-1)).Y
					k++
				}
			}
			out.SetGray(x, y, color.Gray{Y: median9(win)})
		}
	}
	return out
}

func median9(w [9]uint8) uint8 {
	for i := 1; i < len(w); i++ {
		for j := i; j > 0 && w[j-1] > w[j]; j-- {
			w[j-1], w[j] = w[j], w[j-1]
		}
	}
	return w[4]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// preprocessFile rewrites the image at path as a cleaned PNG next to it and
// returns the new path.
func preprocessFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}

	outPath := strings.TrimSuffix(path, ".png") + "-clean.png"
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	if err := png.Encode(out, Preprocess(img)); err != nil {
		out.Close()
		return "", err
	}
	return outPath, out.Close()
}
