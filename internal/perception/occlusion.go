package perception

import "image"

// MeanLuminance returns the average Rec. 601 luma of img on a 0–255 scale.
func MeanLuminance(img *image.RGBA) float64 {
	b := img.Bounds()
	if b.Empty() {
		return 0
	}

	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		i := img.PixOffset(b.Min.X, y)
		for x := b.Min.X; x < b.Max.X; x++ {
			sum += 0.299*float64(img.Pix[i]) + 0.587*float64(img.Pix[i+1]) + 0.114*float64(img.Pix[i+2])
			i += 4
		}
	}
	return sum / float64(b.Dx()*b.Dy())
}

// IsOccluded reports whether the frame is dark enough to mean a covered lens.
func IsOccluded(img *image.RGBA, threshold float64) bool {
	return MeanLuminance(img) < threshold
}
