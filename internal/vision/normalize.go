package vision

// ImageNet channel means in BGR order, as used by VGG16 caffe-style inputs.
var vggMeanBGR = [3]float32{103.939, 116.779, 123.68}

// VGGNormalizer converts RGB crops to zero-centred BGR floats, matching the
// preprocessing the re-identification network was trained with.
type VGGNormalizer struct{}

// Normalize writes the normalised HWC BGR values of crop into dst.
func (VGGNormalizer) Normalize(crop []uint8, dst []float32) {
	for p := 0; p+2 < len(crop); p += 3 {
		r, g, b := float32(crop[p]), float32(crop[p+1]), float32(crop[p+2])
		dst[p] = b - vggMeanBGR[0]
		dst[p+1] = g - vggMeanBGR[1]
		dst[p+2] = r - vggMeanBGR[2]
	}
}
