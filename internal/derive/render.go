package derive

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"

	"eewbot/internal/eew"
)

const (
	mapWidth  = 480
	mapHeight = 560
	marker    = 6 // half size, px
)

var (
	colorSea   = color.RGBA{R: 0x1b, G: 0x26, B: 0x36, A: 0xff}
	colorGrid  = color.RGBA{R: 0x2c, G: 0x3a, B: 0x4f, A: 0xff}
	colorEpi   = color.RGBA{R: 0xff, G: 0x20, B: 0x20, A: 0xff}
	colorWhite = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}

	intensityColors = [...]color.RGBA{
		{R: 0x7a, G: 0x86, B: 0x96, A: 0xff},
		{R: 0xe0, G: 0xfe, B: 0xe0, A: 0xff},
		{R: 0x33, G: 0xff, B: 0x33, A: 0xff},
		{R: 0xfe, G: 0xfd, B: 0x32, A: 0xff},
		{R: 0xfe, G: 0x85, B: 0x32, A: 0xff},
		{R: 0xfd, G: 0x52, B: 0x33, A: 0xff},
		{R: 0xc4, G: 0x3f, B: 0x3b, A: 0xff},
		{R: 0x9d, G: 0x46, B: 0x46, A: 0xff},
		{R: 0x9a, G: 0x4c, B: 0x86, A: 0xff},
		{R: 0xb5, G: 0x1f, B: 0xea, A: 0xff},
	}
)

// bounds is a lon/lat box mapped onto the image.
type bounds struct{ minLon, maxLon, minLat, maxLat float64 }

func (b bounds) project(lat, lon float64) image.Point {
	x := (lon - b.minLon) / (b.maxLon - b.minLon) * mapWidth
	y := (b.maxLat - lat) / (b.maxLat - b.minLat) * mapHeight
	return image.Pt(int(math.Round(x)), int(math.Round(y)))
}

func mapBounds(eq eew.Earthquake) bounds {
	b := bounds{minLon: 118.0, maxLon: 122.8, minLat: 21.7, maxLat: 26.4}
	const pad = 0.3
	b.minLon = math.Min(b.minLon, eq.Lon-pad)
	b.maxLon = math.Max(b.maxLon, eq.Lon+pad)
	b.minLat = math.Min(b.minLat, eq.Lat-pad)
	b.maxLat = math.Max(b.maxLat, eq.Lat+pad)
	return b
}

// RenderMap draws region markers colored by intensity and the epicenter as
// a cross, encoded as PNG.
func RenderMap(eq eew.Earthquake, regions []eew.RegionEstimate) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, mapWidth, mapHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(colorSea), image.Point{}, draw.Src)

	b := mapBounds(eq)
	for lon := math.Ceil(b.minLon); lon <= b.maxLon; lon++ {
		x := b.project(b.minLat, lon).X
		fill(img, image.Rect(x, 0, x+1, mapHeight), colorGrid)
	}
	for lat := math.Ceil(b.minLat); lat <= b.maxLat; lat++ {
		y := b.project(lat, b.minLon).Y
		fill(img, image.Rect(0, y, mapWidth, y+1), colorGrid)
	}

	for _, r := range regions {
		p := b.project(r.Lat, r.Lon)
		c := intensityColors[0]
		if r.Intensity.Valid() {
			c = intensityColors[r.Intensity]
		}
		fill(img, image.Rect(p.X-marker-1, p.Y-marker-1, p.X+marker+1, p.Y+marker+1), colorSea)
		fill(img, image.Rect(p.X-marker, p.Y-marker, p.X+marker, p.Y+marker), c)
	}

	epi := b.project(eq.Lat, eq.Lon)
	cross(img, epi, 10, 3, colorWhite)
	cross(img, epi, 9, 1, colorEpi)

	// Legend for classes 1..7 along the bottom edge.
	for i := 1; i < len(intensityColors); i++ {
		x := 8 + (i-1)*18
		fill(img, image.Rect(x, mapHeight-20, x+14, mapHeight-8), intensityColors[i])
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func fill(img *image.RGBA, r image.Rectangle, c color.Color) {
	draw.Draw(img, r.Intersect(img.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
}

// cross draws an X of half-size n and stroke width w.
func cross(img *image.RGBA, p image.Point, n, w int, c color.RGBA) {
	for d := -n; d <= n; d++ {
		for t := -w / 2; t <= w/2; t++ {
			for _, q := range []image.Point{{p.X + d + t, p.Y + d}, {p.X + d + t, p.Y - d}} {
				if q.In(img.Bounds()) {
					img.SetRGBA(q.X, q.Y, c)
				}
			}
		}
	}
}
