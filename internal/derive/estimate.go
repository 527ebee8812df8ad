package derive

import (
	"math"
	"sort"
	"time"

	"eewbot/internal/eew"
)

const (
	earthRadiusKm = 6371.0
	sWaveKmPerSec = 3.5
)

// Estimate predicts intensity and S-wave arrival for every region. The
// result is sorted by arrival, earliest first. It is an approximation for
// display, not a seismological model.
func Estimate(eq eew.Earthquake, regions []Region) []eew.RegionEstimate {
	out := make([]eew.RegionEstimate, 0, len(regions))
	depth := math.Max(eq.Depth, 0)
	for _, r := range regions {
		epi := haversineKm(eq.Lat, eq.Lon, r.Lat, r.Lon)
		hypo := math.Hypot(epi, depth)
		out = append(out, eew.RegionEstimate{
			City:      r.City,
			Region:    r.Name,
			Lat:       r.Lat,
			Lon:       r.Lon,
			Distance:  hypo,
			Intensity: eew.IntensityFromPGA(pga(eq.Magnitude, hypo)),
			Arrival:   sArrival(eq.Time, hypo),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}

// pga is the Taiwan attenuation relation, in gal.
func pga(mag, hypoKm float64) float64 {
	if hypoKm < 1 {
		hypoKm = 1
	}
	return 1.657 * math.Exp(1.533*mag) * math.Pow(hypoKm, -1.607)
}

func sArrival(origin time.Time, hypoKm float64) time.Time {
	return origin.Add(time.Duration(hypoKm / sWaveKmPerSec * float64(time.Second)))
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	p1, p2 := lat1*math.Pi/180, lat2*math.Pi/180
	dp := p2 - p1
	dl := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dp/2)*math.Sin(dp/2) + math.Cos(p1)*math.Cos(p2)*math.Sin(dl/2)*math.Sin(dl/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}
