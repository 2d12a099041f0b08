// Package spatial segments location pings into stays and detects
// co-presence between two identities.
package spatial

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// EarthRadiusM is the mean Earth radius used by Haversine.
const EarthRadiusM = 6371000.0

// Haversine returns the great-circle distance in metres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	p1, p2 := lat1*math.Pi/180, lat2*math.Pi/180
	dp := (lat2 - lat1) * math.Pi / 180
	dl := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dp/2)*math.Sin(dp/2) + math.Cos(p1)*math.Cos(p2)*math.Sin(dl/2)*math.Sin(dl/2)
	return 2 * EarthRadiusM * math.Asin(math.Min(1, math.Sqrt(a)))
}

// StayOptions controls stay segmentation.
type StayOptions struct {
	RadiusM float64
	MinStay time.Duration
}

// DefaultStayOptions returns a 200 m radius and a 20 minute minimum.
func DefaultStayOptions() StayOptions {
	return StayOptions{RadiusM: 200, MinStay: 20 * time.Minute}
}

// SegmentStays groups time-ordered pings into stays. A stay is anchored on
// a ping and extended while the next ping stays within RadiusM of the
// anchor; it is kept when it lasts at least MinStay.
func SegmentStays(ctx context.Context, key string, pings []domain.Ping, opts StayOptions) ([]domain.StayInterval, error) {
	if opts.RadiusM <= 0 || opts.MinStay <= 0 {
		d := DefaultStayOptions()
		if opts.RadiusM <= 0 {
			opts.RadiusM = d.RadiusM
		}
		if opts.MinStay <= 0 {
			opts.MinStay = d.MinStay
		}
	}

	pts := append([]domain.Ping(nil), pings...)
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Timestamp.Before(pts[j].Timestamp) })

	var stays []domain.StayInterval
	i := 0
	for i < len(pts) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		j := i
		for j+1 < len(pts) && Haversine(pts[i].Lat, pts[i].Lon, pts[j+1].Lat, pts[j+1].Lon) <= opts.RadiusM {
			j++
		}
		dur := pts[j].Timestamp.Sub(pts[i].Timestamp)
		if dur >= opts.MinStay {
			var lat, lon float64
			for k := i; k <= j; k++ {
				lat += pts[k].Lat
				lon += pts[k].Lon
			}
			n := float64(j - i + 1)
			stays = append(stays, domain.StayInterval{
				IdentityKey: key,
				Start:       pts[i].Timestamp,
				End:         pts[j].Timestamp,
				CentroidLat: lat / n,
				CentroidLon: lon / n,
				SampleCount: j - i + 1,
				DurationS:   dur.Seconds(),
			})
		}
		i = max(i+1, j+1)
	}
	return stays, nil
}

// Trips returns the movement between each pair of consecutive stays.
func Trips(stays []domain.StayInterval) []domain.Trip {
	if len(stays) < 2 {
		return nil
	}
	trips := make([]domain.Trip, 0, len(stays)-1)
	for k := 1; k < len(stays); k++ {
		a, b := stays[k-1], stays[k]
		trips = append(trips, domain.Trip{
			FromLat:   a.CentroidLat,
			FromLon:   a.CentroidLon,
			ToLat:     b.CentroidLat,
			ToLon:     b.CentroidLon,
			DistanceM: Haversine(a.CentroidLat, a.CentroidLon, b.CentroidLat, b.CentroidLon),
			GapS:      b.Start.Sub(a.End).Seconds(),
		})
	}
	return trips
}

// TopStays returns the n longest stays, longest first.
func TopStays(stays []domain.StayInterval, n int) []domain.StayInterval {
	out := append([]domain.StayInterval(nil), stays...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].DurationS > out[j].DurationS })
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Overlap returns the shared seconds of [a0,a1] and [b0,b1].
func Overlap(a0, a1, b0, b1 time.Time) float64 {
	start := a0
	if b0.After(start) {
		start = b0
	}
	end := a1
	if b1.Before(end) {
		end = b1
	}
	return math.Max(0, end.Sub(start).Seconds())
}
