package gpsd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/friesr/pi5-ptp/pkg/models"
)

// Measurement names produced by Decode
const (
	MeasurementFix = "gnss"
	MeasurementSky = "gnss_sky"
	MeasurementPPS = "gnss_pps"
)

type envelope struct {
	Class string `json:"class"`
}

type tpvReport struct {
	Device string   `json:"device"`
	Mode   *int64   `json:"mode"`
	Time   string   `json:"time"`
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Alt    *float64 `json:"alt"`
	AltMSL *float64 `json:"altMSL"`
	AltHAE *float64 `json:"altHAE"`
	Speed  *float64 `json:"speed"`
	Climb  *float64 `json:"climb"`
	Track  *float64 `json:"track"`
	Eph    *float64 `json:"eph"`
	Epv    *float64 `json:"epv"`
}

type skyReport struct {
	Time       string      `json:"time"`
	Satellites []satellite `json:"satellites"`
}

type satellite struct {
	PRN    *int64   `json:"PRN"`
	GnssID *int64   `json:"gnssid"`
	SvID   *int64   `json:"svid"`
	Used   bool     `json:"used"`
	SS     *float64 `json:"ss"`
	El     *float64 `json:"el"`
	Az     *float64 `json:"az"`
}

type ppsReport struct {
	Device    string `json:"device"`
	RealSec   int64  `json:"real_sec"`
	RealNsec  int64  `json:"real_nsec"`
	ClockSec  int64  `json:"clock_sec"`
	ClockNsec int64  `json:"clock_nsec"`
	Precision *int64 `json:"precision"`
}

// Decode converts one gpsd JSON report into records. Reports of classes
// other than TPV, SKY and PPS, and TPV reports without a position, yield no
// records and a nil error. Malformed JSON returns an error.
func Decode(line []byte) ([]models.Record, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode gpsd report: %w", err)
	}

	switch env.Class {
	case "TPV":
		var r tpvReport
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("decode TPV: %w", err)
		}
		return decodeTPV(r)
	case "SKY":
		var r skyReport
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("decode SKY: %w", err)
		}
		return decodeSky(r)
	case "PPS":
		var r ppsReport
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("decode PPS: %w", err)
		}
		return decodePPS(r)
	default:
		return nil, nil
	}
}

func decodeTPV(r tpvReport) ([]models.Record, error) {
	if r.Lat == nil || r.Lon == nil {
		return nil, nil
	}

	var mode int64
	if r.Mode != nil {
		mode = *r.Mode
	}

	alt := r.Alt
	if alt == nil {
		alt = r.AltMSL
	}
	if alt == nil {
		alt = r.AltHAE
	}

	rec, err := models.NewBuilder(MeasurementFix).
		Tag("mode", models.Int(mode)).
		Field("lat", models.Float(*r.Lat)).
		Field("lon", models.Float(*r.Lon)).
		OptFloat("alt", alt).
		OptFloat("speed", r.Speed).
		OptFloat("climb", r.Climb).
		OptFloat("track", r.Track).
		OptFloat("eph", r.Eph).
		OptFloat("epv", r.Epv).
		Time(reportTime(r.Time)).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build TPV record: %w", err)
	}
	return []models.Record{rec}, nil
}

func decodeSky(r skyReport) ([]models.Record, error) {
	ts := reportTime(r.Time)
	out := make([]models.Record, 0, len(r.Satellites))

	for _, sat := range r.Satellites {
		b := models.NewBuilder(MeasurementSky)
		if sat.PRN != nil {
			b.Tag("prn", models.Int(*sat.PRN))
		}
		if sat.GnssID != nil {
			b.Tag("gnssid", models.Int(*sat.GnssID))
		}
		if sat.SvID != nil {
			b.Tag("svid", models.Int(*sat.SvID))
		}
		b.Tag("used", models.Bool(sat.Used)).
			OptFloat("ss", sat.SS).
			OptFloat("el", sat.El).
			OptFloat("az", sat.Az).
			Time(ts)

		if b.NumFields() == 0 {
			continue
		}
		rec, err := b.Build()
		if err != nil {
			return nil, fmt.Errorf("build SKY record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodePPS(r ppsReport) ([]models.Record, error) {
	offset := (r.ClockSec-r.RealSec)*int64(time.Second) + (r.ClockNsec - r.RealNsec)

	b := models.NewBuilder(MeasurementPPS)
	if r.Device != "" {
		b.Tag("device", models.String(r.Device))
	}
	rec, err := b.Field("offset_ns", models.Int(offset)).
		OptInt("precision", r.Precision).
		Time(models.At(r.RealSec*int64(time.Second) + r.RealNsec)).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build PPS record: %w", err)
	}
	return []models.Record{rec}, nil
}

// reportTime parses gpsd's ISO8601 time. A missing or unparseable value
// leaves the record without a timestamp so the sink assigns arrival time.
func reportTime(s string) models.Timestamp {
	if s == "" {
		return models.NoTimestamp
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return models.NoTimestamp
	}
	return models.AtTime(t)
}
