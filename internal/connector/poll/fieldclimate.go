package poll

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meteologic/meteodata-collector/internal/domain"
)

// DefaultFieldClimateBaseURL is the production FieldClimate endpoint.
const DefaultFieldClimateBaseURL = "https://api.fieldclimate.com/v2"

// FieldClimateDownloader polls one Pessl station through the FieldClimate API.
type FieldClimateDownloader struct {
	station   domain.Station
	foreignID string
	key       string
	secret    string
	client    *PacedClient
	baseURL   string
}

// NewFieldClimateDownloader builds a downloader for one station.
func NewFieldClimateDownloader(station domain.Station, foreignID, key, secret string, client *PacedClient, baseURL string) *FieldClimateDownloader {
	if baseURL == "" {
		baseURL = DefaultFieldClimateBaseURL
	}
	return &FieldClimateDownloader{
		station:   station,
		foreignID: foreignID,
		key:       key,
		secret:    secret,
		client:    client,
		baseURL:   baseURL,
	}
}

// Station implements Downloader.
func (d *FieldClimateDownloader) Station() domain.Station { return d.station }

// authHeader builds the HMAC header set: signature over method + path + date
// + public key, keyed by the private key.
func (d *FieldClimateDownloader) authHeader(method, path string) http.Header {
	date := time.Now().UTC().Format(http.TimeFormat)
	mac := hmac.New(sha256.New, []byte(d.secret))
	mac.Write([]byte(method + path + date + d.key))
	h := http.Header{}
	h.Set("Date", date)
	h.Set("Accept", "application/json")
	h.Set("Authorization", "hmac "+d.key+":"+hex.EncodeToString(mac.Sum(nil)))
	return h
}

type fieldClimateRecord struct {
	Date     int64    `json:"date"`
	AirTemp  *float64 `json:"air_temp_avg"`
	AirMax   *float64 `json:"air_temp_max"`
	AirMin   *float64 `json:"air_temp_min"`
	RH       *float64 `json:"relative_humidity_avg"`
	DewPoint *float64 `json:"dew_point_avg"`
	Wind     *float64 `json:"wind_speed_avg"`
	WindDir  *float64 `json:"wind_dir"`
	Gust     *float64 `json:"wind_speed_max"`
	Rain     *float64 `json:"precipitation_sum"`
	Pressure *float64 `json:"air_pressure_avg"`
	SolarRad *float64 `json:"solar_radiation_avg"`
}

func (d *FieldClimateDownloader) toObservation(rec fieldClimateRecord) domain.Observation {
	obs := domain.NewObservation(d.station.ID, time.Unix(rec.Date, 0))
	obs.OutsideTemp = sample(rec.AirTemp)
	obs.MaxTemp = sample(rec.AirMax)
	obs.MinTemp = sample(rec.AirMin)
	obs.Humidity = sample(rec.RH)
	obs.DewPoint = sample(rec.DewPoint)
	obs.WindSpeed = sample(rec.Wind)
	obs.WindDir = sample(rec.WindDir)
	obs.Gust = sample(rec.Gust)
	obs.Rainfall = sample(rec.Rain)
	obs.Pressure = sample(rec.Pressure)
	obs.SolarRad = sample(rec.SolarRad)
	obs.ComputeDerived()
	return obs
}

func (d *FieldClimateDownloader) fetch(ctx context.Context, path string, out any) error {
	op := func() error {
		resp, err := d.client.Get(ctx, d.baseURL+path, d.authHeader(http.MethodGet, path))
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		return json.NewDecoder(resp.Body).Decode(out)
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx))
	if err != nil {
		return fmt.Errorf("op=poll.fieldclimate.fetch: %w", err)
	}
	return nil
}

// LatestAvailable implements Downloader via the last-data endpoint.
func (d *FieldClimateDownloader) LatestAvailable(ctx context.Context) (time.Time, error) {
	var parsed struct {
		MaxDate int64 `json:"max_date"`
	}
	if err := d.fetch(ctx, "/station/"+d.foreignID+"/info", &parsed); err != nil {
		return time.Time{}, err
	}
	if parsed.MaxDate == 0 {
		return time.Time{}, fmt.Errorf("op=poll.fieldclimate.latest: no data for station %s", d.foreignID)
	}
	return time.Unix(parsed.MaxDate, 0).UTC(), nil
}

// DownloadSince implements Downloader over the raw-data range endpoint.
func (d *FieldClimateDownloader) DownloadSince(ctx context.Context, from, to time.Time, pageSize int, emit func(domain.Observation) error) error {
	period := d.station.PollPeriod
	if period <= 0 {
		period = 5 * time.Minute
	}
	window := time.Duration(pageSize) * period

	for start := from; start.Before(to); {
		end := start.Add(window)
		if end.After(to) {
			end = to
		}
		path := "/data/" + d.foreignID + "/raw/from/" +
			strconv.FormatInt(start.Unix(), 10) + "/to/" + strconv.FormatInt(end.Unix(), 10)
		var records []fieldClimateRecord
		if err := d.fetch(ctx, path, &records); err != nil {
			return err
		}
		for _, rec := range records {
			ts := time.Unix(rec.Date, 0)
			if !ts.After(start) || ts.After(end) {
				continue
			}
			if err := emit(d.toObservation(rec)); err != nil {
				return err
			}
		}
		start = end
	}
	return nil
}

var _ Downloader = (*FieldClimateDownloader)(nil)
