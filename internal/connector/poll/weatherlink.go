package poll

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meteologic/meteodata-collector/internal/domain"
)

// DefaultWeatherlinkBaseURL is the production WeatherLink APIv2 endpoint.
const DefaultWeatherlinkBaseURL = "https://api.weatherlink.com/v2"

// WeatherlinkDownloader polls one station through the WeatherLink APIv2.
type WeatherlinkDownloader struct {
	station   domain.Station
	foreignID string
	key       string
	secret    string
	client    *PacedClient
	baseURL   string
}

// NewWeatherlinkDownloader builds a downloader for one station. foreignID is
// the upstream station identifier.
func NewWeatherlinkDownloader(station domain.Station, foreignID, key, secret string, client *PacedClient, baseURL string) *WeatherlinkDownloader {
	if baseURL == "" {
		baseURL = DefaultWeatherlinkBaseURL
	}
	return &WeatherlinkDownloader{
		station:   station,
		foreignID: foreignID,
		key:       key,
		secret:    secret,
		client:    client,
		baseURL:   baseURL,
	}
}

// Station implements Downloader.
func (d *WeatherlinkDownloader) Station() domain.Station { return d.station }

// sign computes the APIv2 request signature: HMAC-SHA256 over the sorted
// concatenation of parameter names and values.
func (d *WeatherlinkDownloader) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	mac := hmac.New(sha256.New, []byte(d.secret))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(params[k]))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *WeatherlinkDownloader) signedURL(path string, extra map[string]string) string {
	params := map[string]string{
		"api-key":    d.key,
		"station-id": d.foreignID,
		"t":          strconv.FormatInt(time.Now().Unix(), 10),
	}
	for k, v := range extra {
		params[k] = v
	}
	params["api-signature"] = d.sign(params)

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return d.baseURL + path + "/" + d.foreignID + "?" + values.Encode()
}

type weatherlinkRecord struct {
	TS          int64    `json:"ts"`
	TempOut     *float64 `json:"temp_out"`
	TempOutHi   *float64 `json:"temp_out_hi"`
	TempOutLo   *float64 `json:"temp_out_lo"`
	HumOut      *float64 `json:"hum_out"`
	DewPoint    *float64 `json:"dew_point"`
	WindAvg     *float64 `json:"wind_speed_avg"`
	WindDir     *float64 `json:"wind_dir_of_prevail"`
	WindHi      *float64 `json:"wind_speed_hi"`
	Rainfall    *float64 `json:"rainfall_mm"`
	RainRateHi  *float64 `json:"rain_rate_hi_mm"`
	Bar         *float64 `json:"bar_sea_level"`
	SolarRadAvg *float64 `json:"solar_rad_avg"`
	UVIndexAvg  *float64 `json:"uv_index_avg"`
	ET          *float64 `json:"et"`
}

type weatherlinkResponse struct {
	Sensors []struct {
		Data []weatherlinkRecord `json:"data"`
	} `json:"sensors"`
}

func sample(v *float64) domain.Sample {
	if v == nil {
		return domain.Sample{}
	}
	return domain.Some(*v)
}

func (d *WeatherlinkDownloader) toObservation(rec weatherlinkRecord) domain.Observation {
	obs := domain.NewObservation(d.station.ID, time.Unix(rec.TS, 0))
	obs.OutsideTemp = sample(rec.TempOut)
	obs.MaxTemp = sample(rec.TempOutHi)
	obs.MinTemp = sample(rec.TempOutLo)
	obs.Humidity = sample(rec.HumOut)
	obs.DewPoint = sample(rec.DewPoint)
	obs.WindSpeed = sample(rec.WindAvg)
	obs.WindDir = sample(rec.WindDir)
	obs.Gust = sample(rec.WindHi)
	obs.Rainfall = sample(rec.Rainfall)
	obs.RainRate = sample(rec.RainRateHi)
	obs.Pressure = sample(rec.Bar)
	obs.SolarRad = sample(rec.SolarRadAvg)
	obs.UVIndex = sample(rec.UVIndexAvg)
	obs.Evapotranspiration = sample(rec.ET)
	obs.ComputeDerived()
	return obs
}

func (d *WeatherlinkDownloader) fetch(ctx context.Context, u string) (weatherlinkResponse, error) {
	var parsed weatherlinkResponse
	op := func() error {
		resp, err := d.client.Get(ctx, u, nil)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		parsed = weatherlinkResponse{}
		return json.NewDecoder(resp.Body).Decode(&parsed)
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx))
	if err != nil {
		return weatherlinkResponse{}, fmt.Errorf("op=poll.weatherlink.fetch: %w", err)
	}
	return parsed, nil
}

// LatestAvailable implements Downloader via the current-conditions endpoint.
func (d *WeatherlinkDownloader) LatestAvailable(ctx context.Context) (time.Time, error) {
	parsed, err := d.fetch(ctx, d.signedURL("/current", nil))
	if err != nil {
		return time.Time{}, err
	}
	var latest int64
	for _, sensor := range parsed.Sensors {
		for _, rec := range sensor.Data {
			if rec.TS > latest {
				latest = rec.TS
			}
		}
	}
	if latest == 0 {
		return time.Time{}, fmt.Errorf("op=poll.weatherlink.latest: no data for station %s", d.foreignID)
	}
	return time.Unix(latest, 0).UTC(), nil
}

// DownloadSince implements Downloader: the historic endpoint is walked in
// windows of pageSize records (pageSize * poll period of wall time), emitting
// records in source order.
func (d *WeatherlinkDownloader) DownloadSince(ctx context.Context, from, to time.Time, pageSize int, emit func(domain.Observation) error) error {
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
		u := d.signedURL("/historic", map[string]string{
			"start-timestamp": strconv.FormatInt(start.Unix(), 10),
			"end-timestamp":   strconv.FormatInt(end.Unix(), 10),
		})
		parsed, err := d.fetch(ctx, u)
		if err != nil {
			return err
		}
		for _, sensor := range parsed.Sensors {
			for _, rec := range sensor.Data {
				ts := time.Unix(rec.TS, 0)
				if !ts.After(start) || ts.After(end) {
					continue
				}
				if err := emit(d.toObservation(rec)); err != nil {
					return err
				}
			}
		}
		start = end
	}
	return nil
}

var _ Downloader = (*WeatherlinkDownloader)(nil)
