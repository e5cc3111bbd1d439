// Package vp2 decodes Davis Vantage Pro 2 archive records.
//
// Only the rev-B 52-byte archive record is handled here; the surrounding
// DMPAFT page framing lives with the transport that carries it.
package vp2

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/meteologic/meteodata-collector/internal/domain"
)

// RecordLength is the size of one rev-B archive record.
const RecordLength = 52

// Dashed sensor values per the Davis serial protocol.
const (
	dashedI16 = 32767
	dashedU8  = 255
)

const (
	clickMM    = 0.2      // one rain click in millimetres
	mphToKmh   = 1.609344 // Davis wind speeds are mph
	inHgToHPa  = 33.86389 // barometer is thousandths of inHg
	inchToMM   = 25.4
)

// DecodeArchiveRecord parses one 52-byte archive record into a canonical
// observation. The record timestamp is interpreted in the station's timezone.
func DecodeArchiveRecord(station domain.Station, raw []byte) (domain.Observation, error) {
	if len(raw) != RecordLength {
		return domain.Observation{}, fmt.Errorf("op=vp2.decode: %w: record length %d", domain.ErrInvalidMessage, len(raw))
	}

	ts, err := recordTime(station, raw)
	if err != nil {
		return domain.Observation{}, err
	}
	obs := domain.NewObservation(station.ID, ts)

	if v, ok := tempTenthsF(raw[4:6]); ok {
		obs.OutsideTemp = domain.Some(v)
	}
	if v, ok := tempTenthsF(raw[6:8]); ok {
		obs.MaxTemp = domain.Some(v)
	}
	if v, ok := tempTenthsF(raw[8:10]); ok {
		obs.MinTemp = domain.Some(v)
	}
	if clicks := binary.LittleEndian.Uint16(raw[10:12]); clicks != 0xFFFF {
		obs.Rainfall = domain.Some(float64(clicks) * clickMM)
	}
	if rate := binary.LittleEndian.Uint16(raw[12:14]); rate != 0xFFFF {
		obs.RainRate = domain.Some(float64(rate) * clickMM)
	}
	if bar := binary.LittleEndian.Uint16(raw[14:16]); bar != 0 {
		obs.Pressure = domain.Some(float64(bar) / 1000 * inHgToHPa)
	}
	if solar := binary.LittleEndian.Uint16(raw[16:18]); solar != dashedI16 {
		obs.SolarRad = domain.Some(float64(solar))
	}
	if hum := raw[23]; hum != dashedU8 {
		obs.Humidity = domain.Some(float64(hum))
	}
	if wind := raw[24]; wind != dashedU8 {
		obs.WindSpeed = domain.Some(float64(wind) * mphToKmh)
	}
	if gust := raw[25]; gust != 0 && gust != dashedU8 {
		obs.Gust = domain.Some(float64(gust) * mphToKmh)
	}
	if dir := raw[27]; dir != dashedU8 {
		obs.WindDir = domain.Some(float64(dir) * 22.5)
	}
	if uv := raw[28]; uv != dashedU8 {
		obs.UVIndex = domain.Some(float64(uv) / 10)
	}
	if et := raw[29]; et != 0 {
		obs.Evapotranspiration = domain.Some(float64(et) / 1000 * inchToMM)
	}

	obs.ComputeDerived()
	return obs, nil
}

// recordTime decodes the packed date/time stamps: date = day + month*32 +
// (year-2000)*512; time = hour*100 + minute.
func recordTime(station domain.Station, raw []byte) (time.Time, error) {
	dateStamp := binary.LittleEndian.Uint16(raw[0:2])
	timeStamp := binary.LittleEndian.Uint16(raw[2:4])
	if dateStamp == 0xFFFF || timeStamp == 0xFFFF {
		return time.Time{}, fmt.Errorf("op=vp2.decode: %w: dashed timestamp", domain.ErrInvalidMessage)
	}

	day := int(dateStamp & 0x1F)
	month := int((dateStamp >> 5) & 0x0F)
	year := 2000 + int(dateStamp>>9)
	hour := int(timeStamp / 100)
	minute := int(timeStamp % 100)
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 {
		return time.Time{}, fmt.Errorf("op=vp2.decode: %w: timestamp out of range", domain.ErrInvalidMessage)
	}

	loc := time.UTC
	if station.TimeZone != "" {
		if l, err := time.LoadLocation(station.TimeZone); err == nil {
			loc = l
		}
	}
	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc), nil
}

// tempTenthsF reads a little-endian signed temperature in tenths of a degree
// Fahrenheit and converts it to Celsius. Reports false for dashed values.
func tempTenthsF(b []byte) (float64, bool) {
	v := int16(binary.LittleEndian.Uint16(b))
	if v == dashedI16 || v == -dashedI16-1 {
		return 0, false
	}
	f := float64(v) / 10
	return (f - 32) * 5 / 9, true
}

// EncodeTimestamp packs t into the DMPAFT date/time stamp pair, used when
// requesting a back-fill from a station.
func EncodeTimestamp(t time.Time) (dateStamp, timeStamp uint16) {
	dateStamp = uint16(t.Day()) | uint16(t.Month())<<5 | uint16(t.Year()-2000)<<9
	timeStamp = uint16(t.Hour()*100 + t.Minute())
	return dateStamp, timeStamp
}
