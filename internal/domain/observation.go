package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// MaxFutureDrift bounds how far in the future an observation timestamp may lie
// before it is rejected as an invariant breach.
const MaxFutureDrift = 24 * time.Hour

// Sample is one physical quantity: absent means missing, never zero.
type Sample struct {
	Present bool
	Value   float64
}

// Some returns a present sample.
func Some(v float64) Sample { return Sample{Present: true, Value: v} }

// Observation is one canonical record of sensed quantities at one timestamp
// for one station. Day is always floor(Time, 1 day) in UTC.
// Observations are move-only values from decoder to sink.
type Observation struct {
	Station uuid.UUID
	Time    time.Time
	Day     time.Time

	OutsideTemp        Sample
	MinTemp            Sample
	MaxTemp            Sample
	Humidity           Sample
	DewPoint           Sample
	WindSpeed          Sample
	WindDir            Sample
	Gust               Sample
	Rainfall           Sample
	RainRate           Sample
	Pressure           Sample
	SolarRad           Sample
	UVIndex            Sample
	HeatIndex          Sample
	WindChill          Sample
	THSW               Sample
	Evapotranspiration Sample
}

// NewObservation builds an observation for station at t, deriving the day
// bucket. The timestamp is truncated to the second.
func NewObservation(station uuid.UUID, t time.Time) Observation {
	t = t.UTC().Truncate(time.Second)
	return Observation{
		Station: station,
		Time:    t,
		Day:     t.Truncate(24 * time.Hour),
	}
}

// Valid reports whether the observation can enter the pipeline: a non-zero
// timestamp and at least one present quantity.
func (o Observation) Valid() bool {
	if o.Time.IsZero() {
		return false
	}
	for _, f := range o.Fields() {
		if f.Sample.Present {
			return true
		}
	}
	return false
}

// Field pairs a quantity name with its sample. The name doubles as the sink
// column name.
type Field struct {
	Name   string
	Sample Sample
}

// Fields enumerates every quantity in a fixed order. Sinks and round-trip
// tests iterate this instead of reflecting over the struct.
func (o Observation) Fields() []Field {
	return []Field{
		{"outside_temp", o.OutsideTemp},
		{"min_temp", o.MinTemp},
		{"max_temp", o.MaxTemp},
		{"humidity", o.Humidity},
		{"dew_point", o.DewPoint},
		{"wind_speed", o.WindSpeed},
		{"wind_dir", o.WindDir},
		{"gust", o.Gust},
		{"rainfall", o.Rainfall},
		{"rain_rate", o.RainRate},
		{"pressure", o.Pressure},
		{"solar_rad", o.SolarRad},
		{"uv_index", o.UVIndex},
		{"heat_index", o.HeatIndex},
		{"wind_chill", o.WindChill},
		{"thsw", o.THSW},
		{"evapotranspiration", o.Evapotranspiration},
	}
}

// SetField assigns a sample by quantity name; unknown names are ignored.
func (o *Observation) SetField(name string, s Sample) {
	switch name {
	case "outside_temp":
		o.OutsideTemp = s
	case "min_temp":
		o.MinTemp = s
	case "max_temp":
		o.MaxTemp = s
	case "humidity":
		o.Humidity = s
	case "dew_point":
		o.DewPoint = s
	case "wind_speed":
		o.WindSpeed = s
	case "wind_dir":
		o.WindDir = s
	case "gust":
		o.Gust = s
	case "rainfall":
		o.Rainfall = s
	case "rain_rate":
		o.RainRate = s
	case "pressure":
		o.Pressure = s
	case "solar_rad":
		o.SolarRad = s
	case "uv_index":
		o.UVIndex = s
	case "heat_index":
		o.HeatIndex = s
	case "wind_chill":
		o.WindChill = s
	case "thsw":
		o.THSW = s
	case "evapotranspiration":
		o.Evapotranspiration = s
	}
}

// ComputeDerived fills heat index and wind chill when their inputs are
// present. Derived fields already set by the decoder are left alone; a derived
// field whose inputs are missing stays absent.
func (o *Observation) ComputeDerived() {
	if !o.HeatIndex.Present && o.OutsideTemp.Present && o.Humidity.Present {
		o.HeatIndex = Some(heatIndex(o.OutsideTemp.Value, o.Humidity.Value))
	}
	if !o.WindChill.Present && o.OutsideTemp.Present && o.WindSpeed.Present {
		o.WindChill = Some(windChill(o.OutsideTemp.Value, o.WindSpeed.Value))
	}
}

// heatIndex computes the Rothfusz regression (inputs: °C, %RH; output °C).
// Below the regression's validity range the dry temperature is returned.
func heatIndex(tempC, rh float64) float64 {
	tf := tempC*9/5 + 32
	if tf < 80 {
		return tempC
	}
	hi := -42.379 + 2.04901523*tf + 10.14333127*rh -
		0.22475541*tf*rh - 0.00683783*tf*tf - 0.05481717*rh*rh +
		0.00122874*tf*tf*rh + 0.00085282*tf*rh*rh - 0.00000199*tf*tf*rh*rh
	return (hi - 32) * 5 / 9
}

// windChill computes the North American wind chill index (°C, km/h). Outside
// the defined range (temp > 10°C or wind < 4.8 km/h) the dry temperature is
// returned.
func windChill(tempC, windKmh float64) float64 {
	if tempC > 10 || windKmh < 4.8 {
		return tempC
	}
	v := math.Pow(windKmh, 0.16)
	return 13.12 + 0.6215*tempC - 11.37*v + 0.3965*tempC*v
}
