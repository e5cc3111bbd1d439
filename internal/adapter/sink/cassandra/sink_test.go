package cassandra

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteologic/meteodata-collector/internal/domain"
)

type fakeExecutor struct {
	stmt   string
	values []any
	err    error
}

func (f *fakeExecutor) ExecContext(_ context.Context, stmt string, values ...any) error {
	f.stmt, f.values = stmt, values
	return f.err
}

func TestInsert_BindsStationDayTimeAndFields(t *testing.T) {
	exec := &fakeExecutor{}
	obs := domain.NewObservation(uuid.New(), time.Date(2024, 3, 15, 10, 5, 0, 0, time.UTC))
	obs.OutsideTemp = domain.Some(12.5)

	require.NoError(t, NewSink(exec).Insert(context.Background(), obs))
	assert.Contains(t, exec.stmt, "INSERT INTO observations")

	fields := obs.Fields()
	require.Len(t, exec.values, len(fields)+3)
	assert.Equal(t, obs.Station.String(), exec.values[0])
	assert.Equal(t, obs.Day, exec.values[1])
	assert.Equal(t, obs.Time, exec.values[2])
	assert.Equal(t, 12.5, exec.values[3])
	assert.Nil(t, exec.values[4], "absent sample binds NULL")
}

func TestInsert_FailureIsSinkUnavailable(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("no hosts available")}
	obs := domain.NewObservation(uuid.New(), time.Now())
	obs.OutsideTemp = domain.Some(1)

	err := NewSink(exec).Insert(context.Background(), obs)
	require.ErrorIs(t, err, domain.ErrSinkUnavailable)
	assert.Contains(t, err.Error(), "no hosts available")
}

func TestInsertStmt_PlaceholderPerColumn(t *testing.T) {
	cols := len((domain.Observation{}).Fields()) + 3
	marks := 0
	for _, r := range insertStmt {
		if r == '?' {
			marks++
		}
	}
	assert.Equal(t, cols, marks)
}
