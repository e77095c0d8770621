package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectDevice(t *testing.T) {
	devices := []Device{
		{ID: "AA:BB:CC:00:00:01", Name: "OBDII"},
		{ID: "AA:BB:CC:00:00:02", Name: "Vgate iCar Pro"},
		{ID: "AA:BB:CC:00:00:03", Name: "OBDII-2"},
	}

	t.Run("address wins", func(t *testing.T) {
		d, err := SelectDevice(devices, "aa:bb:cc:00:00:03", "vgate")
		require.NoError(t, err)
		assert.Equal(t, "OBDII-2", d.Name)
	})

	t.Run("unknown address", func(t *testing.T) {
		_, err := SelectDevice(devices, "11:22:33:44:55:66", "")
		assert.ErrorIs(t, err, ErrNoDevice)
	})

	t.Run("unique name", func(t *testing.T) {
		d, err := SelectDevice(devices, "", "vgate")
		require.NoError(t, err)
		assert.Equal(t, "AA:BB:CC:00:00:02", d.ID)
	})

	t.Run("ambiguous name", func(t *testing.T) {
		_, err := SelectDevice(devices, "", "obd")
		var ambiguous *AmbiguousDeviceError
		require.ErrorAs(t, err, &ambiguous)
		assert.Len(t, ambiguous.Candidates, 2)
	})

	t.Run("no match", func(t *testing.T) {
		_, err := SelectDevice(devices, "", "kiwi")
		assert.ErrorIs(t, err, ErrNoDevice)
	})
}
