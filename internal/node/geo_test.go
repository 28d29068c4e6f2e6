package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceKm_KnownCities(t *testing.T) {
	budapest := GpsLocation{Latitude: 47.4979, Longitude: 19.0402}
	vienna := GpsLocation{Latitude: 48.2082, Longitude: 16.3738}

	d := DistanceKm(budapest, vienna)
	assert.InDelta(t, 214, float64(d), 5)
	assert.Equal(t, d, DistanceKm(vienna, budapest))
}

func TestDistanceKm_SamePoint(t *testing.T) {
	p := GpsLocation{Latitude: 47.5, Longitude: 19.0}
	assert.Equal(t, Distance(0), DistanceKm(p, p))
}

func TestDistanceKm_Antipodal(t *testing.T) {
	north := GpsLocation{Latitude: 90, Longitude: 0}
	south := GpsLocation{Latitude: -90, Longitude: 0}
	// Half circumference of the 6371 km sphere.
	assert.InDelta(t, 20015, float64(DistanceKm(north, south)), 5)
}

func TestGpsLocation_Validate(t *testing.T) {
	_, err := NewGpsLocation(91, 0)
	require.Error(t, err)
	assert.Equal(t, InvalidValue, KindOf(err))

	_, err = NewGpsLocation(0, -181)
	require.Error(t, err)
	assert.Equal(t, InvalidValue, KindOf(err))

	loc, err := NewGpsLocation(-90, 180)
	require.NoError(t, err)
	assert.Equal(t, -90.0, loc.Latitude)
}

func TestAddress_IsLoopback(t *testing.T) {
	assert.True(t, Address("127.0.0.1").IsLoopback())
	assert.True(t, Address("::1").IsLoopback())
	assert.False(t, Address("8.8.8.8").IsLoopback())
	assert.False(t, Address("not-an-ip").IsLoopback())
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("10.0.0.1:16980")
	require.NoError(t, err)
	assert.Equal(t, Address("10.0.0.1"), ep.Address)
	assert.Equal(t, uint16(16980), ep.Port)

	_, err = ParseEndpoint("10.0.0.1")
	assert.Error(t, err)

	_, err = ParseEndpoint("host.example.com:80")
	assert.Error(t, err)

	ep, err = ParseEndpoint("[::1]:8080")
	require.NoError(t, err)
	assert.Equal(t, Address("::1"), ep.Address)
}
