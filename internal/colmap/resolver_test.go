package colmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHeaders = []string{
	"Driver Name", "VIN", "Address", "Latitude", "Longitude", "Status", "Update Time", "Source",
}

func TestResolveExplicit(t *testing.T) {
	explicit := map[Field]string{
		FieldDriverName: "A",
		FieldVIN:        "B",
		FieldAddress:    "C",
		FieldLatitude:   "D",
		FieldLongitude:  "E",
		FieldStatus:     "F",
		FieldUpdateTime: "G",
		FieldSource:     "H",
	}

	m, err := Resolve(explicit, nil, AssetFields)
	require.NoError(t, err)
	assert.Equal(t, SourceExplicit, m.Source())
	assert.Empty(t, m.FallbackReason())

	idx, ok := m.Index(FieldVIN)
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, 7, m.MaxIndex())
}

func TestResolveExplicitDuplicateColumnFallsBack(t *testing.T) {
	explicit := map[Field]string{
		FieldDriverName: "A",
		FieldVIN:        "A", // 两个字段映射到同一列
		FieldAddress:    "C",
		FieldLatitude:   "D",
		FieldLongitude:  "E",
		FieldStatus:     "F",
		FieldUpdateTime: "G",
		FieldSource:     "H",
	}

	m, err := Resolve(explicit, testHeaders, AssetFields)
	require.NoError(t, err)
	assert.Equal(t, SourceHeaders, m.Source())
	assert.NotEmpty(t, m.FallbackReason())

	idx, ok := m.Index(FieldDriverName)
	require.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestResolveExplicitMissingRequiredFallsBack(t *testing.T) {
	explicit := map[Field]string{FieldDriverName: "A"}

	m, err := Resolve(explicit, testHeaders, AssetFields)
	require.NoError(t, err)
	assert.Equal(t, SourceHeaders, m.Source())
}

func TestResolveHeaderScanOnly(t *testing.T) {
	m, err := Resolve(nil, testHeaders, AssetFields)
	require.NoError(t, err)
	assert.Equal(t, SourceHeaders, m.Source())

	idx, ok := m.Index(FieldUpdateTime)
	require.True(t, ok)
	assert.Equal(t, 6, idx)
}

func TestResolveHeaderAliases(t *testing.T) {
	headers := []string{
		"driver", "truck_vin", "location", "lat", "lon", "del_status", "last_update", "provider",
	}

	m, err := Resolve(nil, headers, AssetFields)
	require.NoError(t, err)

	idx, ok := m.Index(FieldAddress)
	require.True(t, ok)
	assert.Equal(t, 2, idx)

	idx, ok = m.Index(FieldSource)
	require.True(t, ok)
	assert.Equal(t, 7, idx)
}

func TestResolveBothFail(t *testing.T) {
	explicit := map[Field]string{FieldDriverName: "A"}
	headers := []string{"Something", "Else"}

	_, err := Resolve(explicit, headers, AssetFields)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMappingUnresolved)
}

func TestResolveDuplicateHeaderIsAmbiguous(t *testing.T) {
	headers := append([]string{}, testHeaders...)
	headers = append(headers, "VIN") // 第二个 VIN 表头

	_, err := Resolve(nil, headers, AssetFields)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMappingUnresolved)
}

func TestResolveEmptyHeaders(t *testing.T) {
	_, err := Resolve(nil, nil, AssetFields)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMappingUnresolved)
}

func TestLetterToIndex(t *testing.T) {
	cases := map[string]int{
		"A":  0,
		"B":  1,
		"Z":  25,
		"AA": 26,
		"AZ": 51,
		"BA": 52,
	}
	for letter, want := range cases {
		got, err := LetterToIndex(letter)
		require.NoError(t, err, letter)
		assert.Equal(t, want, got, letter)
	}

	_, err := LetterToIndex("")
	assert.Error(t, err)
	_, err = LetterToIndex("A1")
	assert.Error(t, err)
}

func TestIndexToLetter(t *testing.T) {
	assert.Equal(t, "A", IndexToLetter(0))
	assert.Equal(t, "Z", IndexToLetter(25))
	assert.Equal(t, "AA", IndexToLetter(26))
	assert.Equal(t, "BA", IndexToLetter(52))
}

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec("driver_name=A, vin=b ,status=C")
	require.NoError(t, err)
	assert.Equal(t, map[Field]string{
		FieldDriverName: "A",
		FieldVIN:        "B",
		FieldStatus:     "C",
	}, spec)

	spec, err = ParseSpec("")
	require.NoError(t, err)
	assert.Nil(t, spec)

	_, err = ParseSpec("driver_name")
	assert.Error(t, err)
	_, err = ParseSpec("=A")
	assert.Error(t, err)
}
