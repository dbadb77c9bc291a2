package persistence_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/andrej220/fleetbridge/internal/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = "{\n  \"key\": \"value\"\n}\n"

type MockSerializer struct {
	Bytes []byte
	Err   error
}

func (s MockSerializer) Marshal(data any) ([]byte, error) {
	return s.Bytes, s.Err
}

type MockWriter struct {
	Data map[string][]byte
	Err  error
}

func (w *MockWriter) Write(filename string, data []byte) error {
	if w.Data == nil {
		w.Data = make(map[string][]byte)
	}
	w.Data[filename] = data
	return w.Err
}

func TestWriteJSONToFile(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		serializer  persistence.Serializer
		writer      persistence.Writer
		expectedErr bool
	}{
		{
			name:       "valid input",
			filename:   filepath.Join(t.TempDir(), "output.json"),
			serializer: MockSerializer{Bytes: []byte(sampleJSON)},
			writer:     &MockWriter{},
		},
		{
			name:        "empty filename",
			filename:    "",
			serializer:  MockSerializer{Bytes: []byte(sampleJSON)},
			writer:      &MockWriter{},
			expectedErr: true,
		},
		{
			name:        "serializer error",
			filename:    "test.json",
			serializer:  MockSerializer{Err: fmt.Errorf("serialization failed")},
			writer:      &MockWriter{},
			expectedErr: true,
		},
		{
			name:        "writer error",
			filename:    "test.json",
			serializer:  MockSerializer{Bytes: []byte(sampleJSON)},
			writer:      &MockWriter{Err: fmt.Errorf("write failed")},
			expectedErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := persistence.WriteJSONToFile(map[string]string{"key": "value"}, tt.filename, tt.serializer, tt.writer)
			if tt.expectedErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			if writer, ok := tt.writer.(*MockWriter); ok {
				assert.Equal(t, sampleJSON, string(writer.Data[tt.filename]))
			}
		})
	}
}

func TestWriteJSONRoundTrip(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "nested", "output.json")

	require.NoError(t, persistence.WriteJSON(map[string]string{"key": "value"}, filename))

	raw, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Equal(t, sampleJSON, string(raw))

	var out map[string]string
	require.NoError(t, persistence.ReadJSON(filename, &out))
	assert.Equal(t, "value", out["key"])
}

func TestFileWriterRefusesOverwrite(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "output.json")
	require.NoError(t, os.WriteFile(filename, []byte("{}"), 0o644))

	err := persistence.FileWriter{Overwrite: false}.Write(filename, []byte(sampleJSON))
	assert.ErrorIs(t, err, os.ErrExist)

	raw, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(raw))
}
