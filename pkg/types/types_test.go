package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationYaml(t *testing.T) {
	var v struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
	}

	err := yaml.Unmarshal([]byte("a: 1.5s\nb: 250\n"), &v)
	require.NoError(t, err)

	assert.Equal(t, 1500*time.Millisecond, v.A.Std())
	assert.Equal(t, 250*time.Millisecond, v.B.Std())

	err = yaml.Unmarshal([]byte("a: -1s\n"), &v)
	assert.Error(t, err)

	err = yaml.Unmarshal([]byte("a: soon\n"), &v)
	assert.Error(t, err)
}

func TestDurationJson(t *testing.T) {
	data, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(data))

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"100ms"`), &d))
	assert.Equal(t, 100*time.Millisecond, d.Std())
}

func TestErrors(t *testing.T) {
	err := fmt.Errorf("transmit: %w", &TimeoutError{Op: "tx"})

	var timeout *TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.True(t, timeout.Timeout())
	assert.Equal(t, "transmit: tx: timeout", err.Error())

	assert.Equal(t, "busy", (&BusyError{}).Error())
}
