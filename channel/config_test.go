package channel

import (
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigsValid(t *testing.T) {
	assert.NoError(t, ValidateConfigs(DefaultConfigs()))
}

func TestValidateConfigsReportsEveryProblem(t *testing.T) {
	configs := []Config{
		{ID: 1, Kind: ReliableOrdered, MaxMessageSize: MaxUnslicedMessageSize + 1, ResendInterval: time.Second, SendQueueLimit: 8},
		{ID: 1, Kind: Unreliable, MaxMessageSize: 100, SendQueueLimit: 0, ReassemblyTimeout: time.Second},
		{ID: 2, Kind: ReliableChunked, MaxMessageSize: 4096, SendQueueLimit: 1},
	}

	err := ValidateConfigs(configs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	// oversized ordered message, duplicate id, zero queue limit,
	// missing resend interval, missing reassembly timeout
	assert.Len(t, merr.Errors, 5)
}

func TestValidateConfigsEmpty(t *testing.T) {
	assert.ErrorIs(t, ValidateConfigs(nil), ErrInvalidConfig)
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{Unreliable, ReliableOrdered, ReliableChunked} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	got, err := ParseKind(" Chunked ")
	require.NoError(t, err)
	assert.Equal(t, ReliableChunked, got)

	_, err = ParseKind("best-effort")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestWindowRoundsUp(t *testing.T) {
	assert.Equal(t, 1, Config{SendQueueLimit: 1}.window())
	assert.Equal(t, 8, Config{SendQueueLimit: 5}.window())
	assert.Equal(t, 256, Config{SendQueueLimit: 256}.window())
}
