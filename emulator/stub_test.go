//go:build !unicorn

package emulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhwgroup/force-riscv-sub005/arch"
)

func TestStubReportsMissingBackend(t *testing.T) {
	rv, err := arch.NewRiscV("bare")
	require.Nil(t, err)
	assert.False(t, Available())
	_, err = NewEmulator(rv, Config{})
	assert.NotNil(t, err)
}
