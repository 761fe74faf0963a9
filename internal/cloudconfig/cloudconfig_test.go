package cloudconfig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nixci/runner/internal/job"
)

func TestParseDefaultsToAllPlatforms(t *testing.T) {
	vms, err := Parse([]byte(`cloud: {}`))
	require.NoError(t, err)
	require.Len(t, vms, len(job.AllPlatforms()))
	for _, vm := range vms {
		require.Equal(t, 2, vm.CPUs)
		require.Equal(t, 4096, vm.MemoryMB)
	}
}

func TestParsePerPlatformOverride(t *testing.T) {
	doc := `
cloud:
  memory: 2GB
  cpus: 4
  platforms:
    - x86_64-linux
    - name: aarch64-darwin
      memory: 8GB
      cpus: 8
`
	vms, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, vms, 2)
	require.Equal(t, job.VM{Platform: job.PlatformX86_64Linux, CPUs: 4, MemoryMB: 2048}, vms[0])
	require.Equal(t, job.VM{Platform: job.PlatformAarch64Darwin, CPUs: 8, MemoryMB: 8192}, vms[1])
}

func TestParseUnknownPlatformIsBadParameter(t *testing.T) {
	_, err := Parse([]byte(`
cloud:
  platforms:
    - risc-v-wasm
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "Platform 'risc-v-wasm' is not a known platform")
}

func TestParseSerializeRoundTrip(t *testing.T) {
	want := []job.VM{
		{Platform: job.PlatformX86_64Linux, CPUs: 6, MemoryMB: 12288},
		{Platform: job.PlatformAarch64Darwin, CPUs: 1, MemoryMB: 512},
	}
	data, err := Serialize(want)
	require.NoError(t, err)

	got, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestParseBadMemoryValue(t *testing.T) {
	_, err := Parse([]byte(`
cloud:
  memory: "not-a-size"
`))
	require.Error(t, err)
}
