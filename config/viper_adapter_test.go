/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const viperTestData = `
server:
  address: ":9090"
  tls:
    enabled: true
  timeouts:
    shutdown: 5s
    handshake: 1000000
admission:
  maxConcurrent: "8"
  alg: Sliding_Window
addressFilter:
  allowed: [10.0.0.0/8, 192.168.0.0/16]
  denied: "172.16.0.0/12, 127.0.0.1/32"
log:
  maxSize: 64M
  k8sSize: 2Mi
  intSize: 1024
  negativeSize: -1
  rules:
    - field: authorization
    - field: password
`

func newTestViperAdapter(t *testing.T) *ViperAdapter {
	t.Helper()
	va := NewViperAdapter()
	require.NoError(t, va.SetFromReader(bytes.NewBufferString(viperTestData), DataTypeYAML))
	return va
}

func TestViperAdapter_Getters(t *testing.T) {
	va := newTestViperAdapter(t)

	s, err := va.GetString("server.address")
	require.NoError(t, err)
	require.Equal(t, ":9090", s)

	b, err := va.GetBool("server.tls.enabled")
	require.NoError(t, err)
	require.True(t, b)

	n, err := va.GetInt("admission.maxConcurrent")
	require.NoError(t, err)
	require.Equal(t, 8, n)

	_, err = va.GetInt("server.address")
	require.ErrorContains(t, err, "server.address")

	d, err := va.GetDuration("server.timeouts.shutdown")
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, d)
	d, err = va.GetDuration("server.timeouts.handshake")
	require.NoError(t, err)
	require.Equal(t, time.Millisecond, d)
	d, err = va.GetDuration("server.timeouts.missing")
	require.NoError(t, err)
	require.Zero(t, d)

	require.True(t, va.IsSet("server.tls.enabled"))
	require.False(t, va.IsSet("server.tls.cert"))
}

func TestViperAdapter_GetStringFromSet(t *testing.T) {
	va := newTestViperAdapter(t)
	set := []string{"leaky_bucket", "sliding_window"}

	alg, err := va.GetStringFromSet("admission.alg", set, true)
	require.NoError(t, err)
	require.Equal(t, "Sliding_Window", alg)

	_, err = va.GetStringFromSet("admission.alg", set, false)
	require.EqualError(t, err, `admission.alg: unknown value "Sliding_Window", should be one of [leaky_bucket sliding_window]`)
}

func TestViperAdapter_GetStringSlice(t *testing.T) {
	va := newTestViperAdapter(t)

	allowed, err := va.GetStringSlice("addressFilter.allowed")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, allowed)

	denied, err := va.GetStringSlice("addressFilter.denied")
	require.NoError(t, err)
	require.Equal(t, []string{"172.16.0.0/12", "127.0.0.1/32"}, denied)

	missing, err := va.GetStringSlice("addressFilter.missing")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestViperAdapter_GetByteSize(t *testing.T) {
	va := newTestViperAdapter(t)
	va.SetDefault("log.defaultSize", ByteSize(4096))

	for key, want := range map[string]ByteSize{
		"log.maxSize":     64 * 1024 * 1024,
		"log.k8sSize":     2 * 1024 * 1024,
		"log.intSize":     1024,
		"log.defaultSize": 4096,
		"log.missing":     0,
	} {
		got, err := va.GetByteSize(key)
		require.NoError(t, err, key)
		require.Equal(t, want, got, key)
	}

	_, err := va.GetByteSize("log.negativeSize")
	require.ErrorContains(t, err, "log.negativeSize: negative value is not allowed")
	_, err = va.GetByteSize("server.address")
	require.ErrorContains(t, err, "server.address")
}

func TestViperAdapter_UnmarshalKey(t *testing.T) {
	va := newTestViperAdapter(t)

	var rules []struct {
		Field string `mapstructure:"field"`
	}
	require.NoError(t, va.UnmarshalKey("log.rules", &rules))
	require.Len(t, rules, 2)
	require.Equal(t, "password", rules[1].Field)

	var wrong []int
	require.ErrorContains(t, va.UnmarshalKey("log.rules", &wrong), "log.rules")
}

func TestKeyPrefixedDataProvider(t *testing.T) {
	va := newTestViperAdapter(t)
	dp := NewKeyPrefixedDataProvider(va, "server")

	dp.SetDefault("timeouts.read", "2s")
	d, err := va.GetDuration("server.timeouts.read")
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, d)

	addr, err := dp.GetString("address")
	require.NoError(t, err)
	require.Equal(t, ":9090", addr)
	require.True(t, dp.IsSet("tls.enabled"))
	require.EqualError(t, dp.WrapKeyErr("address", errAddressInUse), "server.address: address in use")

	nested := NewKeyPrefixedDataProvider(dp, "tls")
	enabled, err := nested.GetBool("enabled")
	require.NoError(t, err)
	require.True(t, enabled)
}

var errAddressInUse = addressErr("address in use")

type addressErr string

func (e addressErr) Error() string { return string(e) }
