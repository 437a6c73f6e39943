package netutils

import (
	"testing"

	"github.com/companyzero/cryptobridge/internal/assert"
)

func TestListenNetworks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr    string
		want    []string
		wantErr bool
	}{
		{addr: ":7950", want: []string{"tcp4", "tcp6"}},
		{addr: "127.0.0.1:7950", want: []string{"tcp4"}},
		{addr: "[::1]:7950", want: []string{"tcp6"}},
		{addr: "[fe80::1%eth0]:7950", want: []string{"tcp6"}},
		{addr: "localhost:7950", wantErr: true},
		{addr: "127.0.0.1", wantErr: true},
	}
	for _, tc := range tests {
		got, err := listenNetworks(tc.addr)
		if tc.wantErr {
			assert.NonNilErr(t, err)
			continue
		}
		assert.NilErr(t, err)
		assert.DeepEqual(t, got, tc.want)
	}
}

func TestListenAll(t *testing.T) {
	t.Parallel()
	ls, err := ListenAll([]string{"127.0.0.1:0", "127.0.0.1:0"})
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(ls), 2)
	addr := ls[0].Addr().String()

	// Binding to an address in use fails and releases the other listeners.
	_, err = ListenAll([]string{"127.0.0.1:0", addr})
	assert.NonNilErr(t, err)

	for _, l := range ls {
		assert.NilErr(t, l.Close())
	}
}
