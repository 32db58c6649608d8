package packet

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeConcurrent(t *testing.T) {
	publish := NewPublish("a/b", []byte("payload"), QoS1, false)
	publish.PacketID = 7

	connect := NewConnect("c1")
	connect.SetWill("will/t", []byte("bye"), QoS1, true)

	packets := []Packet{
		publish,
		connect,
		NewConnack(true, Accepted),
		NewAck(TypePuback, 7),
		NewPingresp(),
	}

	for _, pkt := range packets {
		t.Run(pkt.Type().String(), func(t *testing.T) {
			want, err := pkt.Encode()
			require.NoError(t, err)
			before := pkt.Header()

			const workers = 8
			results := make([][]byte, workers)
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				i := i
				wg.Add(1)
				go func() {
					defer wg.Done()
					results[i], _ = pkt.Encode()
				}()
			}
			wg.Wait()

			for _, got := range results {
				assert.Equal(t, want, got)
			}
			assert.Equal(t, before, pkt.Header())
		})
	}
}
